// Package worker runs one serving kernel: the event loop, the listening
// communication points, the reply cache, the outgoing network and the module
// pipeline. The worker defines most of the whitelisted callbacks in the
// process; they are top-level functions registered here and stored into the
// subsystems that invoke them after verification.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/vk/warden/internal/alloc"
	"github.com/vk/warden/internal/config"
	"github.com/vk/warden/internal/ctxlog"
	"github.com/vk/warden/internal/diag"
	"github.com/vk/warden/internal/fnwlist"
	"github.com/vk/warden/internal/mesh"
	"github.com/vk/warden/internal/module"
	"github.com/vk/warden/internal/netevent"
	"github.com/vk/warden/internal/outnet"
	"github.com/vk/warden/internal/querycache"
	"github.com/vk/warden/internal/tube"
)

const statsInterval = 10 * time.Second

func init() {
	fnwlist.Register(fnwlist.CommPoint, HandleRequest)
	fnwlist.Register(fnwlist.CommPointRaw, HandleRawConn)
	fnwlist.Register(fnwlist.CommTimer, StatsTimer)
	fnwlist.Register(fnwlist.CommSignal, HandleSignal)
	fnwlist.Register(fnwlist.Event, ExchangeEvent, CommandEvent)
	fnwlist.Register(fnwlist.TubeListen, HandleCommand)
	fnwlist.Register(fnwlist.EnvSendQuery, SendQuery)
	fnwlist.Register(fnwlist.ServicedQuery, ServicedReply)
	fnwlist.Register(fnwlist.MeshCallback, ReplyCallback)
	fnwlist.Register(fnwlist.AllocCleanup, RecycleOutbounds)
	fnwlist.Register(fnwlist.PrintFunc, PrintToLog)
}

// Worker is one serving kernel. It is driven by its event loop goroutine;
// all mesh and pipeline work happens on that goroutine.
type Worker struct {
	ctx    context.Context
	cancel context.CancelFunc
	cfg    *config.Config

	base  *netevent.Base
	udp   *netevent.CommPoint
	tcp   *netevent.CommPoint
	timer *netevent.Timer
	sigs  *netevent.SignalPoint

	cmds  *tube.Tube
	net   *outnet.Network
	cache *querycache.Cache
	env   *module.Env
	mesh  *mesh.Mesh
	ids   *alloc.IDPool
	sites *diag.Collector

	cmdPrint    diag.PrintFunc
	cmdPrintArg any

	upstream string

	queries   uint64
	cacheHits uint64
	tcpConns  uint64
}

// New assembles a worker from the configuration and the module pipeline.
// The sockets are bound but the loop does not run until Serve.
func New(ctx context.Context, cfg *config.Config, mods []*module.FuncBlock) (*Worker, error) {
	wctx, cancel := context.WithCancel(ctx)
	w := &Worker{
		ctx:    wctx,
		cancel: cancel,
		cfg:    cfg,
		cache:  querycache.New(cfg.Cache.MaxMem),
		sites:  diag.New(),
	}
	for _, m := range cfg.Modules {
		if m.Upstream != "" {
			w.upstream = m.Upstream
		}
	}
	w.ids = alloc.New(RecycleOutbounds, w)
	w.cmdPrint, w.cmdPrintArg = PrintToLog, w

	onet, err := outnet.New(wctx, cfg.Timeout())
	if err != nil {
		cancel()
		return nil, err
	}
	w.net = onet

	w.env = &module.Env{Cfg: cfg, Worker: w, SendQueryFn: SendQuery}
	m, err := mesh.New(wctx, w.env, mods)
	if err != nil {
		cancel()
		onet.Close()
		return nil, err
	}
	w.mesh = m

	w.base = netevent.NewBase(wctx)
	if err := w.listen(); err != nil {
		cancel()
		onet.Close()
		return nil, err
	}

	w.timer = netevent.NewTimer(w.base, StatsTimer, w)
	w.sigs = netevent.NewSignal(w.base, HandleSignal, w, os.Interrupt, syscall.SIGTERM)

	w.cmds = tube.New(16)
	w.cmds.Listen(wctx, HandleCommand, w)
	return w, nil
}

func (w *Worker) listen() error {
	pc, err := net.ListenPacket("udp", w.cfg.Server.ListenUDP)
	if err != nil {
		return fmt.Errorf("worker: listen udp %s: %w", w.cfg.Server.ListenUDP, err)
	}
	w.udp = netevent.NewUDP(w.base, pc, HandleRequest, w)

	ln, err := net.Listen("tcp", w.cfg.Server.ListenTCP)
	if err != nil {
		pc.Close()
		return fmt.Errorf("worker: listen tcp %s: %w", w.cfg.Server.ListenTCP, err)
	}
	w.tcp = netevent.NewTCPAccept(w.base, ln, HandleRawConn, HandleRequest, w)
	return nil
}

// Commands returns the tube that feeds control commands into the worker.
func (w *Worker) Commands() *tube.Tube { return w.cmds }

// SetCommandOutput routes command output through print instead of the local
// log. print must be registered under fnwlist.PrintFunc. Call before Serve;
// the loop goroutine reads the fields without locking.
func (w *Worker) SetCommandOutput(print diag.PrintFunc, arg any) {
	w.cmdPrint = print
	w.cmdPrintArg = arg
}

// UDPAddr returns the bound UDP listen address.
func (w *Worker) UDPAddr() string { return w.udp.LocalAddr() }

// TCPAddr returns the bound TCP listen address.
func (w *Worker) TCPAddr() string { return w.tcp.LocalAddr() }

// Serve runs the event loop until shutdown, then tears everything down.
func (w *Worker) Serve() {
	logger := ctxlog.FromContext(w.ctx)
	logger.Info("Worker started.",
		slog.String("udp", w.UDPAddr()),
		slog.String("tcp", w.TCPAddr()),
		slog.Int("modules", len(w.cfg.Modules)))
	w.timer.Set(statsInterval)

	w.base.Dispatch()

	w.timer.Unset()
	w.udp.Close()
	w.tcp.Close()
	w.cmds.Close()
	w.net.Close()
	w.mesh.Deinit()
	w.base.Stop()
	logger.Info("Worker stopped.", slog.Uint64("queries", w.queries))
}

// Shutdown stops the worker from any goroutine.
func (w *Worker) Shutdown() { w.cancel() }

// pendingReply tracks a client request parked on the mesh.
type pendingReply struct {
	w   *Worker
	cp  *netevent.CommPoint
	rep *netevent.Reply
	q   module.QueryInfo
}

// HandleRequest is the stored callback of the listening communication
// points. The request payload is the query name; the reply payload is the
// answer. A cache hit answers synchronously; a miss parks the request on
// the mesh and answers later through ReplyCallback.
func HandleRequest(cp *netevent.CommPoint, arg any, msg []byte, rep *netevent.Reply) []byte {
	w := arg.(*Worker)
	w.queries++
	w.sites.Record()

	q := module.QueryInfo{Name: string(msg), Type: 1, Class: 1}
	if reply, ok := w.cache.Lookup(q); ok {
		w.cacheHits++
		return reply
	}
	pr := &pendingReply{w: w, cp: cp, rep: rep, q: q}
	w.mesh.NewClientQuery(q, 0, ReplyCallback, pr)
	return nil
}

// HandleRawConn is the stored raw-accept callback; it counts connections.
func HandleRawConn(cp *netevent.CommPoint, arg any, conn net.Conn) {
	arg.(*Worker).tcpConns++
}

// ReplyCallback delivers a finished mesh state back to the client and
// feeds the reply cache.
func ReplyCallback(arg any, rcode int, reply []byte) {
	pr := arg.(*pendingReply)
	w := pr.w
	if rcode == module.RcodeNoError && reply != nil {
		w.cache.Store(pr.q, reply, w.cfg.TTL())
	} else if reply == nil {
		reply = []byte(fmt.Sprintf("error %d", rcode))
	}
	if err := pr.cp.SendReply(pr.rep, reply); err != nil {
		ctxlog.FromContext(w.ctx).Debug("Client reply failed.", "error", err)
	}
}

// exchange tracks one upstream exchange for a parked state.
type exchange struct {
	w   *Worker
	st  *module.State
	ob  *module.Outbound
	err error
	msg []byte
}

// SendQuery is the environment's send-query operation. It hands the query
// to the outgoing network as a serviced query.
func SendQuery(q module.QueryInfo, flags uint16, st *module.State) (*module.Outbound, error) {
	w := st.Env.Worker.(*Worker)
	if w.upstream == "" {
		return nil, fmt.Errorf("worker: no upstream to send to")
	}
	ob := &module.Outbound{ID: w.ids.NextID()}
	ex := &exchange{w: w, st: st, ob: ob}
	if err := w.net.ServicedQuery(q, []byte(q.Name), w.upstream, ServicedReply, ex); err != nil {
		return nil, err
	}
	return ob, nil
}

// ServicedReply receives the upstream outcome on the network's goroutine
// and funnels it to the event loop.
func ServicedReply(arg any, err error, reply []byte) {
	ex := arg.(*exchange)
	ex.err = err
	ex.msg = reply
	ex.w.base.Post(ExchangeEvent, ex)
}

// ExchangeEvent continues the parked state on the loop goroutine.
func ExchangeEvent(arg any) {
	ex := arg.(*exchange)
	ev := module.EventReply
	if ex.err != nil {
		ev = module.EventNoReply
	}
	ex.w.mesh.ReplyEvent(ex.st, ev, ex.ob, ex.msg)
}

// RecycleOutbounds is the ID pool's rollover hook; arg is the *Worker.
// Replies carry the state pointer, not the ID, so rollover only needs the
// cache flushed of entries that could alias old exchanges.
func RecycleOutbounds(arg any) {
	w := arg.(*Worker)
	ctxlog.FromContext(w.ctx).Info("Exchange ID space rolled over, flushing cache.")
	w.cache.Clear()
}

// StatsTimer is the stored timer callback; it logs counters and re-arms.
func StatsTimer(arg any) {
	w := arg.(*Worker)
	w.logStats()
	w.timer.Set(statsInterval)
}

// dumpStats emits the counters one line per setting, verifying the print
// function before each line.
func (w *Worker) dumpStats(print diag.PrintFunc, arg any) {
	emit := func(line string) {
		fnwlist.Check(fnwlist.PrintFunc, print)
		print(line, arg)
	}
	hits, misses, evictions := w.cache.Stats()
	emit(fmt.Sprintf("queries: %d", w.queries))
	emit(fmt.Sprintf("cache.hits: %d", hits))
	emit(fmt.Sprintf("cache.misses: %d", misses))
	emit(fmt.Sprintf("cache.evictions: %d", evictions))
	emit(fmt.Sprintf("tcp.connections: %d", w.tcpConns))
	emit(fmt.Sprintf("mesh.states: %d", w.mesh.NumStates()))
	emit(fmt.Sprintf("mesh.replies: %d", w.mesh.RepliesSent()))
}

func (w *Worker) logStats() {
	hits, misses, evictions := w.cache.Stats()
	ctxlog.FromContext(w.ctx).Info("Worker statistics.",
		slog.Uint64("queries", w.queries),
		slog.Uint64("cache_hits", hits),
		slog.Uint64("cache_misses", misses),
		slog.Uint64("cache_evictions", evictions),
		slog.Uint64("tcp_conns", w.tcpConns),
		slog.Int("mesh_states", w.mesh.NumStates()),
		slog.Uint64("replies", w.mesh.RepliesSent()),
		slog.Uint64("mod_mem", w.mesh.GetMem()))
}

// HandleSignal is the stored signal callback.
func HandleSignal(sig os.Signal, arg any) {
	w := arg.(*Worker)
	ctxlog.FromContext(w.ctx).Info("Signal received, shutting down.", slog.String("signal", sig.String()))
	w.Shutdown()
}

// command is one control command moving from the tube to the loop.
type command struct {
	w    *Worker
	text string
}

// HandleCommand is the stored tube callback. It runs on the tube's
// delivery goroutine, so it only forwards to the loop.
func HandleCommand(msg []byte, arg any) {
	w := arg.(*Worker)
	w.base.Post(CommandEvent, &command{w: w, text: strings.TrimSpace(string(msg))})
}

// CommandEvent executes one control command on the loop goroutine.
func CommandEvent(arg any) {
	c := arg.(*command)
	w := c.w
	logger := ctxlog.FromContext(w.ctx)
	switch c.text {
	case "stats":
		w.dumpStats(w.cmdPrint, w.cmdPrintArg)
	case "dump_config":
		w.cfg.Dump(w.cmdPrint, w.cmdPrintArg)
	case "dump_sites":
		w.sites.Dump(w.cmdPrint, w.cmdPrintArg)
	case "flush":
		w.cache.Clear()
		logger.Info("Cache flushed.")
	case "stop":
		w.Shutdown()
	default:
		logger.Warn("Unknown control command.", slog.String("command", c.text))
	}
}

// PrintToLog is the stored print function for control output; arg is the
// *Worker.
func PrintToLog(line string, arg any) {
	w := arg.(*Worker)
	ctxlog.FromContext(w.ctx).Info("Control output.", slog.String("line", line))
}
