// Package outnet performs upstream exchanges. A pending exchange is one
// in-flight UDP or TCP request; a serviced query deduplicates callers that
// wait for the same upstream answer. Every stored callback is verified
// against the whitelist before it is invoked.
package outnet

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/vk/warden/internal/alloc"
	"github.com/vk/warden/internal/ctxlog"
	"github.com/vk/warden/internal/fnwlist"
	"github.com/vk/warden/internal/module"
	"github.com/vk/warden/internal/rbtree"
)

// Callback receives the outcome of an exchange. err is nil on success and
// reply holds the raw answer payload without the length or ID prefix.
type Callback func(arg any, err error, reply []byte)

// ErrTimeout reports that an exchange did not answer in time.
var ErrTimeout = errors.New("outnet: exchange timed out")

// ErrClosed reports that the network was shut down with exchanges in flight.
var ErrClosed = errors.New("outnet: network closed")

func init() {
	fnwlist.Register(fnwlist.PendingUDP, ServicedUDPCallback)
	fnwlist.Register(fnwlist.PendingTCP, ServicedTCPCallback)
	fnwlist.Register(fnwlist.TreeCmp, servicedCompare)
	fnwlist.Register(fnwlist.AllocCleanup, RecycleIDs)
}

// Pending is one in-flight exchange.
type Pending struct {
	ID    uint16
	Addr  string
	cb    Callback
	arg   any
	timer *time.Timer
	done  bool
}

// servicedKey orders serviced queries by question and upstream address.
type servicedKey struct {
	Name  string
	Type  uint16
	Class uint16
	Addr  string
}

// servicedCompare is the tree comparator for the serviced query set.
func servicedCompare(a, b any) int {
	x, y := a.(*Serviced).key, b.(*Serviced).key
	if x.Name != y.Name {
		if x.Name < y.Name {
			return -1
		}
		return 1
	}
	if c := int(x.Type) - int(y.Type); c != 0 {
		return c
	}
	if c := int(x.Class) - int(y.Class); c != 0 {
		return c
	}
	if x.Addr != y.Addr {
		if x.Addr < y.Addr {
			return -1
		}
		return 1
	}
	return 0
}

// Serviced is one deduplicated upstream query with its waiting callers.
type Serviced struct {
	key     servicedKey
	query   []byte
	net     *Network
	callers []servicedCaller
	onTCP   bool
}

type servicedCaller struct {
	cb  Callback
	arg any
}

// RecycleIDs is the cleanup hook for the exchange ID pool; arg is the
// owning *Network. The pool has handed out every ID once, so anything
// still pending is stale and gets an error delivered. Runs with n.mu
// held, so callbacks are fired from fresh goroutines.
func RecycleIDs(arg any) {
	n := arg.(*Network)
	for id, p := range n.pendingUDP {
		delete(n.pendingUDP, id)
		if p.done {
			continue
		}
		p.done = true
		if p.timer != nil {
			p.timer.Stop()
		}
		fnwlist.Check(fnwlist.PendingUDP, p.cb)
		go p.cb(p.arg, ErrTimeout, nil)
	}
}

// Network issues exchanges to upstream servers.
type Network struct {
	ctx     context.Context
	timeout time.Duration

	mu         sync.Mutex
	conn       net.PacketConn
	ids        *alloc.IDPool
	pendingUDP map[uint16]*Pending
	serviced   *rbtree.Tree
	closed     bool
	readDone   chan struct{}
}

// New creates a Network with one UDP socket for outgoing exchanges.
// timeout bounds each exchange.
func New(ctx context.Context, timeout time.Duration) (*Network, error) {
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("outnet: open udp socket: %w", err)
	}
	n := &Network{
		ctx:        ctx,
		timeout:    timeout,
		conn:       conn,
		pendingUDP: make(map[uint16]*Pending),
		serviced:   rbtree.New(servicedCompare),
		readDone:   make(chan struct{}),
	}
	n.ids = alloc.New(RecycleIDs, n)
	go n.readLoop()
	return n, nil
}

// SendUDP starts a UDP exchange. The wire format prefixes msg with the
// 2-byte exchange ID. cb fires exactly once, on answer or timeout.
func (n *Network) SendUDP(msg []byte, addr string, cb Callback, arg any) (*Pending, error) {
	dst, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("outnet: resolve %s: %w", addr, err)
	}
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil, ErrClosed
	}
	id := n.ids.NextID()
	p := &Pending{ID: id, Addr: addr, cb: cb, arg: arg}
	n.pendingUDP[id] = p
	p.timer = time.AfterFunc(n.timeout, func() { n.udpTimeout(id) })
	n.mu.Unlock()

	buf := make([]byte, 2+len(msg))
	buf[0], buf[1] = byte(id>>8), byte(id)
	copy(buf[2:], msg)
	if _, err := n.conn.WriteTo(buf, dst); err != nil {
		n.mu.Lock()
		delete(n.pendingUDP, id)
		p.timer.Stop()
		p.done = true
		n.mu.Unlock()
		return nil, fmt.Errorf("outnet: send udp to %s: %w", addr, err)
	}
	return p, nil
}

func (n *Network) udpTimeout(id uint16) {
	n.mu.Lock()
	p, ok := n.pendingUDP[id]
	if ok {
		delete(n.pendingUDP, id)
	}
	if !ok || p.done {
		n.mu.Unlock()
		return
	}
	n.deliverLocked(p, ErrTimeout, nil)
	n.mu.Unlock()
}

// deliverLocked fires p's callback. Called with n.mu held; the callback
// runs without the lock so it may start new exchanges.
func (n *Network) deliverLocked(p *Pending, err error, reply []byte) {
	if p.done {
		return
	}
	p.done = true
	if p.timer != nil {
		p.timer.Stop()
	}
	fnwlist.Check(fnwlist.PendingUDP, p.cb)
	n.mu.Unlock()
	p.cb(p.arg, err, reply)
	n.mu.Lock()
}

func (n *Network) readLoop() {
	defer close(n.readDone)
	buf := make([]byte, 65536)
	for {
		nr, _, err := n.conn.ReadFrom(buf)
		if err != nil {
			return
		}
		if nr < 2 {
			continue
		}
		id := uint16(buf[0])<<8 | uint16(buf[1])
		reply := make([]byte, nr-2)
		copy(reply, buf[2:nr])

		n.mu.Lock()
		p, ok := n.pendingUDP[id]
		if ok {
			delete(n.pendingUDP, id)
			n.deliverLocked(p, nil, reply)
		}
		n.mu.Unlock()
		if !ok {
			ctxlog.FromContext(n.ctx).Debug("Dropped reply for unknown exchange.", slog.Int("id", int(id)))
		}
	}
}

// SendTCP starts a TCP exchange in its own goroutine. The stream carries
// a 2-byte big-endian length before request and reply. cb fires exactly
// once.
func (n *Network) SendTCP(msg []byte, addr string, cb Callback, arg any) (*Pending, error) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil, ErrClosed
	}
	n.mu.Unlock()
	p := &Pending{Addr: addr, cb: cb, arg: arg}
	go n.runTCP(p, msg, addr)
	return p, nil
}

func (n *Network) runTCP(p *Pending, msg []byte, addr string) {
	reply, err := n.exchangeTCP(msg, addr)
	fnwlist.Check(fnwlist.PendingTCP, p.cb)
	p.cb(p.arg, err, reply)
}

// maxMsgSize is the largest message the 2-byte length prefix can frame.
const maxMsgSize = 0xffff

func (n *Network) exchangeTCP(msg []byte, addr string) ([]byte, error) {
	if len(msg) > maxMsgSize {
		return nil, fmt.Errorf("outnet: message of %d bytes exceeds frame limit", len(msg))
	}
	d := net.Dialer{Timeout: n.timeout}
	conn, err := d.DialContext(n.ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("outnet: dial %s: %w", addr, err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(n.timeout))

	buf := make([]byte, 2+len(msg))
	buf[0], buf[1] = byte(len(msg)>>8), byte(len(msg))
	copy(buf[2:], msg)
	if _, err := conn.Write(buf); err != nil {
		return nil, fmt.Errorf("outnet: write to %s: %w", addr, err)
	}

	var hdr [2]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		return nil, fmt.Errorf("outnet: read length from %s: %w", addr, err)
	}
	reply := make([]byte, int(hdr[0])<<8|int(hdr[1]))
	if _, err := io.ReadFull(conn, reply); err != nil {
		return nil, fmt.Errorf("outnet: read reply from %s: %w", addr, err)
	}
	return reply, nil
}

// ServicedQuery joins or starts a deduplicated exchange for q against
// addr. Every caller's cb fires once when the answer arrives.
func (n *Network) ServicedQuery(q module.QueryInfo, query []byte, addr string, cb Callback, arg any) error {
	key := servicedKey{Name: q.Name, Type: q.Type, Class: q.Class, Addr: addr}
	probe := &Serviced{key: key}

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return ErrClosed
	}
	if v, ok := n.serviced.Search(probe); ok {
		sq := v.(*Serviced)
		sq.callers = append(sq.callers, servicedCaller{cb: cb, arg: arg})
		n.mu.Unlock()
		return nil
	}
	sq := &Serviced{key: key, query: query, net: n,
		callers: []servicedCaller{{cb: cb, arg: arg}}}
	n.serviced.Insert(sq, sq)
	n.mu.Unlock()

	if _, err := n.SendUDP(query, addr, ServicedUDPCallback, sq); err != nil {
		n.dropServiced(sq)
		return err
	}
	return nil
}

// ServicedUDPCallback handles the UDP leg of a serviced query; arg is the
// *Serviced. On UDP failure the query falls back to TCP once.
func ServicedUDPCallback(arg any, err error, reply []byte) {
	sq := arg.(*Serviced)
	if err != nil && !sq.onTCP {
		sq.onTCP = true
		if _, terr := sq.net.SendTCP(sq.query, sq.key.Addr, ServicedTCPCallback, sq); terr == nil {
			return
		}
	}
	sq.net.finishServiced(sq, err, reply)
}

// ServicedTCPCallback handles the TCP fallback leg; arg is the *Serviced.
func ServicedTCPCallback(arg any, err error, reply []byte) {
	sq := arg.(*Serviced)
	sq.net.finishServiced(sq, err, reply)
}

func (n *Network) finishServiced(sq *Serviced, err error, reply []byte) {
	n.mu.Lock()
	n.serviced.Delete(sq)
	callers := sq.callers
	sq.callers = nil
	n.mu.Unlock()

	for _, c := range callers {
		fnwlist.Check(fnwlist.ServicedQuery, c.cb)
		c.cb(c.arg, err, reply)
	}
}

func (n *Network) dropServiced(sq *Serviced) {
	n.mu.Lock()
	n.serviced.Delete(sq)
	n.mu.Unlock()
}

// ServicedCount returns the number of open serviced queries.
func (n *Network) ServicedCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.serviced.Len()
}

// Close shuts the network down. In-flight UDP exchanges get ErrClosed.
func (n *Network) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	pending := n.pendingUDP
	n.pendingUDP = make(map[uint16]*Pending)
	for _, p := range pending {
		n.deliverLocked(p, ErrClosed, nil)
	}
	n.mu.Unlock()
	n.conn.Close()
	<-n.readDone
}
