// Package netevent is the kernel's event layer: UDP and TCP communication
// points, one-shot timers and signal points, all funneled into a single
// dispatch loop per worker. Every source stores the function to run when it
// fires; the dispatch loop verifies each stored function against the
// whitelist immediately before invoking it, both for the layer's own
// readiness handlers and for the callbacks the owner installed.
package netevent

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/vk/warden/internal/ctxlog"
	"github.com/vk/warden/internal/fnwlist"
)

// Callback handles one complete inbound message on a communication point.
// It returns the reply to send back, or nil for no reply. Implementations
// are registered under fnwlist.CommPoint.
type Callback func(c *CommPoint, arg any, msg []byte, rep *Reply) []byte

// RawFunc is notified of a new raw TCP connection before any framing.
// Implementations are registered under fnwlist.CommPointRaw.
type RawFunc func(c *CommPoint, arg any, conn net.Conn)

// TimerFunc handles a timer expiry. Registered under fnwlist.CommTimer.
type TimerFunc func(arg any)

// SignalFunc handles a delivered signal. Registered under fnwlist.CommSignal.
type SignalFunc func(sig os.Signal, arg any)

// EventFunc is an internal readiness handler of the dispatch loop itself.
// Registered under fnwlist.Event.
type EventFunc func(arg any)

// Reply describes where a message came from and how to answer it.
type Reply struct {
	Addr net.Addr
	Conn net.Conn
}

// maxMsgSize is the largest message the 2-byte length prefix can frame.
const maxMsgSize = 0xffff

// queued is one readiness event waiting for the dispatch loop.
type queued struct {
	fn  EventFunc
	arg any
}

// Base is the per-worker event loop. Sources post readiness events from
// their own goroutines; Dispatch drains them one at a time.
type Base struct {
	ctx    context.Context
	cancel context.CancelFunc
	ch     chan queued
	wg     sync.WaitGroup
}

// The layer's own readiness handlers are whitelisted like any other stored
// function: the queued entries sit on the heap between post and dispatch.
func init() {
	fnwlist.Register(fnwlist.Event,
		udpEvent, tcpAcceptEvent, tcpMessageEvent, timerEvent, signalEvent)
}

// NewBase creates an event loop bound to ctx.
func NewBase(ctx context.Context) *Base {
	ctx, cancel := context.WithCancel(ctx)
	return &Base{ctx: ctx, cancel: cancel, ch: make(chan queued, 256)}
}

// Dispatch runs the event loop until Stop is called or the context ends.
func (b *Base) Dispatch() {
	logger := ctxlog.FromContext(b.ctx)
	logger.Debug("Event dispatch loop started.")
	for {
		select {
		case <-b.ctx.Done():
			logger.Debug("Event dispatch loop stopping.", "reason", b.ctx.Err())
			return
		case q := <-b.ch:
			fnwlist.Check(fnwlist.Event, q.fn)
			q.fn(q.arg)
		}
	}
}

// Stop ends the dispatch loop and waits for source goroutines to finish.
func (b *Base) Stop() {
	b.cancel()
	b.wg.Wait()
}

func (b *Base) post(fn EventFunc, arg any) {
	select {
	case b.ch <- queued{fn: fn, arg: arg}:
	case <-b.ctx.Done():
	}
}

// Post hands fn to the dispatch loop from another goroutine. fn must be
// registered under fnwlist.Event; the loop verifies it before running it.
func (b *Base) Post(fn EventFunc, arg any) {
	b.post(fn, arg)
}

// --- communication points ---

// CommPoint is one inbound communication endpoint.
type CommPoint struct {
	base *Base
	pc   net.PacketConn // UDP
	ln   net.Listener   // TCP accept
	cb   Callback
	raw  RawFunc
	arg  any
}

// NewUDP creates a UDP communication point delivering datagrams to cb.
func NewUDP(b *Base, pc net.PacketConn, cb Callback, arg any) *CommPoint {
	cp := &CommPoint{base: b, pc: pc, cb: cb, arg: arg}
	b.wg.Add(1)
	go cp.readUDP()
	return cp
}

// NewTCPAccept creates a TCP accept point. raw (optional) sees each new
// connection; cb receives each length-prefixed message read from it.
func NewTCPAccept(b *Base, ln net.Listener, raw RawFunc, cb Callback, arg any) *CommPoint {
	cp := &CommPoint{base: b, ln: ln, cb: cb, raw: raw, arg: arg}
	b.wg.Add(1)
	go cp.acceptTCP()
	return cp
}

// Close shuts the underlying socket; the reader goroutines drain out.
func (cp *CommPoint) Close() error {
	if cp.pc != nil {
		return cp.pc.Close()
	}
	if cp.ln != nil {
		return cp.ln.Close()
	}
	return nil
}

// LocalAddr returns the bound address of the underlying socket.
func (cp *CommPoint) LocalAddr() string {
	if cp.pc != nil {
		return cp.pc.LocalAddr().String()
	}
	if cp.ln != nil {
		return cp.ln.Addr().String()
	}
	return ""
}

// SendReply answers rep out of band, after the callback that received the
// message already returned nil. TCP replies carry the usual length prefix.
func (cp *CommPoint) SendReply(rep *Reply, msg []byte) error {
	if rep.Conn != nil {
		if len(msg) > maxMsgSize {
			return fmt.Errorf("netevent: reply of %d bytes exceeds frame limit", len(msg))
		}
		var lenb [2]byte
		binary.BigEndian.PutUint16(lenb[:], uint16(len(msg)))
		_, err := rep.Conn.Write(append(lenb[:], msg...))
		return err
	}
	if cp.pc == nil {
		return fmt.Errorf("netevent: no socket to reply on")
	}
	_, err := cp.pc.WriteTo(msg, rep.Addr)
	return err
}

type udpReady struct {
	cp   *CommPoint
	msg  []byte
	addr net.Addr
}

func (cp *CommPoint) readUDP() {
	defer cp.base.wg.Done()
	logger := ctxlog.FromContext(cp.base.ctx)
	buf := make([]byte, 64*1024)
	for {
		n, addr, err := cp.pc.ReadFrom(buf)
		if err != nil {
			if cp.base.ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				logger.Error("UDP read failed.", "error", err)
			}
			return
		}
		msg := make([]byte, n)
		copy(msg, buf[:n])
		cp.base.post(udpEvent, &udpReady{cp: cp, msg: msg, addr: addr})
	}
}

func udpEvent(arg any) {
	r := arg.(*udpReady)
	cp := r.cp
	fnwlist.Check(fnwlist.CommPoint, cp.cb)
	if reply := cp.cb(cp, cp.arg, r.msg, &Reply{Addr: r.addr}); reply != nil {
		if _, err := cp.pc.WriteTo(reply, r.addr); err != nil {
			ctxlog.FromContext(cp.base.ctx).Error("UDP reply failed.", "error", err)
		}
	}
}

type tcpReady struct {
	cp   *CommPoint
	conn net.Conn
	msg  []byte
}

func (cp *CommPoint) acceptTCP() {
	defer cp.base.wg.Done()
	logger := ctxlog.FromContext(cp.base.ctx)
	for {
		conn, err := cp.ln.Accept()
		if err != nil {
			if cp.base.ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				logger.Error("TCP accept failed.", "error", err)
			}
			return
		}
		cp.base.post(tcpAcceptEvent, &tcpReady{cp: cp, conn: conn})
	}
}

func tcpAcceptEvent(arg any) {
	r := arg.(*tcpReady)
	cp := r.cp
	if cp.raw != nil {
		fnwlist.Check(fnwlist.CommPointRaw, cp.raw)
		cp.raw(cp, cp.arg, r.conn)
	}
	cp.base.wg.Add(1)
	go cp.readTCP(r.conn)
}

// readTCP reads two-byte length-prefixed messages from one connection.
func (cp *CommPoint) readTCP(conn net.Conn) {
	defer cp.base.wg.Done()
	defer conn.Close()
	logger := ctxlog.FromContext(cp.base.ctx)
	for {
		var lenb [2]byte
		if _, err := io.ReadFull(conn, lenb[:]); err != nil {
			if err != io.EOF && cp.base.ctx.Err() == nil {
				logger.Debug("TCP read ended.", "error", err)
			}
			return
		}
		msg := make([]byte, binary.BigEndian.Uint16(lenb[:]))
		if _, err := io.ReadFull(conn, msg); err != nil {
			logger.Debug("TCP read ended mid message.", "error", err)
			return
		}
		done := make(chan struct{})
		cp.base.post(tcpMessageEvent, &tcpMessage{tcpReady{cp: cp, conn: conn, msg: msg}, done})
		// One message at a time per connection, in arrival order.
		select {
		case <-done:
		case <-cp.base.ctx.Done():
			return
		}
	}
}

type tcpMessage struct {
	tcpReady
	done chan struct{}
}

func tcpMessageEvent(arg any) {
	r := arg.(*tcpMessage)
	defer close(r.done)
	cp := r.cp
	fnwlist.Check(fnwlist.CommPoint, cp.cb)
	if reply := cp.cb(cp, cp.arg, r.msg, &Reply{Addr: r.conn.RemoteAddr(), Conn: r.conn}); reply != nil {
		if len(reply) > maxMsgSize {
			ctxlog.FromContext(cp.base.ctx).Error("TCP reply exceeds frame limit, dropped.", "size", len(reply))
			return
		}
		var lenb [2]byte
		binary.BigEndian.PutUint16(lenb[:], uint16(len(reply)))
		if _, err := r.conn.Write(append(lenb[:], reply...)); err != nil {
			ctxlog.FromContext(cp.base.ctx).Debug("TCP reply failed.", "error", err)
		}
	}
}

// --- timers ---

// Timer runs its stored function once per Set.
type Timer struct {
	base *Base
	fn   TimerFunc
	arg  any
	mu   sync.Mutex
	t    *time.Timer
}

// NewTimer creates an unarmed timer.
func NewTimer(b *Base, fn TimerFunc, arg any) *Timer {
	return &Timer{base: b, fn: fn, arg: arg}
}

// Set arms (or re-arms) the timer to fire after d.
func (t *Timer) Set(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.t != nil {
		t.t.Stop()
	}
	t.t = time.AfterFunc(d, func() {
		t.base.post(timerEvent, t)
	})
}

// Unset disarms the timer if armed.
func (t *Timer) Unset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.t != nil {
		t.t.Stop()
		t.t = nil
	}
}

func timerEvent(arg any) {
	t := arg.(*Timer)
	fnwlist.Check(fnwlist.CommTimer, t.fn)
	t.fn(t.arg)
}

// --- signals ---

// SignalPoint delivers OS signals to its stored function.
type SignalPoint struct {
	base *Base
	fn   SignalFunc
	arg  any
}

// NewSignal subscribes to sigs and delivers each through the dispatch loop.
func NewSignal(b *Base, fn SignalFunc, arg any, sigs ...os.Signal) *SignalPoint {
	sp := &SignalPoint{base: b, fn: fn, arg: arg}
	ch := make(chan os.Signal, 4)
	signal.Notify(ch, sigs...)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer signal.Stop(ch)
		for {
			select {
			case <-b.ctx.Done():
				return
			case sig := <-ch:
				b.post(signalEvent, &signalReady{sp: sp, sig: sig})
			}
		}
	}()
	return sp
}

type signalReady struct {
	sp  *SignalPoint
	sig os.Signal
}

func signalEvent(arg any) {
	r := arg.(*signalReady)
	fnwlist.Check(fnwlist.CommSignal, r.sp.fn)
	r.sp.fn(r.sig, r.sp.arg)
}
