// Package mesh tracks the set of queries currently being serviced and runs
// each of them through the module pipeline. States are shared: a second
// client asking the currently processed question joins the existing state.
// States reference each other (super/sub queries) and carry completion
// callbacks; every stored function the mesh touches is whitelist-verified at
// the point of use.
package mesh

import (
	"context"
	"fmt"

	"github.com/vk/warden/internal/ctxlog"
	"github.com/vk/warden/internal/fnwlist"
	"github.com/vk/warden/internal/module"
	"github.com/vk/warden/internal/rbtree"
)

// Callback delivers the final result of a mesh query to the client that
// asked for it. Implementations are registered under fnwlist.MeshCallback.
type Callback func(arg any, rcode int, reply []byte)

// stateKey orders mesh states in the tree.
type stateKey struct {
	name         string
	qtype, class uint16
	flags        uint16
}

// stateCompare is the tree comparator for mesh states.
func stateCompare(a, b any) int {
	x, y := a.(stateKey), b.(stateKey)
	if x.name != y.name {
		if x.name < y.name {
			return -1
		}
		return 1
	}
	if c := int(x.qtype) - int(y.qtype); c != 0 {
		return c
	}
	if c := int(x.class) - int(y.class); c != 0 {
		return c
	}
	return int(x.flags) - int(y.flags)
}

func init() {
	fnwlist.Register(fnwlist.TreeCmp, stateCompare)
	fnwlist.Register(fnwlist.EnvDetachSubs, DetachSubs)
	fnwlist.Register(fnwlist.EnvAttachSub, AttachSub)
	fnwlist.Register(fnwlist.EnvKillSub, KillSub)
	fnwlist.Register(fnwlist.EnvDetectCycle, DetectCycle)
}

// The environment operations are top-level functions so their identities are
// fixed at build time; each resolves its mesh through the state's env.

// DetachSubs implements module.DetachSubsFunc.
func DetachSubs(st *module.State) { meshOf(st).detachSubs(st) }

// AttachSub implements module.AttachSubFunc.
func AttachSub(st *module.State, q module.QueryInfo, flags uint16) (*module.State, error) {
	return meshOf(st).attachSub(st, q, flags)
}

// KillSub implements module.KillSubFunc.
func KillSub(sub *module.State) { meshOf(sub).killSub(sub) }

// DetectCycle implements module.DetectCycleFunc.
func DetectCycle(st *module.State, q module.QueryInfo, flags uint16) bool {
	return meshOf(st).detectCycle(st, q, flags)
}

func meshOf(st *module.State) *Mesh {
	return st.Env.Mesh.(*Mesh)
}

// state is the mesh bookkeeping around one module.State.
type state struct {
	qstate module.State
	key    stateKey
	super  map[*state]struct{}
	sub    map[*state]struct{}
	cbs    []cbEntry
	done   bool
}

type cbEntry struct {
	fn  Callback
	arg any
}

// Mesh runs queries through the module pipeline. It is owned by a single
// worker and is not safe for concurrent use.
type Mesh struct {
	ctx     context.Context
	env     *module.Env
	mods    []*module.FuncBlock
	states  *rbtree.Tree
	replies uint64
	dropped uint64

	// queue holds states waiting for pipeline time; running guards against
	// reentrant draining when a module attaches subqueries mid-operate.
	queue   []runItem
	running bool
}

type runItem struct {
	s  *state
	ev module.Event
	ob *module.Outbound
}

// New creates a mesh over the given module pipeline and initializes every
// module. The environment's mesh-facing operations are pointed at this mesh.
func New(ctx context.Context, env *module.Env, mods []*module.FuncBlock) (*Mesh, error) {
	if len(mods) == 0 {
		return nil, fmt.Errorf("mesh: no modules configured")
	}
	m := &Mesh{
		ctx:    ctx,
		env:    env,
		mods:   mods,
		states: rbtree.New(stateCompare),
	}
	env.Mesh = m
	if env.ModInfo == nil {
		env.ModInfo = make([]any, len(mods))
	}
	env.DetachSubsFn = DetachSubs
	env.AttachSubFn = AttachSub
	env.KillSubFn = KillSub
	env.DetectCycleFn = DetectCycle
	for id, fb := range mods {
		if err := fb.Init(env, id); err != nil {
			return nil, fmt.Errorf("mesh: init module %s: %w", fb.Name, err)
		}
	}
	return m, nil
}

// Deinit tears the module pipeline down.
func (m *Mesh) Deinit() {
	for id, fb := range m.mods {
		fb.Deinit(m.env, id)
	}
}

// NumStates returns the number of states currently in the mesh.
func (m *Mesh) NumStates() int { return m.states.Len() }

// RepliesSent returns the number of completed queries.
func (m *Mesh) RepliesSent() uint64 { return m.replies }

// GetMem sums the modules' memory accounting.
func (m *Mesh) GetMem() uint64 {
	var total uint64
	for id, fb := range m.mods {
		total += fb.GetMem(m.env, id)
	}
	return total
}

// NewClientQuery submits a query on behalf of a client. If an identical
// query is already in flight the callback joins the existing state;
// otherwise a new state starts through the pipeline. The callback fires
// exactly once, when the state finishes.
func (m *Mesh) NewClientQuery(q module.QueryInfo, flags uint16, cb Callback, arg any) {
	key := stateKey{name: q.Name, qtype: q.Type, class: q.Class, flags: flags}
	if v, ok := m.states.Search(key); ok {
		s := v.(*state)
		s.cbs = append(s.cbs, cbEntry{fn: cb, arg: arg})
		return
	}
	s := m.newState(key, q, flags)
	s.cbs = append(s.cbs, cbEntry{fn: cb, arg: arg})
	m.runState(s, module.EventNew, nil)
}

// ReplyEvent continues a waiting state after an outgoing query produced a
// reply (or timed out, with ev EventNoReply).
func (m *Mesh) ReplyEvent(st *module.State, ev module.Event, ob *module.Outbound, reply []byte) {
	s, ok := st.MeshInfo.(*state)
	if !ok || s.done {
		m.dropped++
		return
	}
	st.Reply = reply
	m.runState(s, ev, ob)
}

func (m *Mesh) newState(key stateKey, q module.QueryInfo, flags uint16) *state {
	s := &state{
		key:   key,
		super: make(map[*state]struct{}),
		sub:   make(map[*state]struct{}),
	}
	s.qstate = module.State{
		QInfo:     q,
		Flags:     flags,
		Env:       m.env,
		ExtStates: make([]module.ExtState, len(m.mods)),
		Minfo:     make([]any, len(m.mods)),
	}
	s.qstate.MeshInfo = s
	m.states.Insert(key, s)
	return s
}

// runState queues a state for pipeline time and drains the queue unless a
// drain is already in progress higher up the stack. Modules that create
// subqueries while operating therefore see them run after the current
// operate call returns, never inside it.
func (m *Mesh) runState(s *state, ev module.Event, ob *module.Outbound) {
	m.queue = append(m.queue, runItem{s: s, ev: ev, ob: ob})
	if m.running {
		return
	}
	m.running = true
	defer func() { m.running = false }()
	for len(m.queue) > 0 {
		it := m.queue[0]
		m.queue = m.queue[1:]
		if it.s.done {
			m.dropped++
			continue
		}
		m.drive(it.s, it.ev, it.ob)
	}
}

// drive runs one state through the pipeline until it finishes or blocks
// waiting for an external event.
func (m *Mesh) drive(s *state, ev module.Event, ob *module.Outbound) {
	logger := ctxlog.FromContext(m.ctx)
	st := &s.qstate
	for {
		fb := m.mods[st.CurMod]
		fb.Operate(st, ev, st.CurMod, ob)
		switch st.ExtStates[st.CurMod] {
		case module.StateWaitModule:
			if st.CurMod+1 >= len(m.mods) {
				logger.Error("Last module passed the query on, failing it.",
					"module", fb.Name, "query", st.QInfo.Name)
				st.ReturnRcode = module.RcodeServFail
				m.finishState(s)
				return
			}
			st.CurMod++
			ev = module.EventPass
			ob = nil
		case module.StateFinished:
			m.finishState(s)
			return
		case module.StateError:
			st.ReturnRcode = module.RcodeServFail
			m.finishState(s)
			return
		default:
			// Waiting for a reply or a subquery; the state stays parked.
			return
		}
	}
}

// finishState delivers callbacks, informs supers, and removes the state.
func (m *Mesh) finishState(s *state) {
	if s.done {
		return
	}
	s.done = true
	st := &s.qstate

	for _, cb := range s.cbs {
		fnwlist.Check(fnwlist.MeshCallback, cb.fn)
		cb.fn(cb.arg, st.ReturnRcode, st.Reply)
	}
	m.replies++

	// Tell every super the sub they waited on is done, then let them run.
	for sup := range s.super {
		delete(sup.sub, s)
		for id, fb := range m.mods {
			fb.InformSuper(st, id, &sup.qstate)
		}
		m.runState(sup, module.EventSubDone, nil)
	}

	for id, fb := range m.mods {
		fb.Clear(st, id)
	}
	m.detachSubs(st)
	m.states.Delete(s.key)
}

// attachSub links a subquery under st, creating it if needed. The new or
// found sub starts running; when it finishes the super gets EventSubDone.
func (m *Mesh) attachSub(st *module.State, q module.QueryInfo, flags uint16) (*module.State, error) {
	sup := st.MeshInfo.(*state)
	if m.detectCycle(st, q, flags) {
		return nil, fmt.Errorf("mesh: attach of %s would create a dependency cycle", q.Name)
	}
	key := stateKey{name: q.Name, qtype: q.Type, class: q.Class, flags: flags}
	var sub *state
	created := false
	if v, ok := m.states.Search(key); ok {
		sub = v.(*state)
	} else {
		sub = m.newState(key, q, flags)
		created = true
	}
	sub.super[sup] = struct{}{}
	sup.sub[sub] = struct{}{}
	if created {
		m.runState(sub, module.EventNew, nil)
	}
	return &sub.qstate, nil
}

// detachSubs drops st's interest in all of its subqueries. Subs with no
// remaining supers and no client callbacks are killed.
func (m *Mesh) detachSubs(st *module.State) {
	s := st.MeshInfo.(*state)
	for sub := range s.sub {
		delete(sub.super, s)
		delete(s.sub, sub)
		if len(sub.super) == 0 && len(sub.cbs) == 0 {
			m.killSub(&sub.qstate)
		}
	}
}

// killSub discards a subquery state without delivering results.
func (m *Mesh) killSub(subState *module.State) {
	sub := subState.MeshInfo.(*state)
	if sub.done {
		return
	}
	sub.done = true
	m.dropped++
	for id, fb := range m.mods {
		fb.Clear(&sub.qstate, id)
	}
	m.detachSubs(&sub.qstate)
	m.states.Delete(sub.key)
}

// detectCycle reports whether making q a dependency of st would loop: it
// walks the super graph upward from st looking for a state with q's key.
func (m *Mesh) detectCycle(st *module.State, q module.QueryInfo, flags uint16) bool {
	target := stateKey{name: q.Name, qtype: q.Type, class: q.Class, flags: flags}
	start := st.MeshInfo.(*state)
	seen := map[*state]struct{}{}
	stack := []*state{start}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := seen[cur]; ok {
			continue
		}
		seen[cur] = struct{}{}
		if stateCompare(cur.key, target) == 0 {
			return true
		}
		for sup := range cur.super {
			stack = append(stack, sup)
		}
	}
	return false
}
