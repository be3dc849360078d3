// Package module defines the pipeline module contract: a block of function
// values for the module's lifecycle operations, and the environment of
// kernel operations a module may call back into. Both directions are stored
// function values, so both directions go through whitelist-verified
// invocation wrappers rather than bare calls.
package module

import (
	"github.com/vk/warden/internal/fnwlist"
)

// Event tells a module why it is being operated.
type Event int

const (
	// EventNew starts processing of a new query.
	EventNew Event = iota
	// EventPass passes the query from the previous module.
	EventPass
	// EventReply delivers a reply to an outstanding outgoing query.
	EventReply
	// EventNoReply reports that an outgoing query timed out.
	EventNoReply
	// EventSubDone reports that a subquery finished.
	EventSubDone
	// EventError aborts processing.
	EventError
)

var eventNames = map[Event]string{
	EventNew:     "new",
	EventPass:    "pass",
	EventReply:   "reply",
	EventNoReply: "no_reply",
	EventSubDone: "sub_done",
	EventError:   "error",
}

func (e Event) String() string { return eventNames[e] }

// ExtState is a module's externally visible state for one query.
type ExtState int

const (
	// StateInitial means the module has not run for this query yet.
	StateInitial ExtState = iota
	// StateWaitReply means the module waits for an outgoing query reply.
	StateWaitReply
	// StateWaitSubquery means the module waits for a subquery to finish.
	StateWaitSubquery
	// StateWaitModule means the module handed the query to the next module.
	StateWaitModule
	// StateFinished means the module is done with this query.
	StateFinished
	// StateError means the module failed this query.
	StateError
)

var extStateNames = map[ExtState]string{
	StateInitial:      "initial",
	StateWaitReply:    "wait_reply",
	StateWaitSubquery: "wait_subquery",
	StateWaitModule:   "wait_module",
	StateFinished:     "finished",
	StateError:        "error",
}

func (s ExtState) String() string { return extStateNames[s] }

// QueryInfo identifies a query.
type QueryInfo struct {
	Name  string
	Type  uint16
	Class uint16
}

// Outbound is one outstanding outgoing query created for a module.
type Outbound struct {
	ID uint16
}

// State is the per-query state threaded through the module pipeline.
type State struct {
	QInfo     QueryInfo
	Flags     uint16
	Env       *Env
	CurMod    int
	ExtStates []ExtState
	// Minfo holds one opaque per-module state blob per module.
	Minfo []any
	// Reply and ReturnRcode are the pipeline's result.
	Reply       []byte
	ReturnRcode int
	// MeshInfo points back to the mesh bookkeeping for this state. Opaque
	// here; the mesh owns it.
	MeshInfo any
}

// Rcodes for ReturnRcode.
const (
	RcodeNoError  = 0
	RcodeServFail = 2
)

// Kernel operation signatures exposed to modules. Implementations are
// registered under the matching fnwlist category.
type (
	SendQueryFunc   func(q QueryInfo, flags uint16, st *State) (*Outbound, error)
	DetachSubsFunc  func(st *State)
	AttachSubFunc   func(st *State, q QueryInfo, flags uint16) (*State, error)
	KillSubFunc     func(sub *State)
	DetectCycleFunc func(st *State, q QueryInfo, flags uint16) bool
)

// Env is the kernel environment handed to modules. The function fields are
// filled in by the worker at startup and never change afterwards; modules
// call them only through the verified wrappers below.
type Env struct {
	SendQueryFn   SendQueryFunc
	DetachSubsFn  DetachSubsFunc
	AttachSubFn   AttachSubFunc
	KillSubFn     KillSubFunc
	DetectCycleFn DetectCycleFunc
	// Mesh and Worker are the owning mesh and worker, opaque to modules.
	Mesh   any
	Worker any
	// Cfg is the daemon configuration, opaque here to keep this package at
	// the bottom of the import graph.
	Cfg any
	// ModInfo holds one environment blob per module, owned by each
	// module's Init.
	ModInfo []any
}

// SendQuery verifies and runs the environment's send-query operation.
func (e *Env) SendQuery(q QueryInfo, flags uint16, st *State) (*Outbound, error) {
	fnwlist.Check(fnwlist.EnvSendQuery, e.SendQueryFn)
	return e.SendQueryFn(q, flags, st)
}

// DetachSubs verifies and runs the environment's detach-subqueries operation.
func (e *Env) DetachSubs(st *State) {
	fnwlist.Check(fnwlist.EnvDetachSubs, e.DetachSubsFn)
	e.DetachSubsFn(st)
}

// AttachSub verifies and runs the environment's attach-subquery operation.
func (e *Env) AttachSub(st *State, q QueryInfo, flags uint16) (*State, error) {
	fnwlist.Check(fnwlist.EnvAttachSub, e.AttachSubFn)
	return e.AttachSubFn(st, q, flags)
}

// KillSub verifies and runs the environment's kill-subquery operation.
func (e *Env) KillSub(sub *State) {
	fnwlist.Check(fnwlist.EnvKillSub, e.KillSubFn)
	e.KillSubFn(sub)
}

// DetectCycle verifies and runs the environment's cycle probe.
func (e *Env) DetectCycle(st *State, q QueryInfo, flags uint16) bool {
	fnwlist.Check(fnwlist.EnvDetectCycle, e.DetectCycleFn)
	return e.DetectCycleFn(st, q, flags)
}

// Module operation signatures. Implementations are registered under the
// matching fnwlist category by the module packages themselves.
type (
	InitFunc        func(env *Env, id int) error
	DeinitFunc      func(env *Env, id int)
	OperateFunc     func(st *State, ev Event, id int, ob *Outbound)
	InformSuperFunc func(st *State, id int, super *State)
	ClearFunc       func(st *State, id int)
	GetMemFunc      func(env *Env, id int) uint64
)

// FuncBlock is a pipeline module: a name and its lifecycle operations as
// stored function values.
type FuncBlock struct {
	Name          string
	InitFn        InitFunc
	DeinitFn      DeinitFunc
	OperateFn     OperateFunc
	InformSuperFn InformSuperFunc
	ClearFn       ClearFunc
	GetMemFn      GetMemFunc
}

// Init verifies and runs the module's init operation.
func (fb *FuncBlock) Init(env *Env, id int) error {
	fnwlist.Check(fnwlist.ModInit, fb.InitFn)
	return fb.InitFn(env, id)
}

// Deinit verifies and runs the module's deinit operation.
func (fb *FuncBlock) Deinit(env *Env, id int) {
	fnwlist.Check(fnwlist.ModDeinit, fb.DeinitFn)
	fb.DeinitFn(env, id)
}

// Operate verifies and runs the module's operate operation.
func (fb *FuncBlock) Operate(st *State, ev Event, id int, ob *Outbound) {
	fnwlist.Check(fnwlist.ModOperate, fb.OperateFn)
	fb.OperateFn(st, ev, id, ob)
}

// InformSuper verifies and runs the module's inform-super operation.
func (fb *FuncBlock) InformSuper(st *State, id int, super *State) {
	fnwlist.Check(fnwlist.ModInformSuper, fb.InformSuperFn)
	fb.InformSuperFn(st, id, super)
}

// Clear verifies and runs the module's per-query clear operation.
func (fb *FuncBlock) Clear(st *State, id int) {
	fnwlist.Check(fnwlist.ModClear, fb.ClearFn)
	fb.ClearFn(st, id)
}

// GetMem verifies and runs the module's memory accounting operation.
func (fb *FuncBlock) GetMem(env *Env, id int) uint64 {
	fnwlist.Check(fnwlist.ModGetMem, fb.GetMemFn)
	return fb.GetMemFn(env, id)
}
