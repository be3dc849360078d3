// Package audit is the first pipeline module. It validates incoming
// questions, counts what passes through, and rejects queries the rest of
// the pipeline should never see.
package audit

import (
	"strings"

	"github.com/vk/warden/internal/diag"
	"github.com/vk/warden/internal/fnwlist"
	"github.com/vk/warden/internal/module"
)

const maxNameLen = 255

func init() {
	fnwlist.Register(fnwlist.ModInit, Init)
	fnwlist.Register(fnwlist.ModDeinit, Deinit)
	fnwlist.Register(fnwlist.ModOperate, Operate)
	fnwlist.Register(fnwlist.ModInformSuper, InformSuper)
	fnwlist.Register(fnwlist.ModClear, Clear)
	fnwlist.Register(fnwlist.ModGetMem, GetMem)
}

// FuncBlock returns the module's operation table.
func FuncBlock() *module.FuncBlock {
	return &module.FuncBlock{
		Name:          "audit",
		InitFn:        Init,
		DeinitFn:      Deinit,
		OperateFn:     Operate,
		InformSuperFn: InformSuper,
		ClearFn:       Clear,
		GetMemFn:      GetMem,
	}
}

// env is the module's per-pipeline state, stored in Env.ModInfo.
type env struct {
	seen     uint64
	rejected uint64
	sites    *diag.Collector
}

// Init implements module.InitFunc.
func Init(e *module.Env, id int) error {
	e.ModInfo[id] = &env{sites: diag.New()}
	return nil
}

// Deinit implements module.DeinitFunc.
func Deinit(e *module.Env, id int) {
	e.ModInfo[id] = nil
}

// Operate implements module.OperateFunc.
func Operate(st *module.State, ev module.Event, id int, ob *module.Outbound) {
	me := st.Env.ModInfo[id].(*env)
	switch ev {
	case module.EventNew, module.EventPass:
		me.seen++
		me.sites.Record()
		if !validName(st.QInfo.Name) {
			me.rejected++
			st.ReturnRcode = module.RcodeServFail
			st.ExtStates[id] = module.StateError
			return
		}
		st.ExtStates[id] = module.StateWaitModule
	case module.EventSubDone:
		// Subqueries come back to the module that attached them.
		st.ExtStates[id] = module.StateWaitModule
	default:
		st.ExtStates[id] = module.StateError
	}
}

// validName accepts absolute names of bounded length with no empty labels.
func validName(name string) bool {
	if name == "" || len(name) > maxNameLen {
		return false
	}
	if !strings.HasSuffix(name, ".") {
		return false
	}
	return !strings.Contains(name, "..")
}

// InformSuper implements module.InformSuperFunc.
func InformSuper(st *module.State, id int, super *module.State) {}

// Clear implements module.ClearFunc.
func Clear(st *module.State, id int) {
	st.Minfo[id] = nil
}

// GetMem implements module.GetMemFunc.
func GetMem(e *module.Env, id int) uint64 {
	me, ok := e.ModInfo[id].(*env)
	if !ok || me == nil {
		return 0
	}
	const counters = 16
	return counters + uint64(len(me.sites.Sites()))*48
}

// Stats reports the module's counters for the given environment.
func Stats(e *module.Env, id int) (seen, rejected uint64) {
	me := e.ModInfo[id].(*env)
	return me.seen, me.rejected
}
