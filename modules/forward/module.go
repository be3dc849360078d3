// Package forward is the resolving pipeline module. It sends each query
// upstream through the environment's send-query operation and finishes the
// state when the reply comes back.
package forward

import (
	"fmt"

	"github.com/vk/warden/internal/config"
	"github.com/vk/warden/internal/fnwlist"
	"github.com/vk/warden/internal/module"
)

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
		Name:          "forward",
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
	upstream string
	sent     uint64
	answered uint64
	failed   uint64
}

// qstate is the per-query state, stored in State.Minfo.
type qstate struct {
	ob *module.Outbound
}

// Init implements module.InitFunc. The upstream address comes from the
// module's config block.
func Init(e *module.Env, id int) error {
	me := &env{}
	if cfg, ok := e.Cfg.(*config.Config); ok && cfg != nil {
		for _, m := range cfg.Modules {
			if m.Name == "forward" {
				me.upstream = m.Upstream
			}
		}
	}
	if me.upstream == "" {
		return fmt.Errorf("forward: no upstream configured")
	}
	e.ModInfo[id] = me
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
		out, err := st.Env.SendQuery(st.QInfo, st.Flags, st)
		if err != nil {
			me.failed++
			st.ReturnRcode = module.RcodeServFail
			st.ExtStates[id] = module.StateError
			return
		}
		me.sent++
		st.Minfo[id] = &qstate{ob: out}
		st.ExtStates[id] = module.StateWaitReply
	case module.EventReply:
		qs, _ := st.Minfo[id].(*qstate)
		if qs == nil || (ob != nil && qs.ob != nil && ob.ID != qs.ob.ID) {
			// A reply for an exchange this state no longer waits on.
			st.ExtStates[id] = module.StateWaitReply
			return
		}
		me.answered++
		st.ReturnRcode = module.RcodeNoError
		st.ExtStates[id] = module.StateFinished
	case module.EventNoReply:
		me.failed++
		st.ReturnRcode = module.RcodeServFail
		st.ExtStates[id] = module.StateError
	case module.EventSubDone:
		st.ExtStates[id] = module.StateFinished
	default:
		st.ExtStates[id] = module.StateError
	}
}

// InformSuper implements module.InformSuperFunc. The finished sub's reply
// is handed to the super for its own continuation.
func InformSuper(st *module.State, id int, super *module.State) {
	if st.Reply != nil && super.Reply == nil {
		super.Reply = st.Reply
	}
}

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
	return uint64(len(me.upstream)) + 24
}

// Stats reports the module's counters for the given environment.
func Stats(e *module.Env, id int) (sent, answered, failed uint64) {
	me := e.ModInfo[id].(*env)
	return me.sent, me.answered, me.failed
}
