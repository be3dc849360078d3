package module

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/warden/internal/fnwlist"
)

var calls []string

func testInit(env *Env, id int) error { calls = append(calls, "init"); return nil }
func testDeinit(env *Env, id int)     { calls = append(calls, "deinit") }
func testOperate(st *State, ev Event, id int, ob *Outbound) {
	calls = append(calls, "operate:"+ev.String())
	st.ExtStates[id] = StateFinished
}
func testInformSuper(st *State, id int, super *State) { calls = append(calls, "inform_super") }
func testClear(st *State, id int)                     { calls = append(calls, "clear") }
func testGetMem(env *Env, id int) uint64              { return 123 }

func testSendQuery(q QueryInfo, flags uint16, st *State) (*Outbound, error) {
	calls = append(calls, "send_query:"+q.Name)
	return &Outbound{ID: 7}, nil
}
func testDetachSubs(st *State) { calls = append(calls, "detach_subs") }
func testAttachSub(st *State, q QueryInfo, flags uint16) (*State, error) {
	calls = append(calls, "attach_sub")
	return &State{}, nil
}
func testKillSub(sub *State) { calls = append(calls, "kill_sub") }
func testDetectCycle(st *State, q QueryInfo, flags uint16) bool {
	calls = append(calls, "detect_cycle")
	return false
}

func init() {
	fnwlist.Register(fnwlist.ModInit, testInit)
	fnwlist.Register(fnwlist.ModDeinit, testDeinit)
	fnwlist.Register(fnwlist.ModOperate, testOperate)
	fnwlist.Register(fnwlist.ModInformSuper, testInformSuper)
	fnwlist.Register(fnwlist.ModClear, testClear)
	fnwlist.Register(fnwlist.ModGetMem, testGetMem)
	fnwlist.Register(fnwlist.EnvSendQuery, testSendQuery)
	fnwlist.Register(fnwlist.EnvDetachSubs, testDetachSubs)
	fnwlist.Register(fnwlist.EnvAttachSub, testAttachSub)
	fnwlist.Register(fnwlist.EnvKillSub, testKillSub)
	fnwlist.Register(fnwlist.EnvDetectCycle, testDetectCycle)
}

func testBlock() *FuncBlock {
	return &FuncBlock{
		Name:          "test",
		InitFn:        testInit,
		DeinitFn:      testDeinit,
		OperateFn:     testOperate,
		InformSuperFn: testInformSuper,
		ClearFn:       testClear,
		GetMemFn:      testGetMem,
	}
}

func TestFuncBlockVerifiedInvocation(t *testing.T) {
	calls = nil
	fb := testBlock()
	env := &Env{}
	st := &State{ExtStates: make([]ExtState, 1)}

	require.NoError(t, fb.Init(env, 0))
	fb.Operate(st, EventNew, 0, nil)
	assert.Equal(t, StateFinished, st.ExtStates[0])
	fb.InformSuper(st, 0, &State{})
	fb.Clear(st, 0)
	assert.Equal(t, uint64(123), fb.GetMem(env, 0))
	fb.Deinit(env, 0)

	assert.Equal(t, []string{"init", "operate:new", "inform_super", "clear", "deinit"}, calls)
}

func TestEnvVerifiedInvocation(t *testing.T) {
	calls = nil
	env := &Env{
		SendQueryFn:   testSendQuery,
		DetachSubsFn:  testDetachSubs,
		AttachSubFn:   testAttachSub,
		KillSubFn:     testKillSub,
		DetectCycleFn: testDetectCycle,
	}
	st := &State{Env: env}

	ob, err := env.SendQuery(QueryInfo{Name: "example."}, 0, st)
	require.NoError(t, err)
	assert.Equal(t, uint16(7), ob.ID)

	sub, err := env.AttachSub(st, QueryInfo{Name: "sub."}, 0)
	require.NoError(t, err)
	require.NotNil(t, sub)

	assert.False(t, env.DetectCycle(st, QueryInfo{Name: "sub."}, 0))
	env.KillSub(sub)
	env.DetachSubs(st)

	assert.Equal(t, []string{
		"send_query:example.", "attach_sub", "detect_cycle", "kill_sub", "detach_subs",
	}, calls)
}
