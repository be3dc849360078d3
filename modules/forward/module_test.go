package forward

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/warden/internal/config"
	"github.com/vk/warden/internal/fnwlist"
	"github.com/vk/warden/internal/mesh"
	"github.com/vk/warden/internal/module"
)

func init() {
	fnwlist.Register(fnwlist.EnvSendQuery, captureSendQuery)
	fnwlist.Register(fnwlist.MeshCallback, recordResult)
}

// sentQueries collects what the module sent upstream; reset per test.
var sentQueries []module.QueryInfo

func captureSendQuery(q module.QueryInfo, flags uint16, st *module.State) (*module.Outbound, error) {
	sentQueries = append(sentQueries, q)
	lastState = st
	return &module.Outbound{ID: uint16(len(sentQueries))}, nil
}

type meshResult struct {
	rcode int
	reply []byte
	fired bool
}

func recordResult(arg any, rcode int, reply []byte) {
	*(arg.(*meshResult)) = meshResult{rcode: rcode, reply: reply, fired: true}
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Modules = []config.Module{{Name: "forward", Upstream: "127.0.0.1:5353"}}
	return cfg
}

func newPipeline(t *testing.T) (*mesh.Mesh, *module.Env) {
	t.Helper()
	sentQueries = nil
	env := &module.Env{Cfg: testConfig(), SendQueryFn: captureSendQuery}
	m, err := mesh.New(context.Background(), env, []*module.FuncBlock{FuncBlock()})
	require.NoError(t, err)
	return m, env
}

func TestInitRequiresUpstream(t *testing.T) {
	cfg := config.Default()
	cfg.Modules = []config.Module{{Name: "forward"}}
	env := &module.Env{Cfg: cfg, SendQueryFn: captureSendQuery}
	_, err := mesh.New(context.Background(), env, []*module.FuncBlock{FuncBlock()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no upstream configured")
}

func TestQueryGoesUpstreamAndFinishesOnReply(t *testing.T) {
	m, env := newPipeline(t)

	var res meshResult
	q := module.QueryInfo{Name: "up.example.", Type: 1, Class: 1}
	m.NewClientQuery(q, 0, recordResult, &res)

	require.Len(t, sentQueries, 1)
	assert.Equal(t, "up.example.", sentQueries[0].Name)
	assert.False(t, res.fired)

	// The worker hands the upstream answer back through the mesh.
	st := findWaitingState(t, m, q)
	m.ReplyEvent(st, module.EventReply, &module.Outbound{ID: 1}, []byte("the-answer"))

	require.True(t, res.fired)
	assert.Equal(t, module.RcodeNoError, res.rcode)
	assert.Equal(t, []byte("the-answer"), res.reply)

	sent, answered, failed := Stats(env, 0)
	assert.Equal(t, uint64(1), sent)
	assert.Equal(t, uint64(1), answered)
	assert.Equal(t, uint64(0), failed)
}

func TestTimeoutFailsTheQuery(t *testing.T) {
	m, env := newPipeline(t)

	var res meshResult
	q := module.QueryInfo{Name: "slow.example.", Type: 1, Class: 1}
	m.NewClientQuery(q, 0, recordResult, &res)

	st := findWaitingState(t, m, q)
	m.ReplyEvent(st, module.EventNoReply, &module.Outbound{ID: 1}, nil)

	require.True(t, res.fired)
	assert.Equal(t, module.RcodeServFail, res.rcode)
	_, _, failed := Stats(env, 0)
	assert.Equal(t, uint64(1), failed)
}

func TestMismatchedOutboundKeepsWaiting(t *testing.T) {
	m, _ := newPipeline(t)

	var res meshResult
	q := module.QueryInfo{Name: "strict.example.", Type: 1, Class: 1}
	m.NewClientQuery(q, 0, recordResult, &res)

	st := findWaitingState(t, m, q)
	m.ReplyEvent(st, module.EventReply, &module.Outbound{ID: 99}, []byte("stray"))
	assert.False(t, res.fired)

	m.ReplyEvent(st, module.EventReply, &module.Outbound{ID: 1}, []byte("real"))
	require.True(t, res.fired)
	assert.Equal(t, []byte("real"), res.reply)
}

// findWaitingState digs the parked state out of the mesh via the send
// capture: SendQuery received the *module.State pointer.
func findWaitingState(t *testing.T, m *mesh.Mesh, q module.QueryInfo) *module.State {
	t.Helper()
	require.Equal(t, 1, m.NumStates())
	st := lastState
	require.NotNil(t, st)
	require.Equal(t, q.Name, st.QInfo.Name)
	return st
}

var lastState *module.State
