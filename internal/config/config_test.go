package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/warden/internal/fnwlist"
)

func init() {
	fnwlist.Register(fnwlist.PrintFunc, appendLine)
}

func appendLine(line string, arg any) {
	lines := arg.(*[]string)
	*lines = append(*lines, line)
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "warden.hcl")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
server {
  listen_udp  = "127.0.0.1:5300"
  listen_tcp  = "127.0.0.1:5300"
  num_workers = 4
  timeout_ms  = 800
}

cache {
  max_mem     = 1048576
  ttl_seconds = 60
}

module "audit" {}

module "forward" {
  upstream = "127.0.0.1:5353"
}

control {
  url       = "http://127.0.0.1:4000"
  namespace = "/warden"
}

log {
  level  = "debug"
  format = "json"
}
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:5300", cfg.Server.ListenUDP)
	assert.Equal(t, 4, cfg.Server.NumWorkers)
	assert.Equal(t, uint64(1048576), cfg.Cache.MaxMem)
	assert.Equal(t, []string{"audit", "forward"}, cfg.ModuleNames())
	assert.Equal(t, "127.0.0.1:5353", cfg.Modules[1].Upstream)
	require.NotNil(t, cfg.Control)
	assert.Equal(t, "/warden", cfg.Control.Namespace)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
server {}
cache {}
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	def := Default()
	assert.Equal(t, def.Server.ListenUDP, cfg.Server.ListenUDP)
	assert.Equal(t, def.Server.NumWorkers, cfg.Server.NumWorkers)
	assert.Equal(t, def.Cache.MaxMem, cfg.Cache.MaxMem)
	assert.Equal(t, []string{"audit"}, cfg.ModuleNames())
}

func TestLoadFromDirectoryMergesFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "10-server.hcl"), []byte(`
server {
  num_workers = 2
}
cache {}
`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "20-modules.hcl"), []byte(`
module "audit" {}
module "forward" {
  upstream = "127.0.0.1:5353"
}
`), 0o644))

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Server.NumWorkers)
	assert.Equal(t, []string{"audit", "forward"}, cfg.ModuleNames())
}

func TestLoadResolvesEnvReferences(t *testing.T) {
	t.Setenv("WARDEN_TEST_LISTEN", "127.0.0.1:6400")
	path := writeConfig(t, `
server {
  listen_udp = env.WARDEN_TEST_LISTEN
}
cache {}
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:6400", cfg.Server.ListenUDP)
}

func TestLoadRejectsBadSyntax(t *testing.T) {
	path := writeConfig(t, `server { listen_udp = `)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidateRejectsDuplicateModules(t *testing.T) {
	path := writeConfig(t, `
server {}
cache {}
module "audit" {}
module "audit" {}
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate module")
}

func TestValidateRejectsControlWithoutURL(t *testing.T) {
	cfg := Default()
	cfg.Control = &Control{}
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsForwardWithoutUpstream(t *testing.T) {
	cfg := Default()
	cfg.Modules = append(cfg.Modules, Module{Name: "forward"})
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "needs an upstream")
}

func TestDump(t *testing.T) {
	cfg := Default()
	var lines []string
	cfg.Dump(appendLine, &lines)
	assert.Contains(t, lines, "server.num_workers: 1")
	assert.Contains(t, lines, "module.audit")
}
