// Package config loads the daemon configuration from HCL files.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"

	"github.com/vk/warden/internal/diag"
	"github.com/vk/warden/internal/fnwlist"
	"github.com/vk/warden/internal/fsutil"
)

// Config is the resolved daemon configuration.
type Config struct {
	Server  Server    `hcl:"server,block"`
	Cache   Cache     `hcl:"cache,block"`
	Modules []Module  `hcl:"module,block"`
	Control *Control  `hcl:"control,block"`
	Log     *LogBlock `hcl:"log,block"`
}

// Server holds the listener settings.
type Server struct {
	ListenUDP  string `hcl:"listen_udp,optional"`
	ListenTCP  string `hcl:"listen_tcp,optional"`
	NumWorkers int    `hcl:"num_workers,optional"`
	TimeoutMS  int    `hcl:"timeout_ms,optional"`
}

// Cache holds the reply cache settings.
type Cache struct {
	MaxMem     uint64 `hcl:"max_mem,optional"`
	TTLSeconds int    `hcl:"ttl_seconds,optional"`
}

// Module names one pipeline module, in pipeline order.
type Module struct {
	Name     string `hcl:"name,label"`
	Upstream string `hcl:"upstream,optional"`
}

// Control holds the control channel settings.
type Control struct {
	URL       string `hcl:"url"`
	Namespace string `hcl:"namespace,optional"`
}

// LogBlock holds the logging settings.
type LogBlock struct {
	Level  string `hcl:"level,optional"`
	Format string `hcl:"format,optional"`
}

// Timeout returns the exchange timeout.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.Server.TimeoutMS) * time.Millisecond
}

// TTL returns the cache entry lifetime.
func (c *Config) TTL() time.Duration {
	return time.Duration(c.Cache.TTLSeconds) * time.Second
}

// Default returns the built-in configuration. The default pipeline is
// audit only; forward needs an upstream, which only a config file can
// provide, so the daemon starts without one.
func Default() *Config {
	return &Config{
		Server: Server{
			ListenUDP:  "127.0.0.1:1553",
			ListenTCP:  "127.0.0.1:1553",
			NumWorkers: 1,
			TimeoutMS:  1500,
		},
		Cache: Cache{
			MaxMem:     4 << 20,
			TTLSeconds: 300,
		},
		Modules: []Module{{Name: "audit"}},
	}
}

// Load parses the HCL file at path and fills in defaults. A directory path
// merges every .hcl file under it in name order. Expressions can reference
// process environment variables through the env object, as in
// listen_udp = env.WARDEN_LISTEN.
func Load(path string) (*Config, error) {
	paths := []string{path}
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		paths, err = fsutil.FindConfigFiles(path)
		if err != nil {
			return nil, err
		}
		if len(paths) == 0 {
			return nil, fmt.Errorf("config: no .hcl files under %s", path)
		}
	}

	parser := hclparse.NewParser()
	files := make([]*hcl.File, 0, len(paths))
	for _, p := range paths {
		file, diags := parser.ParseHCLFile(p)
		if diags.HasErrors() {
			return nil, fmt.Errorf("failed to parse config file %s: %w", p, diags)
		}
		files = append(files, file)
	}

	var cfg Config
	if diags := gohcl.DecodeBody(hcl.MergeFiles(files), evalContext(), &cfg); diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode config %s: %w", path, diags)
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// evalContext exposes the process environment to config expressions.
func evalContext() *hcl.EvalContext {
	vars := make(map[string]cty.Value)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			vars[k] = cty.StringVal(v)
		}
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{"env": cty.ObjectVal(vars)},
	}
}

func applyDefaults(cfg *Config) {
	def := Default()
	if cfg.Server.ListenUDP == "" {
		cfg.Server.ListenUDP = def.Server.ListenUDP
	}
	if cfg.Server.ListenTCP == "" {
		cfg.Server.ListenTCP = def.Server.ListenTCP
	}
	if cfg.Server.NumWorkers == 0 {
		cfg.Server.NumWorkers = def.Server.NumWorkers
	}
	if cfg.Server.TimeoutMS == 0 {
		cfg.Server.TimeoutMS = def.Server.TimeoutMS
	}
	if cfg.Cache.MaxMem == 0 {
		cfg.Cache.MaxMem = def.Cache.MaxMem
	}
	if cfg.Cache.TTLSeconds == 0 {
		cfg.Cache.TTLSeconds = def.Cache.TTLSeconds
	}
	if len(cfg.Modules) == 0 {
		cfg.Modules = def.Modules
	}
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	if c.Server.NumWorkers < 1 {
		return fmt.Errorf("config: num_workers must be at least 1, got %d", c.Server.NumWorkers)
	}
	if c.Server.TimeoutMS < 0 {
		return fmt.Errorf("config: timeout_ms may not be negative")
	}
	seen := make(map[string]bool)
	for _, m := range c.Modules {
		if m.Name == "" {
			return fmt.Errorf("config: module block needs a name label")
		}
		if seen[m.Name] {
			return fmt.Errorf("config: duplicate module %q", m.Name)
		}
		seen[m.Name] = true
		if m.Name == "forward" && m.Upstream == "" {
			return fmt.Errorf("config: module %q needs an upstream", m.Name)
		}
	}
	if c.Control != nil && c.Control.URL == "" {
		return fmt.Errorf("config: control block needs a url")
	}
	return nil
}

// Dump writes the configuration one setting per line through print. print
// must be whitelisted under fnwlist.PrintFunc.
func (c *Config) Dump(print diag.PrintFunc, arg any) {
	emit := func(line string) {
		fnwlist.Check(fnwlist.PrintFunc, print)
		print(line, arg)
	}
	emit(fmt.Sprintf("server.listen_udp: %s", c.Server.ListenUDP))
	emit(fmt.Sprintf("server.listen_tcp: %s", c.Server.ListenTCP))
	emit(fmt.Sprintf("server.num_workers: %d", c.Server.NumWorkers))
	emit(fmt.Sprintf("server.timeout_ms: %d", c.Server.TimeoutMS))
	emit(fmt.Sprintf("cache.max_mem: %d", c.Cache.MaxMem))
	emit(fmt.Sprintf("cache.ttl_seconds: %d", c.Cache.TTLSeconds))
	for _, m := range c.Modules {
		if m.Upstream != "" {
			emit(fmt.Sprintf("module.%s.upstream: %s", m.Name, m.Upstream))
		} else {
			emit(fmt.Sprintf("module.%s", m.Name))
		}
	}
	if c.Control != nil {
		emit(fmt.Sprintf("control.url: %s", c.Control.URL))
		if c.Control.Namespace != "" {
			emit(fmt.Sprintf("control.namespace: %s", c.Control.Namespace))
		}
	}
	if c.Log != nil {
		emit(fmt.Sprintf("log.level: %s", c.Log.Level))
		emit(fmt.Sprintf("log.format: %s", c.Log.Format))
	}
}

// ModuleNames returns the configured pipeline order.
func (c *Config) ModuleNames() []string {
	names := make([]string, len(c.Modules))
	for i, m := range c.Modules {
		names[i] = m.Name
	}
	return names
}
