package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/vk/warden/internal/config"
	"github.com/vk/warden/internal/ctxlog"
	"github.com/vk/warden/internal/fnwlist"
	"github.com/vk/warden/internal/module"
	"github.com/vk/warden/modules/audit"
	"github.com/vk/warden/modules/forward"
)

// Options holds everything the CLI hands to an App instance.
type Options struct {
	ConfigPath string
	LogFormat  string
	LogLevel   string
	Workers    int
	DumpConfig bool
}

// App encapsulates the daemon's dependencies, configuration, and lifecycle.
type App struct {
	outW   io.Writer
	logger *slog.Logger
	cfg    *config.Config
}

// moduleTable maps configured module names to their operation tables.
var moduleTable = map[string]func() *module.FuncBlock{
	"audit":   audit.FuncBlock,
	"forward": forward.FuncBlock,
}

// New is the constructor for the daemon. It loads the configuration,
// resolves the module pipeline, and seals the function whitelist; after New
// returns no callback identity can be added to the process.
func New(outW io.Writer, opts *Options) *App {
	cfg := config.Default()
	if opts.ConfigPath != "" {
		loaded, err := config.Load(opts.ConfigPath)
		if err != nil {
			// A failure to load config is a fatal startup error.
			panic(fmt.Errorf("failed to load configuration: %w", err))
		}
		cfg = loaded
	}
	if opts.Workers > 0 {
		cfg.Server.NumWorkers = opts.Workers
	}

	level, format := opts.LogLevel, opts.LogFormat
	if cfg.Log != nil {
		if cfg.Log.Level != "" {
			level = cfg.Log.Level
		}
		if cfg.Log.Format != "" {
			format = cfg.Log.Format
		}
	}
	logger := newLogger(level, format, outW)
	logger.Debug("Logger configured successfully.")

	for _, name := range cfg.ModuleNames() {
		if _, ok := moduleTable[name]; !ok {
			// A module name without a compiled-in implementation is a
			// mismatch between code and config, so we panic.
			panic(fmt.Errorf("unknown module %q in configuration", name))
		}
	}
	logger.Debug("Module pipeline resolved.", "modules", cfg.ModuleNames())

	// Every callback role must have at least one registered implementation
	// before the registry freezes.
	if err := fnwlist.Validate(); err != nil {
		panic(err)
	}
	fnwlist.Seal()
	logger.Debug("Function whitelist validated and sealed.")

	return &App{
		outW:   outW,
		logger: logger,
		cfg:    cfg,
	}
}

// Config returns the resolved configuration. This is primarily for testing.
func (a *App) Config() *config.Config {
	return a.cfg
}

// pipeline builds a fresh operation table list in configured order.
func (a *App) pipeline() []*module.FuncBlock {
	mods := make([]*module.FuncBlock, 0, len(a.cfg.Modules))
	for _, name := range a.cfg.ModuleNames() {
		mods = append(mods, moduleTable[name]())
	}
	return mods
}

// loggerContext returns a context carrying the app's logger.
func (a *App) loggerContext(ctx context.Context) context.Context {
	return ctxlog.WithLogger(ctx, a.logger)
}
