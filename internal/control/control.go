// Package control bridges a remote control hub to the worker's command
// tube. The daemon connects out to the hub as a socket.io client, forwards
// "command" events into the tube, and emits report lines back.
package control

import (
	"context"
	"fmt"
	"net/url"
	"sync/atomic"

	"github.com/zishang520/engine.io-client-go/transports"
	"github.com/zishang520/engine.io/v2/types"
	"github.com/zishang520/socket.io-client-go/socket"

	"github.com/vk/warden/internal/config"
	"github.com/vk/warden/internal/ctxlog"
	"github.com/vk/warden/internal/fnwlist"
	"github.com/vk/warden/internal/tube"
)

func init() {
	fnwlist.Register(fnwlist.PrintFunc, EmitLine)
}

// Client is one connection to the control hub.
type Client struct {
	ctx       context.Context
	cfg       *config.Config
	cmds      *tube.Tube
	io        *socket.Socket
	manager   *socket.Manager
	connected atomic.Bool
}

// New creates a control client for cfg.Control. The returned client does
// not connect until Run.
func New(ctx context.Context, cfg *config.Config, cmds *tube.Tube) (*Client, error) {
	if cfg.Control == nil {
		return nil, fmt.Errorf("control: no control block configured")
	}
	if _, err := url.Parse(cfg.Control.URL); err != nil {
		return nil, fmt.Errorf("control: parse url %s: %w", cfg.Control.URL, err)
	}
	return &Client{ctx: ctx, cfg: cfg, cmds: cmds}, nil
}

// Run connects to the hub and forwards commands until the context ends.
func (c *Client) Run() error {
	logger := ctxlog.FromContext(c.ctx).With("component", "control", "url", c.cfg.Control.URL)

	parsed, err := url.Parse(c.cfg.Control.URL)
	if err != nil {
		return fmt.Errorf("control: parse url: %w", err)
	}
	baseURL := fmt.Sprintf("%s://%s", parsed.Scheme, parsed.Host)

	opts := socket.DefaultOptions()
	opts.SetTransports(types.NewSet(transports.WebSocket))

	namespace := c.cfg.Control.Namespace
	if namespace == "" {
		namespace = "/"
	}
	c.manager = socket.NewManager(baseURL, opts)
	c.io = c.manager.Socket(namespace, opts)
	defer c.io.Disconnect()

	c.io.On(types.EventName("connect"), func(...any) {
		c.connected.Store(true)
		logger.Info("Connected to control hub.", "sid", c.io.Id())
		c.io.Emit("hello", map[string]any{"role": "warden"})
	})

	c.io.On(types.EventName("connect_error"), func(errs ...any) {
		logger.Warn("Control hub connection error.", "error", fmt.Sprintf("%v", errs))
	})

	c.io.On(types.EventName("disconnect"), func(...any) {
		c.connected.Store(false)
		logger.Info("Disconnected from control hub.")
	})

	c.io.On(types.EventName("command"), func(data ...any) {
		if len(data) == 0 {
			return
		}
		cmd := fmt.Sprintf("%v", data[0])
		logger.Debug("Forwarding control command.", "command", cmd)
		if err := c.cmds.Send([]byte(cmd)); err != nil {
			logger.Warn("Command tube rejected command.", "error", err)
		}
	})

	c.io.Connect()
	<-c.ctx.Done()
	return nil
}

// Connected reports whether the hub connection is up.
func (c *Client) Connected() bool { return c.connected.Load() }

// EmitLine is the stored print function that sends report lines to the
// hub; arg is the *Client. Lines emitted while disconnected are dropped.
func EmitLine(line string, arg any) {
	c := arg.(*Client)
	if c.io == nil || !c.connected.Load() {
		return
	}
	c.io.Emit("line", line)
}
