package app

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"

	"github.com/vk/warden/internal/config"
	"github.com/vk/warden/internal/control"
	"github.com/vk/warden/internal/fnwlist"
	"github.com/vk/warden/internal/worker"
)

func init() {
	fnwlist.Register(fnwlist.PrintFunc, WriteLine)
}

// WriteLine is the stored print function for CLI output; arg is an
// io.Writer.
func WriteLine(line string, arg any) {
	fmt.Fprintln(arg.(io.Writer), line)
}

// Run starts the configured worker kernels and blocks until they stop.
func (a *App) Run(ctx context.Context, opts *Options) error {
	ctx = a.loggerContext(ctx)
	a.logger.Debug("App.Run method started.")

	if opts.DumpConfig {
		a.cfg.Dump(WriteLine, a.outW)
		return nil
	}

	workers := make([]*worker.Worker, 0, a.cfg.Server.NumWorkers)
	for i := 0; i < a.cfg.Server.NumWorkers; i++ {
		wcfg := a.workerConfig(i)
		w, err := worker.New(ctx, wcfg, a.pipeline())
		if err != nil {
			for _, started := range workers {
				started.Shutdown()
			}
			return fmt.Errorf("failed to start worker %d: %w", i, err)
		}
		workers = append(workers, w)
	}
	a.logger.Info("Workers starting.", "count", len(workers))

	// The control bridge owns worker 0's command tube; command output goes
	// back to the hub instead of the local log. Wired before Serve so the
	// loop goroutine never races the output fields.
	var ctrl *control.Client
	if a.cfg.Control != nil {
		client, err := control.New(ctx, a.cfg, workers[0].Commands())
		if err != nil {
			a.logger.Warn("Control client not started.", "error", err)
		} else {
			workers[0].SetCommandOutput(control.EmitLine, client)
			ctrl = client
		}
	}

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *worker.Worker) {
			defer wg.Done()
			w.Serve()
		}(w)
	}

	if ctrl != nil {
		go func() {
			if err := ctrl.Run(); err != nil {
				a.logger.Warn("Control client stopped.", "error", err)
			}
		}()
	}

	stop := make(chan struct{})
	go func() {
		wg.Wait()
		close(stop)
	}()
	select {
	case <-ctx.Done():
		for _, w := range workers {
			w.Shutdown()
		}
		<-stop
	case <-stop:
	}
	a.logger.Debug("App.Run method finished.")
	return nil
}

// workerConfig derives worker i's configuration. Each kernel owns its own
// sockets; extra kernels listen on the next ports up from the configured
// address.
func (a *App) workerConfig(i int) *config.Config {
	wcfg := *a.cfg
	wcfg.Server.ListenUDP = offsetAddr(a.cfg.Server.ListenUDP, i)
	wcfg.Server.ListenTCP = offsetAddr(a.cfg.Server.ListenTCP, i)
	return &wcfg
}

func offsetAddr(addr string, i int) string {
	if i == 0 {
		return addr
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port == 0 {
		return addr
	}
	return net.JoinHostPort(host, strconv.Itoa(port+i))
}
