package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path"
	"reflect"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/encodeous/bristlemouth/link"
	"github.com/encodeous/bristlemouth/perf"
	"github.com/encodeous/bristlemouth/state"
	"github.com/encodeous/tint"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	slogmulti "github.com/samber/slog-multi"
)

var registerMetrics sync.Once

// Bootstrap manages the lifetime of the whole application. The node may be restarted multiple times
// (after a firmware update or a config commit), but Bootstrap is only called once.
func Bootstrap(configPath, logPath string, verbose bool) error {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	// survives restarts, like the non-volatile storage of a real node
	aux := make(map[string]any)
	for {
		cfg, err := state.ReadConfig(configPath)
		if err != nil {
			return err
		}
		if logPath != "" {
			cfg.LogPath = logPath
		}
		state.ExpandConfig(cfg)
		err = state.NodeConfigValidator(cfg)
		if err != nil {
			return err
		}
		restart, err := Start(*cfg, level, aux, nil)
		if err != nil {
			return err
		}
		if !restart {
			return nil
		}
	}
}

func newLogger(cfg state.LocalCfg, logLevel slog.Level) (*slog.Logger, error) {
	handlers := make([]slog.Handler, 0)
	handlers = append(handlers,
		tint.NewHandler(os.Stderr, &tint.Options{
			Level:        logLevel,
			AddSource:    false,
			CustomPrefix: cfg.Id.String(),
			ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
				if attr.Key == "time" {
					return slog.Attr{}
				}
				return attr
			},
		}))

	if cfg.LogPath != "" {
		err := os.MkdirAll(path.Dir(cfg.LogPath), 0700)
		if err != nil {
			return nil, err
		}
		f, err := os.OpenFile(cfg.LogPath, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0600)
		if err != nil {
			return nil, err
		}
		handlers = append(handlers, slog.NewTextHandler(f, &slog.HandlerOptions{Level: logLevel}))
	}
	return slog.New(slogmulti.Fanout(handlers...)), nil
}

// Start runs one boot of the node until it stops, reporting whether it should be started again.
// aux may supply a "transport" (state.Transport), a "clock" (clockwork.Clock) and a "dfu_marker" (dfu.MarkerStore).
// An "on_start" func(*state.State) is called once the modules are up. Without a data dir, the DFU reboot marker
// and image records are kept in aux under "dfu_marker" and "dfu_images", so pass the same map to every boot.
func Start(cfg state.LocalCfg, logLevel slog.Level, aux map[string]any, initState **state.State) (bool, error) {
	ctx, cancel := context.WithCancelCause(context.Background())

	dispatch := make(chan func(env *state.State) error, state.DispatchQueueLen)

	logger, err := newLogger(cfg, logLevel)
	if err != nil {
		cancel(err)
		return false, err
	}

	clock, ok := aux["clock"].(clockwork.Clock)
	if !ok {
		clock = clockwork.NewRealClock()
	}
	transport, ok := aux["transport"].(state.Transport)
	if !ok {
		transport, err = link.NewUDPLink(&cfg, logger)
		if err != nil {
			cancel(err)
			return false, err
		}
	}

	s := state.State{
		Modules: make(map[string]state.BmModule),
		Env: &state.Env{
			Context:         ctx,
			Cancel:          cancel,
			DispatchChannel: dispatch,
			LocalCfg:        cfg,
			Log:             logger,
			Clock:           clock,
			Transport:       transport,
			BootTime:        clock.Now(),
			AuxConfig:       aux,
		},
	}
	if initState != nil {
		*initState = &s
	}

	s.Log.Info("init modules")
	err = initModules(&s)
	if err != nil {
		s.Cancel(err)
		Stop(&s)
		return false, err
	}
	s.Log.Info("init modules complete")
	if hook, ok := aux["on_start"].(func(*state.State)); ok {
		hook(&s)
	}

	if cfg.MetricsAddr != "" {
		startMetrics(s.Env)
	}

	linkDone := make(chan struct{})
	go func() {
		defer close(linkDone)
		err := transport.Run(ctx, Get[*Bcmp](&s))
		if err != nil && ctx.Err() == nil {
			s.Cancel(fmt.Errorf("link failed: %w", err))
		}
	}()

	s.RepeatTask(bcmpGc, state.CorrelatorGcRate)

	s.Log.Info("bm has been initialized. To gracefully exit, send SIGINT or Ctrl+C.", "node", cfg.Id, "ports", transport.Ports())

	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer signal.Stop(c)
		select {
		case _ = <-c:
			s.Cancel(errors.New("received shutdown signal"))
		case <-ctx.Done():
			return
		}
	}()

	err = MainLoop(&s, dispatch)
	<-linkDone
	if err != nil {
		return false, err
	}
	if s.Restarting.Load() {
		s.Log.Info("Restarting bm...")
		return true, nil
	}
	return false, nil
}

func startMetrics(e *state.Env) {
	registerMetrics.Do(func() {
		http.Handle("/metrics", promhttp.Handler())
	})
	server := &http.Server{Addr: e.MetricsAddr, Handler: http.DefaultServeMux}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			e.Log.Error("metrics server failed", "err", err)
		}
	}()
	go func() {
		<-e.Context.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
}

func initModules(s *state.State) error {
	var modules []state.BmModule
	modules = append(modules, &Bcmp{})
	modules = append(modules, &Info{})
	modules = append(modules, &Neighbors{})
	modules = append(modules, &Ping{})
	modules = append(modules, &TimeSync{})
	modules = append(modules, &Resources{})
	modules = append(modules, &PubSub{})
	modules = append(modules, &ConfigProto{})
	modules = append(modules, &Reboot{})
	modules = append(modules, &Topology{})
	modules = append(modules, &TopologySampler{})
	modules = append(modules, &DfuBridge{})
	modules = append(modules, &Control{})

	for _, module := range modules {
		name := reflect.TypeOf(module).String()
		s.Modules[name] = module
		if err := module.Init(s); err != nil {
			delete(s.Modules, name)
			return fmt.Errorf("init %s: %w", name, err)
		}
	}
	return nil
}

func MainLoop(s *state.State, dispatch <-chan func(*state.State) error) error {
	s.Log.Debug("started main loop")
	s.Started.Store(true)
	for {
		select {
		case fun := <-dispatch:
			if fun == nil {
				goto endLoop
			}
			start := time.Now()
			err := fun(s)
			if err != nil {
				s.Log.Error("error occurred during dispatch: ", "error", err)
				s.Cancel(err)
			}
			elapsed := time.Since(start)
			perf.DispatchLatency.Add(float64(elapsed.Microseconds()))
			if elapsed > state.SlowDispatchThreshold {
				s.Log.Warn("dispatch took a long time!", "fun", runtime.FuncForPC(reflect.ValueOf(fun).Pointer()).Name(), "elapsed", elapsed, "len", len(dispatch))
			}
		case <-s.Context.Done():
			goto endLoop
		}
	}
endLoop:
	s.Log.Info("stopped main loop", "reason", context.Cause(s.Context).Error())
	Stop(s)
	return nil
}

func Stop(s *state.State) {
	if s.Stopping.Swap(true) {
		return // don't stop twice
	}
	s.Cancel(context.Canceled)
	if s.DispatchChannel != nil {
		close(s.DispatchChannel)
	}
	s.Log.Info("cleaning up modules")
	for moduleName, module := range s.Modules {
		err := module.Cleanup(s)
		if err != nil {
			s.Log.Error("error occurred during Stop: ", "module", moduleName, "error", err)
		}
	}
	s.Log.Info("stopped")
}
