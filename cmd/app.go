package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/twinshift/twinshift/internal/audit"
	"github.com/twinshift/twinshift/internal/config"
	"github.com/twinshift/twinshift/internal/engine"
	"github.com/twinshift/twinshift/internal/guard"
	"github.com/twinshift/twinshift/internal/lock"
	"github.com/twinshift/twinshift/internal/logging"
	"github.com/twinshift/twinshift/internal/tui"
	"github.com/twinshift/twinshift/internal/ws"
)

// app is what a command needs to drive the engine.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	audit  audit.Store
	queue  *guard.Queue
	guard  *guard.Guard
	hub    *ws.Hub
	engine *engine.Engine

	lockPath string
}

type appOptions struct {
	approval string // overrides guard.approval
	live     bool   // publish events on a websocket hub
	lock     bool
}

func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		path = config.DefaultPath
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*slog.Logger, error) {
	return logging.Setup(cfg.Logging.Level, cfg.Path(cfg.Logging.Directory), os.Stderr)
}

// newApp loads the config and wires the guard, the audit store and the
// engine. Callers must call close.
func newApp(ctx context.Context, o appOptions) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger}
	if o.live {
		a.hub = ws.NewHub(logger)
	}
	if o.lock {
		a.lockPath = lock.Path(cfg.Project.Root)
		if err := lock.Acquire(a.lockPath); err != nil {
			var held *lock.HeldError
			if errors.As(err, &held) {
				return nil, fmt.Errorf("another twinshift run (pid %d) is using %s", held.PID, cfg.Project.Root)
			}
			return nil, err
		}
	}

	store, err := audit.Open(ctx, cfg)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("opening audit store: %w", err)
	}
	a.audit = store

	mode := cfg.Guard.Approval
	if o.approval != "" {
		mode = o.approval
	}
	approver, confirmer, err := a.approver(mode)
	if err != nil {
		a.close()
		return nil, err
	}
	a.guard = guard.New(approver, mode, store, guard.OptionsFrom(cfg.Guard), logger)

	opts := []engine.Option{engine.WithGuard(a.guard)}
	if confirmer != nil {
		opts = append(opts, engine.WithConfirmer(confirmer))
	}
	if a.hub != nil {
		opts = append(opts, engine.WithPublisher(a.hub))
	}
	a.engine = engine.New(cfg, logger, opts...)
	if a.hub != nil {
		a.hub.SetStateProvider(a.engine.SnapshotJSON)
	}
	return a, nil
}

func (a *app) approver(mode string) (guard.Approver, *tui.Prompter, error) {
	switch mode {
	case "tui":
		p := tui.NewPrompter(nil, nil)
		return p, p, nil
	case "prompt":
		return guard.NewPromptApprover(os.Stdin, os.Stderr), nil, nil
	case "http":
		a.queue = guard.NewQueue()
		if a.hub != nil {
			hub := a.hub
			a.queue.OnRequest = func(req guard.ApprovalRequest) {
				hub.Publish(ws.MsgApprovalRequested, req)
			}
		}
		return a.queue, nil, nil
	case "deny":
		return guard.DenyApprover{}, nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown approval mode %q (expected tui, prompt, http or deny)", mode)
	}
}

func (a *app) close() {
	if a.audit != nil {
		if err := a.audit.Close(); err != nil {
			a.logger.Warn("closing audit store", "error", err)
		}
	}
	if a.lockPath != "" {
		if err := lock.Release(a.lockPath); err != nil {
			a.logger.Warn("releasing lock", "error", err)
		}
	}
}
