// Package daemon assembles the full runtime: store, memory, model,
// session registry, gateway, transports, and scheduler, with pidfile
// and drain handling around them.
package daemon

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/tentickle/tentickle/internal/common/config"
	"github.com/tentickle/tentickle/internal/common/logger"
	"github.com/tentickle/tentickle/internal/db"
	"github.com/tentickle/tentickle/internal/events/bus"
	"github.com/tentickle/tentickle/internal/gateway"
	"github.com/tentickle/tentickle/internal/gateway/unixsock"
	gatewayws "github.com/tentickle/tentickle/internal/gateway/websocket"
	"github.com/tentickle/tentickle/internal/grounding"
	"github.com/tentickle/tentickle/internal/mcpserver"
	"github.com/tentickle/tentickle/internal/memory"
	"github.com/tentickle/tentickle/internal/model"
	"github.com/tentickle/tentickle/internal/scheduler"
	"github.com/tentickle/tentickle/internal/session"
	"github.com/tentickle/tentickle/internal/store"
	"github.com/tentickle/tentickle/internal/tools"
	"github.com/tentickle/tentickle/internal/tracing"
)

// drainGrace bounds shutdown: active executions get this long to abort
// and persist before the process exits.
const drainGrace = 5 * time.Second

const defaultSystemPrompt = `You are a persistent personal agent. You run across many
sessions; use the remember and recall tools to carry knowledge between
them. Answer plainly and act on what you can verify.`

// Daemon owns every long-lived component of a running instance.
type Daemon struct {
	cfg *config.Config
	log *logger.Logger

	pool     *db.Pool
	store    *store.Store
	memory   *memory.Memory
	eventBus bus.EventBus
	registry *session.Registry
	gw       *gateway.Gateway
	sock     *unixsock.Server
	ws       *gatewayws.Server
	jobs     *scheduler.JobStore
	sched    *scheduler.Scheduler
	watcher  *scheduler.TriggerWatcher
	mcp      *mcpserver.Server

	startedAt time.Time
}

// New wires the daemon's components without starting any of them.
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	d := &Daemon{cfg: cfg, log: log}

	st, pool, err := store.Open(cfg.Database.Path, log)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	d.store = st
	d.pool = pool

	recovered, err := st.RecoverCrashed(context.Background())
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("recover crashed executions: %w", err)
	}
	if recovered > 0 {
		log.Warn("marked crashed executions as failed", zap.Int("count", recovered))
	}

	mem, err := memory.Provide(pool, cfg.Memory, log)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("init memory: %w", err)
	}
	d.memory = mem

	modelClient, err := model.Provide(cfg.Model)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("init model client: %w", err)
	}

	d.registry = session.NewRegistry(st, log)
	d.registry.RegisterApp(assistantApp(cfg, mem, modelClient))

	d.eventBus = bus.Provide(cfg.NATS, log)
	d.gw = gateway.New(d.registry, st, log, gateway.Options{
		DefaultApp: cfg.Daemon.DefaultApp,
		Bus:        d.eventBus,
	})

	d.sock = unixsock.NewServer(d.gw, cfg.Daemon.SocketPath, log)
	d.ws = gatewayws.NewServer(d.gw, cfg.Daemon.Host, cfg.Daemon.Port, log, d.statusFields)

	jobs, err := scheduler.NewJobStore(cfg.Scheduler.JobsDir, log)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("init job store: %w", err)
	}
	d.jobs = jobs

	sched, err := scheduler.New(jobs, cfg.Scheduler.TriggersDir, log)
	if err != nil {
		jobs.Close()
		pool.Close()
		return nil, fmt.Errorf("init scheduler: %w", err)
	}
	d.sched = sched

	defaultTarget := cfg.Scheduler.DefaultTarget
	if defaultTarget == "" {
		defaultTarget = cfg.Daemon.DefaultApp + ":main"
	}
	d.watcher = scheduler.NewTriggerWatcher(cfg.Scheduler.TriggersDir, d.gw, jobs, defaultTarget, log)

	if cfg.Daemon.McpPort > 0 {
		d.mcp = mcpserver.New(mcpserver.Config{Port: cfg.Daemon.McpPort}, d.gw, mem, log)
	}

	return d, nil
}

// assistantApp is the built-in app sessions route to by default.
func assistantApp(cfg *config.Config, mem *memory.Memory, client model.Client) session.AppFunc {
	workspace, _ := os.Getwd()
	return session.AppFunc{
		AppName: cfg.Daemon.DefaultApp,
		Build: func(key string) (*session.ExecutionConfig, error) {
			return &session.ExecutionConfig{
				SystemPrompt: defaultSystemPrompt,
				Grounding: []grounding.Provider{
					&grounding.TimeProvider{},
					&grounding.WorkspaceProvider{Dir: workspace},
				},
				Tools: tools.NewRegistry(
					&tools.RememberTool{Memory: mem},
					&tools.RecallTool{Memory: mem},
					&tools.SpawnTool{DefaultApp: cfg.Daemon.DefaultApp},
				),
				Model:     client,
				ModelName: cfg.Model.Name,
				Workspace: workspace,
			}, nil
		},
	}
}

// Start claims the pidfile and brings every component up. On error the
// components already started are torn down.
func (d *Daemon) Start(ctx context.Context) error {
	if err := WritePidfile(d.cfg.PidfilePath()); err != nil {
		return err
	}
	d.startedAt = time.Now()

	if err := d.sock.Start(ctx); err != nil {
		d.teardown()
		return fmt.Errorf("unix socket: %w", err)
	}
	if err := d.ws.Start(ctx); err != nil {
		d.teardown()
		return fmt.Errorf("websocket server: %w", err)
	}
	if err := d.sched.Start(); err != nil {
		d.teardown()
		return fmt.Errorf("scheduler: %w", err)
	}
	if err := d.watcher.Start(ctx); err != nil {
		d.teardown()
		return fmt.Errorf("trigger watcher: %w", err)
	}
	if d.mcp != nil {
		if err := d.mcp.Start(ctx); err != nil {
			d.teardown()
			return fmt.Errorf("mcp server: %w", err)
		}
	}

	d.log.Info("daemon started",
		zap.String("socket", d.cfg.Daemon.SocketPath),
		zap.String("ws_addr", fmt.Sprintf("%s:%d", d.cfg.Daemon.Host, d.cfg.Daemon.Port)),
		zap.Int("pid", os.Getpid()))
	return nil
}

// Stop drains the daemon: scheduling halts first so no new work
// arrives, transports disconnect, then active executions are aborted
// and persisted within the grace period.
func (d *Daemon) Stop() {
	d.log.Info("daemon stopping")
	deadline, cancel := context.WithTimeout(context.Background(), drainGrace)
	defer cancel()

	d.watcher.Stop()
	d.sched.Stop()
	d.jobs.Close()
	if d.mcp != nil {
		if err := d.mcp.Stop(deadline); err != nil {
			d.log.Warn("mcp server stop failed", zap.Error(err))
		}
	}
	d.ws.Stop()
	d.sock.Stop()
	d.gw.Stop()
	d.memory.Close()
	d.eventBus.Close()
	if err := tracing.Shutdown(deadline); err != nil {
		d.log.Warn("tracing shutdown failed", zap.Error(err))
	}
	d.teardown()
	d.log.Info("daemon stopped")
}

// teardown releases the process-level resources and the pidfile.
func (d *Daemon) teardown() {
	if d.pool != nil {
		if err := d.pool.Close(); err != nil {
			d.log.Warn("database close failed", zap.Error(err))
		}
		d.pool = nil
	}
	_ = RemovePidfile(d.cfg.PidfilePath())
}

// Gateway exposes the gateway for embedding callers.
func (d *Daemon) Gateway() *gateway.Gateway { return d.gw }

// statusFields reports the daemon-level half of GET /status.
func (d *Daemon) statusFields() map[string]any {
	jobCount := 0
	if jobs, err := d.jobs.List(); err == nil {
		jobCount = len(jobs)
	}
	return map[string]any{
		"pid":           os.Getpid(),
		"uptimeSeconds": int(time.Since(d.startedAt).Seconds()),
		"jobs":          jobCount,
		"busConnected":  d.eventBus.IsConnected(),
	}
}
