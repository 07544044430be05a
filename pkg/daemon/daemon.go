// Package daemon implements the daemon core (C10): fixed-order module
// registration, startup/shutdown sequencing with acknowledgments, log
// rotation, and transport lifecycle. It is the only package that wires
// every other component together; none of them import it.
package daemon

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/durapensa/ksi/pkg/capability"
	"github.com/durapensa/ksi/pkg/checkpoint"
	"github.com/durapensa/ksi/pkg/config"
	ksievent "github.com/durapensa/ksi/pkg/event"
	"github.com/durapensa/ksi/pkg/eventlog"
	"github.com/durapensa/ksi/pkg/introspection"
	"github.com/durapensa/ksi/pkg/kcontext"
	"github.com/durapensa/ksi/pkg/router"
	"github.com/durapensa/ksi/pkg/routing"
	"github.com/durapensa/ksi/pkg/transport"
)

// ShutdownAckTimeout bounds how long Shutdown waits for critical
// services to send shutdown:acknowledge before proceeding anyway.
const ShutdownAckTimeout = 30 * time.Second

// criticalServices must acknowledge system:shutdown before Shutdown
// proceeds to stop background tasks.
var criticalServices = []string{"context_manager", "event_log", "routing_service", "checkpoint_engine"}

// Daemon owns every long-lived component and the order they start and
// stop in. Module registration order is fixed: context manager, event
// log, router, transformer runtime (implicit in the router), routing
// service, introspection, checkpoint engine, transports.
type Daemon struct {
	cfg    *config.Config
	dbPool *config.DBPool

	ctxMgr     *kcontext.Manager
	eventLog   *eventlog.Log
	router     *router.Router
	issuer     *capability.Issuer
	routing    *routing.Service
	genealogy  *introspection.Genealogy
	tracker    *introspection.Tracker
	checkpoint *checkpoint.Manager
	requests   *RequestTracker
	transports *transport.Set
	modules    *moduleRegistry

	startedAt time.Time
}

// registerHandler wires fn under eventName on the router and records it
// against module for module:list/module:events/module:inspect.
func (d *Daemon) registerHandler(module, eventName string, priority int, fn router.HandlerFunc) {
	d.router.RegisterHandler(eventName, priority, fn)
	d.modules.record(module, eventName)
}

// New constructs a Daemon from cfg but does not start anything. Call
// Run to bring it up.
func New(cfg *config.Config) (*Daemon, error) {
	d := &Daemon{
		cfg:     cfg,
		dbPool:  config.NewDBPool(),
		modules: newModuleRegistry(),
	}
	return d, nil
}

// Run performs the full startup sequence (rotate log, open stores,
// register modules, load system transformers, emit system:startup /
// system:context / system:ready, start transports) and blocks until ctx
// is cancelled, at which point it runs Shutdown.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.rotateLog(); err != nil {
		slog.Warn("log rotation failed", "error", err)
	}

	if err := d.startup(ctx); err != nil {
		return fmt.Errorf("startup failed: %w", err)
	}

	<-ctx.Done()
	return d.Shutdown(context.Background())
}

func (d *Daemon) startup(ctx context.Context) error {
	d.startedAt = time.Now()

	ctxDB, err := d.dbPool.Get(&d.cfg.Context.Database)
	if err != nil {
		return fmt.Errorf("failed to open context database: %w", err)
	}
	d.ctxMgr, err = kcontext.NewManager(ctx, &d.cfg.Context, ctxDB)
	if err != nil {
		return fmt.Errorf("failed to initialize context manager: %w", err)
	}
	d.ctxMgr.Start()

	eventsDB, err := d.dbPool.Get(&d.cfg.Routing.Database)
	if err != nil {
		return fmt.Errorf("failed to open events database: %w", err)
	}
	varRoot := filepath.Dir(filepath.Dir(d.cfg.Routing.Database.Path))
	eventLogDir := filepath.Join(varRoot, "log", "events")
	d.eventLog, err = eventlog.New(ctx, eventLogDir, eventsDB)
	if err != nil {
		return fmt.Errorf("failed to initialize event log: %w", err)
	}

	d.router = router.New(d.ctxMgr, d.eventLog)

	secret, err := randomSecret(32)
	if err != nil {
		return fmt.Errorf("failed to generate capability signing key: %w", err)
	}
	d.issuer = capability.NewIssuer(secret)

	d.routing, err = routing.NewService(ctx, d.router, d.issuer, eventsDB)
	if err != nil {
		return fmt.Errorf("failed to initialize routing service: %w", err)
	}

	d.tracker = introspection.NewTracker()
	d.router.SetDecisionRecorder(d.tracker)
	d.genealogy = introspection.NewGenealogy(d.ctxMgr, d.eventLog)

	checkpointDB, err := d.dbPool.Get(&d.cfg.Checkpoint.Database)
	if err != nil {
		return fmt.Errorf("failed to open checkpoint database: %w", err)
	}
	checkpointStorage, err := checkpoint.NewStorage(ctx, checkpointDB)
	if err != nil {
		return fmt.Errorf("failed to initialize checkpoint storage: %w", err)
	}
	d.checkpoint = checkpoint.NewManager(&d.cfg.Checkpoint, checkpointStorage)
	d.checkpoint.Register("contexts", d.ctxMgr)
	d.checkpoint.Register("routing_rules", d.routing)
	d.requests = NewRequestTracker()
	d.checkpoint.Register("requests", d.requests)

	d.registerSystemHandlers()
	d.registerRoutingHandlers()
	d.registerIntrospectionHandlers()
	d.registerCheckpointHandlers()
	d.registerRequestHandlers()

	if err := d.loadSystemTransformers(); err != nil {
		slog.Warn("failed to load system transformers", "dir", d.cfg.Routing.SystemTransformerDir, "error", err)
	}

	if _, err := d.router.Emit(ctx, "system:startup", mustJSON(map[string]any{}), nil); err != nil {
		return fmt.Errorf("system:startup emission failed: %w", err)
	}

	registry := map[string]any{
		"context_manager":  true,
		"event_log":        true,
		"router":           true,
		"routing_service":  true,
		"capability_issuer": true,
	}
	if _, err := d.router.Emit(ctx, "system:context", mustJSON(registry), nil); err != nil {
		slog.Warn("system:context emission failed", "error", err)
	}

	if restored, err := d.checkpoint.Restore(ctx); err != nil {
		slog.Warn("checkpoint restore failed", "error", err)
	} else if restored != nil {
		slog.Info("restored state from checkpoint", "checkpoint_id", restored.ID)
		d.restoreRequests(ctx)
	}

	if _, err := d.router.Emit(ctx, "system:ready", mustJSON(map[string]any{}), nil); err != nil {
		slog.Warn("system:ready emission failed", "error", err)
	}

	d.routing.StartTTLSweep(d.cfg.Routing.TTLSweepSeconds)
	d.checkpoint.Start()

	d.transports = transport.NewSet(&d.cfg.Transport, d.router, matchFunc)
	d.router.SetBroadcaster(d.transports.Hub())
	if err := d.transports.Start(); err != nil {
		return fmt.Errorf("failed to start transports: %w", err)
	}

	slog.Info("daemon started",
		"handlers", d.router.HandlerCount(),
		"modules", len(d.modules.list()),
	)
	return nil
}

// Shutdown runs the shutdown sequence: stop transports, emit
// system:shutdown, wait (bounded) for critical-service acknowledgment,
// stop background tasks, close the context manager, and rotate the log.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.router.BeginShutdown()

	if d.transports != nil {
		d.transports.Stop()
	}

	if _, err := d.checkpoint.Collect(ctx, checkpoint.ReasonShutdown); err != nil {
		slog.Warn("shutdown checkpoint failed", "error", err)
	}

	if _, err := d.router.Emit(ctx, "system:shutdown", mustJSON(map[string]any{}), nil); err != nil {
		slog.Warn("system:shutdown emission failed", "error", err)
	}

	// These four are owned in-process and stopped a few lines below, so
	// they acknowledge immediately; the wait loop below exists for any
	// transport-side module that needs real time to drain.
	for _, name := range criticalServices {
		d.router.AcknowledgeShutdown(name)
	}

	deadline := time.Now().Add(ShutdownAckTimeout)
	for time.Now().Before(deadline) {
		if d.router.ShutdownAcknowledged(criticalServices) {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	d.router.StopTasks()
	d.routing.StopTTLSweep()
	d.checkpoint.Stop()
	d.ctxMgr.Close()
	if d.eventLog != nil {
		_ = d.eventLog.Close()
	}
	if err := d.dbPool.Close(); err != nil {
		slog.Warn("error closing database pool", "error", err)
	}
	if err := d.rotateLog(); err != nil {
		slog.Warn("log rotation on shutdown failed", "error", err)
	}

	slog.Info("daemon stopped")
	return nil
}

// rotateLog renames the current log file aside with a timestamp suffix,
// the same close-and-reopen-fresh idiom the event log uses for daily
// rotation (eventlog.Log.rotateIfNeeded), applied here once per
// start/stop rather than continuously.
func (d *Daemon) rotateLog() error {
	path := d.cfg.Logger.File
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return err
	}
	backup := fmt.Sprintf("%s.%s", path, time.Now().UTC().Format("20060102-150405"))
	return os.Rename(path, backup)
}

func matchFunc(pattern, event string) bool {
	return ksievent.MatchPattern(pattern, event)
}

func randomSecret(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}
