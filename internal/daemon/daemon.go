// Package daemon assembles the engine, policy gate, workflow runner,
// synchronizer, fitness monitor, advisor and HTTP API from configuration,
// runs their background loops and shuts them down in order.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/danielpatrickdp/evolution-engine/internal/advisor"
	"github.com/danielpatrickdp/evolution-engine/internal/api"
	"github.com/danielpatrickdp/evolution-engine/internal/autonomy"
	"github.com/danielpatrickdp/evolution-engine/internal/config"
	"github.com/danielpatrickdp/evolution-engine/internal/destination"
	"github.com/danielpatrickdp/evolution-engine/internal/fitness"
	"github.com/danielpatrickdp/evolution-engine/internal/history"
	"github.com/danielpatrickdp/evolution-engine/internal/logging"
	"github.com/danielpatrickdp/evolution-engine/internal/metrics"
	"github.com/danielpatrickdp/evolution-engine/internal/mutation"
	"github.com/danielpatrickdp/evolution-engine/internal/replication"
	"github.com/danielpatrickdp/evolution-engine/internal/risk"
	"github.com/danielpatrickdp/evolution-engine/internal/rollback"
	"github.com/danielpatrickdp/evolution-engine/internal/state"
	"github.com/danielpatrickdp/evolution-engine/internal/validate"
)

// #region daemon-struct
// Daemon owns every long-lived component.
type Daemon struct {
	cfg    config.Config
	logger *slog.Logger

	Store      *state.Store
	Registry   *prometheus.Registry
	Metrics    *metrics.Metrics
	Audit      *logging.AuditLog
	History    *history.Memory
	Sync       *replication.Synchronizer
	Fitness    *fitness.Monitor
	Snapshots  *rollback.Manager
	Engine     *mutation.Engine
	Controller *autonomy.Controller
	Workflows  *autonomy.Runner
	Router     *gin.Engine

	// BootSource is "local", a destination id, or "default".
	BootSource string

	dests     []destination.Destination
	queue     replication.QueueStore
	persister *Persister
	advisor  *advisor.Client
	poller   *advisor.Poller
	jsonl    io.Closer
	listener net.Listener
}
// #endregion daemon-struct

// #region build
// New builds every component. Nothing runs until Run.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Daemon, error) {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Daemon{cfg: cfg, logger: logger}
	built := false
	defer func() {
		if !built {
			d.closeResources()
		}
	}()

	var err error

	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}
	if d.Store, err = state.NewStore(cfg.DBPath); err != nil {
		return nil, err
	}

	d.Registry = prometheus.NewRegistry()
	d.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	d.Metrics = metrics.New(d.Registry)

	if err := d.buildAudit(); err != nil {
		return nil, err
	}
	if d.History, err = history.NewMemory(d.Store.DB(), cfg.HalfLife); err != nil {
		return nil, err
	}

	if d.dests, err = OpenDestinations(ctx, cfg.Destinations); err != nil {
		return nil, err
	}
	if cfg.Queue.InMemory || cfg.Queue.Path != "" {
		bq, err := replication.OpenBadgerQueue(cfg.Queue, logger)
		if err != nil {
			return nil, err
		}
		d.queue = bq
	} else {
		d.queue = replication.NewMemoryQueue()
	}

	d.Fitness = fitness.NewMonitor(cfg.Fitness, d.Metrics, logger)
	d.Sync, err = replication.New(cfg.Replication, d.queue, d.dests,
		replication.WithMetrics(d.Metrics),
		replication.WithLogger(logger),
		replication.WithHealHook(func(_ string, took time.Duration) { d.Fitness.RecordHealing(took) }),
	)
	if err != nil {
		return nil, err
	}

	initial, source, err := d.loadInitial(ctx)
	if err != nil {
		return nil, err
	}
	d.BootSource = source

	d.Snapshots = rollback.NewManager(d.Store, cfg.Retention, logger)
	d.persister = NewPersister(d.Store, d.Sync, d.Fitness, logger)
	d.Engine, err = mutation.New(initial, cfg.Mutation, mutation.Deps{
		Validator: validate.New(cfg.Validation),
		Snapshots: d.Snapshots,
		Persister: d.persister,
		Metrics:   d.Metrics,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("start engine: %w", err)
	}

	d.Controller = autonomy.NewController(cfg.Autonomy, d.Engine, risk.NewAssessor(cfg.Risk), d.Audit,
		autonomy.WithHistory(d.History),
		autonomy.WithMetrics(d.Metrics),
		autonomy.WithLogger(logger),
	)

	checkpoints, err := autonomy.NewSQLCheckpointStore(d.Store.DB())
	if err != nil {
		return nil, err
	}
	d.Workflows = autonomy.NewRunner(d.Controller, d.Sync, checkpoints, logger)

	if cfg.Advisor.Enabled {
		if d.advisor, err = advisor.NewClient(cfg.Advisor.Addr); err != nil {
			return nil, err
		}
		d.poller = advisor.NewPoller(cfg.Advisor, d.advisor, d.Controller, d.describe, logger)
	}

	d.Router = api.NewRouter(api.NewHandlers(api.Deps{
		Controller: d.Controller,
		Engine:     d.Engine,
		Snapshots:  d.Snapshots,
		Fitness:    d.Fitness,
		Sync:       d.Sync,
		Workflows:  d.Workflows,
		Audit:      d.Audit,
		Gatherer:   d.Registry,
		Logger:     logger,
	}))
	built = true
	return d, nil
}

func (d *Daemon) buildAudit() error {
	sqlSink, err := logging.NewSQLSink(d.Store.DB())
	if err != nil {
		return err
	}
	sinks := []logging.Sink{sqlSink}
	if p := d.cfg.Audit.JSONLPath; p != "" {
		f, err := os.OpenFile(p, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
		if err != nil {
			return fmt.Errorf("open audit jsonl: %w", err)
		}
		d.jsonl = f
		sinks = append(sinks, logging.NewJSONLSink(f))
	}
	d.Audit = logging.NewAuditLog(d.cfg.Audit.FlushSize, d.cfg.Audit.Keep, d.logger, sinks...)
	return nil
}

// loadInitial prefers the local store, then the newest verified replica, then a fresh default.
func (d *Daemon) loadInitial(ctx context.Context) (*state.SystemState, string, error) {
	doc, err := d.Store.Current(ctx)
	if err == nil {
		return doc, "local", nil
	}
	if !errors.Is(err, state.ErrNoState) {
		return nil, "", err
	}

	source := "default"
	data, from, rerr := d.Sync.Recover(ctx, state.StatePath)
	switch {
	case rerr == nil:
		var recovered state.SystemState
		if _, err := state.Unseal(data, &recovered); err != nil {
			return nil, "", fmt.Errorf("recovered document from %s: %w", from, err)
		}
		doc, source = &recovered, from
	case errors.Is(rerr, destination.ErrNotFound):
		doc = state.Default(time.Now())
	default:
		return nil, "", rerr
	}

	if vs := validate.CheckInvariants(doc); len(vs) > 0 {
		return nil, "", fmt.Errorf("boot document from %s: %v", source, validate.Strings(vs))
	}
	if err := d.Store.CommitDocument(ctx, doc, nil); err != nil {
		return nil, "", err
	}
	d.logger.Info("state initialised", "source", source, "version", doc.Version, "fitness", doc.FitnessScore)
	return doc, source, nil
}

func (d *Daemon) describe() advisor.Request {
	st := d.Engine.State()
	snap := d.Fitness.Snapshot()
	return advisor.Request{Version: st.Version, Fitness: st.FitnessScore, Trend: string(snap.Trend)}
}
// #endregion build

// #region run
// Listen binds the API address. Run calls it when it has not been called.
func (d *Daemon) Listen() (net.Addr, error) {
	if d.listener != nil {
		return d.listener.Addr(), nil
	}
	l, err := net.Listen("tcp", d.cfg.API.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", d.cfg.API.Addr, err)
	}
	d.listener = l
	return l.Addr(), nil
}

// Run starts the background loops and the HTTP server, blocks until ctx is
// cancelled or a loop fails, then shuts everything down.
func (d *Daemon) Run(ctx context.Context) error {
	if _, err := d.Listen(); err != nil {
		return err
	}
	srv := &http.Server{Handler: d.Router, ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.Sync.Run(gctx) })
	g.Go(func() error { return d.Fitness.Run(gctx, d.submitRecovery) })
	g.Go(func() error { return d.maintain(gctx) })
	if d.poller != nil {
		g.Go(func() error { return d.poller.Run(gctx) })
	}
	g.Go(func() error {
		d.logger.Info("api listening", "addr", d.listener.Addr().String())
		if err := srv.Serve(d.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		d.Controller.Stop()
		sctx, cancel := context.WithTimeout(context.Background(), d.cfg.API.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	runErr := g.Wait()
	if err := d.Shutdown(context.Background()); err != nil {
		return errors.Join(runErr, err)
	}
	return runErr
}

func (d *Daemon) submitRecovery(ctx context.Context, p state.Proposal) {
	res, err := d.Controller.Propose(ctx, p)
	if err != nil {
		d.logger.Warn("recovery proposal failed", "kind", p.Kind, "error", err)
		return
	}
	d.logger.Info("recovery proposal submitted", "kind", p.Kind, "status", res.Status, "risk", res.RiskScore)
}

// maintain prunes snapshots, retries parked local commits, probes destination
// health and flushes the audit log.
func (d *Daemon) maintain(ctx context.Context) error {
	retention := time.NewTicker(d.cfg.Maintenance.RetentionInterval)
	defer retention.Stop()
	health := time.NewTicker(d.cfg.Maintenance.HealthInterval)
	defer health.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-retention.C:
			if _, err := d.Snapshots.Prune(ctx, time.Now()); err != nil {
				d.logger.Warn("snapshot prune failed", "error", err)
			}
		case <-health.C:
			if left, err := d.persister.RetryLocal(ctx); err != nil {
				d.logger.Warn("parked local commits still failing", "parked", left, "error", err)
			}
			d.Fitness.RecordHealthCheck(d.healthy(ctx))
			if err := d.Audit.Flush(ctx); err != nil {
				d.logger.Warn("audit flush failed", "error", err)
			}
		}
	}
}

// healthy is true when the engine is untainted, every local commit has landed
// and no destination breaker is open.
func (d *Daemon) healthy(ctx context.Context) bool {
	if tainted, _ := d.Engine.Tainted(); tainted {
		return false
	}
	if d.persister.Parked() > 0 {
		return false
	}
	st, err := d.Sync.Status(ctx)
	if err != nil {
		return false
	}
	for _, b := range st.Breakers {
		if b.State == replication.BreakerOpen.String() {
			return false
		}
	}
	return true
}
// #endregion run

// #region shutdown
// Shutdown stops intake, drains persistence, flushes the audit log and
// closes stores. It is safe to call more than once.
func (d *Daemon) Shutdown(ctx context.Context) error {
	var errs []error
	if d.Controller != nil {
		d.Controller.Stop()
	}
	if d.Engine != nil {
		if err := d.Engine.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if d.persister != nil && d.Store != nil {
		if left, err := d.persister.RetryLocal(ctx); err != nil {
			d.logger.Error("local commits lost at shutdown; replicas hold them", "parked", left, "error", err)
			errs = append(errs, err)
		}
	}
	if d.Audit != nil {
		if err := d.Audit.Flush(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	errs = append(errs, d.closeResources())
	return errors.Join(errs...)
}

func (d *Daemon) closeResources() error {
	var errs []error
	if d.advisor != nil {
		errs = append(errs, d.advisor.Close())
		d.advisor = nil
	}
	if d.listener != nil {
		// Already closed by the HTTP server when Run was used.
		_ = d.listener.Close()
		d.listener = nil
	}
	if d.queue != nil {
		errs = append(errs, d.queue.Close())
		d.queue = nil
	}
	if d.dests != nil {
		errs = append(errs, closeDestinations(d.dests))
		d.dests = nil
	}
	if d.jsonl != nil {
		errs = append(errs, d.jsonl.Close())
		d.jsonl = nil
	}
	if d.Store != nil {
		errs = append(errs, d.Store.Close())
		d.Store = nil
	}
	return errors.Join(errs...)
}
// #endregion shutdown
