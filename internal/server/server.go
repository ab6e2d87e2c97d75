//go:build unix

// Package server wires the daemon together from configuration and owns its
// lifecycle.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/agentsh/actiond/internal/api"
	"github.com/agentsh/actiond/internal/approvals"
	"github.com/agentsh/actiond/internal/auth"
	"github.com/agentsh/actiond/internal/capabilities"
	"github.com/agentsh/actiond/internal/config"
	"github.com/agentsh/actiond/internal/dispatch"
	"github.com/agentsh/actiond/internal/events"
	"github.com/agentsh/actiond/internal/execreg"
	"github.com/agentsh/actiond/internal/journal"
	"github.com/agentsh/actiond/internal/metrics"
	storepkg "github.com/agentsh/actiond/internal/store"
	"github.com/agentsh/actiond/internal/store/composite"
	"github.com/agentsh/actiond/internal/store/jsonl"
	otelstore "github.com/agentsh/actiond/internal/store/otel"
	"github.com/agentsh/actiond/internal/store/sqlite"
	"github.com/agentsh/actiond/internal/store/webhook"
	"github.com/agentsh/actiond/internal/trash"
	"github.com/agentsh/actiond/internal/undo"
	"github.com/agentsh/actiond/pkg/ratelimit"
)

const housekeepingInterval = time.Hour

type Server struct {
	cfg       *config.Config
	logger    *slog.Logger
	logCloser io.Closer

	httpServer *http.Server
	httpLn     net.Listener

	db       *sqlite.Store
	store    storepkg.EventStore
	gate     *approvals.Gate
	registry *execreg.Registry
	watcher  *capabilities.Watcher
	bin      *trash.Bin

	ready atomic.Bool
}

// New builds every component but starts nothing except the listener.
// Process recovery runs at the start of Run.
func New(cfg *config.Config) (*Server, error) {
	logger, logCloser, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	s := &Server{cfg: cfg, logger: logger, logCloser: logCloser}
	if err := s.build(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Server) build() error {
	cfg := s.cfg
	ctx := context.Background()

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	db, err := sqlite.Open(cfg.Storage.SQLitePath)
	if err != nil {
		return fmt.Errorf("open sqlite: %w", err)
	}
	s.db = db
	sinks, err := s.eventSinks(ctx)
	if err != nil {
		_ = db.Close()
		return err
	}
	collector := metrics.New()
	s.store = metrics.WrapEventStore(composite.New(db, sinks...).WithLogger(s.logger), collector)

	broker := events.NewBroker()
	emitter := events.NewEmitter(s.store, broker)

	caps := capabilities.NewStore()
	if path := cfg.Capabilities.GrantsFile; path != "" {
		if err := caps.LoadFile(path); err != nil {
			return fmt.Errorf("load grants: %w", err)
		}
		if cfg.Capabilities.Watch {
			s.watcher, err = capabilities.NewWatcher(capabilities.WatcherConfig{
				Path:     path,
				Store:    caps,
				Debounce: config.Duration(cfg.Capabilities.Debounce, 0),
				Logger:   s.logger,
			})
			if err != nil {
				return fmt.Errorf("grants watcher: %w", err)
			}
		}
	}

	s.gate = approvals.New(approvals.Options{
		DefaultTimeout: config.Duration(cfg.Approvals.Timeout, 0),
		MinTimeout:     config.Duration(cfg.Approvals.MinTimeout, 0),
		Emitter:        emitter,
		Observer:       collector,
		Logger:         s.logger,
	})
	if cfg.Approvals.HasTransport("tty") {
		s.gate.AddNotifier(&approvals.TTYPrompter{Gate: s.gate, Logger: s.logger})
	}
	var totp *approvals.TOTPResolver
	if cfg.Approvals.HasTransport("totp") {
		totp = &approvals.TOTPResolver{Gate: s.gate, Secret: cfg.Approvals.TOTPSecret}
	}

	s.registry = execreg.New(execreg.Config{
		StatePath:       cfg.Exec.StateFile,
		MaxFinished:     cfg.Exec.MaxFinished,
		MaxOutputChars:  int(config.ByteSize(cfg.Exec.MaxOutput, 0)),
		PersistDebounce: config.Duration(cfg.Exec.PersistDebounce, 0),
		RetryInterval:   config.Duration(cfg.Exec.RetryInterval, 0),
		ReapInterval:    config.Duration(cfg.Exec.ReapInterval, 0),
		Logger:          s.logger,
		Emitter:         emitter,
		Observer:        collector,
	})
	spawner := execreg.NewSpawner(s.registry, s.logger)
	spawner.Shell = cfg.Exec.Shell

	j := journal.New(journal.Options{Sink: db, Emitter: emitter, Observer: collector, Logger: s.logger})
	n, err := j.Load(ctx)
	if err != nil {
		return fmt.Errorf("load journal: %w", err)
	}
	s.logger.Info("journal loaded", "actions", n)

	if cfg.Trash.Enabled {
		s.bin, err = trash.New(trash.Config{
			Dir:            cfg.Trash.Dir,
			HashLimitBytes: config.ByteSize(cfg.Trash.HashLimit, 0),
			PreserveXattrs: cfg.Trash.PreserveXattrs,
			Logger:         s.logger,
		})
		if err != nil {
			return fmt.Errorf("trash: %w", err)
		}
	}

	engine := undo.New(undo.Options{
		Journal:  j,
		Trash:    s.bin,
		Runner:   &undo.SessionRunner{Spawner: spawner},
		Emitter:  emitter,
		Observer: collector,
		Logger:   s.logger,
	})

	// Without the approvals section enabled, gated categories fail closed.
	var approver dispatch.Approver
	if cfg.Approvals.Enabled {
		approver = s.gate
	}
	disp := dispatch.New(dispatch.Options{
		Capabilities:       caps,
		Journal:            j,
		Approver:           approver,
		ApprovalCategories: cfg.Approvals.ApprovalCategories(),
		ApprovalTimeout:    config.Duration(cfg.Approvals.Timeout, 0),
		Tools:              []dispatch.Tool{dispatch.WriteFile{}, dispatch.ReadFile{}, dispatch.Shell{Runner: spawner}},
		Emitter:            emitter,
		Observer:           collector,
		Limiter: ratelimit.NewLimiter(ratelimit.Config{
			PerSecond: cfg.RateLimit.InvocationsPerSecond,
			Burst:     cfg.RateLimit.Burst,
			IdleTTL:   config.Duration(cfg.RateLimit.IdleTTL, 10*time.Minute),
		}),
		Logger: s.logger,
	})

	var keys *auth.APIKeyAuth
	if cfg.Auth.Type == "api_key" {
		keys, err = auth.LoadAPIKeys(cfg.Auth.APIKey.KeysFile, cfg.Auth.APIKey.HeaderName)
		if err != nil {
			return err
		}
	}

	deps := api.Deps{
		Capabilities:    caps,
		Gate:            s.gate,
		TOTP:            totp,
		Dispatcher:      disp,
		Journal:         j,
		Undo:            engine,
		Registry:        s.registry,
		Spawner:         spawner,
		Trash:           s.bin,
		Events:          s.store,
		Broker:          broker,
		Auth:            keys,
		Ready:           s.ready.Load,
		MaxRequestBytes: config.ByteSize(cfg.Server.HTTP.MaxRequestSize, 0),
		HealthPath:      cfg.Health.Path,
		ReadyPath:       cfg.Health.ReadinessPath,
		MetricsPath:     cfg.Metrics.Path,
		Logger:          s.logger,
	}
	if cfg.Metrics.Enabled {
		deps.Metrics = collector
	}

	s.httpLn, err = listenHTTP(cfg)
	if err != nil {
		return err
	}
	s.httpServer = &http.Server{
		Handler:           api.New(deps).Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       config.Duration(cfg.Server.HTTP.ReadTimeout, 0),
		WriteTimeout:      config.Duration(cfg.Server.HTTP.WriteTimeout, 0),
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}
	return nil
}

func (s *Server) eventSinks(ctx context.Context) ([]storepkg.EventStore, error) {
	cfg := s.cfg.Events
	var sinks []storepkg.EventStore
	if cfg.JSONL.Path != "" {
		st, err := jsonl.New(cfg.JSONL.Path, config.ByteSize(cfg.JSONL.MaxSize, 0), cfg.JSONL.MaxBackups)
		if err != nil {
			return nil, fmt.Errorf("jsonl sink: %w", err)
		}
		sinks = append(sinks, st)
	}
	if cfg.Webhook.URL != "" {
		st, err := webhook.New(webhook.Config{
			URL:           cfg.Webhook.URL,
			BatchSize:     cfg.Webhook.BatchSize,
			FlushInterval: config.Duration(cfg.Webhook.FlushInterval, 0),
			Timeout:       config.Duration(cfg.Webhook.Timeout, 0),
			Headers:       cfg.Webhook.Headers,
			Logger:        s.logger,
		})
		if err != nil {
			closeAll(sinks)
			return nil, fmt.Errorf("webhook sink: %w", err)
		}
		sinks = append(sinks, st)
	}
	if cfg.OTEL.Enabled {
		o := cfg.OTEL
		st, err := otelstore.New(ctx, otelstore.Config{
			Endpoint:     o.Endpoint,
			Protocol:     o.Protocol,
			TLSEnabled:   o.TLSEnabled,
			TLSCertFile:  o.TLSCertFile,
			TLSKeyFile:   o.TLSKeyFile,
			TLSInsecure:  o.TLSInsecure,
			Headers:      o.Headers,
			Timeout:      config.Duration(o.Timeout, 0),
			BatchTimeout: config.Duration(o.BatchTimeout, 0),
			BatchMaxSize: o.BatchMaxSize,
			Filter: otelstore.Filter{
				IncludeTypes:      o.Filter.IncludeTypes,
				ExcludeTypes:      o.Filter.ExcludeTypes,
				IncludeCategories: o.Filter.IncludeCategories,
				ExcludeCategories: o.Filter.ExcludeCategories,
			},
			Resource: otelstore.BuildResource(o.ServiceName, nil),
		})
		if err != nil {
			closeAll(sinks)
			return nil, fmt.Errorf("otel sink: %w", err)
		}
		sinks = append(sinks, st)
	}
	return sinks, nil
}

func closeAll(sinks []storepkg.EventStore) {
	for _, st := range sinks {
		_ = st.Close()
	}
}

func listenHTTP(cfg *config.Config) (net.Listener, error) {
	addr := cfg.Server.HTTP.Addr
	if strings.EqualFold(strings.TrimSpace(cfg.Auth.Type), "none") && !isLoopbackListenAddr(addr) {
		return nil, fmt.Errorf("refusing to listen on %q with auth.type=none (use 127.0.0.1/localhost or enable auth)", addr)
	}
	return net.Listen("tcp", addr)
}

func isLoopbackListenAddr(addr string) bool {
	a := strings.TrimSpace(addr)
	// ":7420" binds on all interfaces.
	if a == "" || strings.HasPrefix(a, ":") {
		return false
	}
	host, _, err := net.SplitHostPort(a)
	if err != nil {
		host = a
	}
	host = strings.TrimSpace(host)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return false
}

// Addr is the bound HTTP address.
func (s *Server) Addr() string {
	if s == nil || s.httpLn == nil {
		return ""
	}
	return s.httpLn.Addr().String()
}

// Run serves until ctx is cancelled or SIGINT/SIGTERM arrives. Sessions
// persisted by a previous process are recovered first; /ready reports 503
// and new spawns are refused until that finishes.
func (s *Server) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(s.httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	s.logger.Info("listening", "addr", s.Addr())

	stats, err := s.registry.Recover(ctx)
	if err != nil {
		s.logger.Error("session recovery failed", "error", err)
	} else {
		s.logger.Info("sessions recovered",
			"running", stats.RunningRecovered,
			"finished", stats.FinishedRecovered,
			"stale_dropped", stats.StaleRunningDropped)
	}
	s.ready.Store(true)

	if s.watcher != nil {
		if err := s.watcher.Start(ctx); err != nil {
			s.logger.Warn("grants watcher not started", "error", err)
		}
	}
	if s.needsHousekeeping() {
		go s.housekeeping(ctx)
	}

	select {
	case <-ctx.Done():
		s.ready.Store(false)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	}
}

func (s *Server) needsHousekeeping() bool {
	trashLimits := s.bin != nil && (s.cfg.Trash.TTL != "" || s.cfg.Trash.Quota != "")
	return trashLimits || s.cfg.Storage.EventRetention != ""
}

// housekeeping enforces trash limits and event retention once an hour.
func (s *Server) housekeeping(ctx context.Context) {
	t := time.NewTicker(housekeepingInterval)
	defer t.Stop()
	for {
		if s.bin != nil {
			s.purgeTrash()
		}
		s.pruneEvents(ctx)
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func (s *Server) purgeTrash() {
	res, err := s.bin.Purge(trash.PurgeOptions{
		TTL:        config.Duration(s.cfg.Trash.TTL, 0),
		QuotaBytes: config.ByteSize(s.cfg.Trash.Quota, 0),
	})
	if err != nil {
		s.logger.Warn("trash purge failed", "error", err)
		return
	}
	if len(res.Removed) > 0 {
		s.logger.Info("trash purged", "entries", len(res.Removed), "bytes", res.BytesReclaimed)
	}
}

func (s *Server) pruneEvents(ctx context.Context) {
	keep := config.Duration(s.cfg.Storage.EventRetention, 0)
	if keep <= 0 || s.db == nil {
		return
	}
	n, err := s.db.PruneEvents(ctx, time.Now().Add(-keep))
	if err != nil {
		s.logger.Warn("event prune failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("events pruned", "count", n, "older_than", keep)
	}
}

// Close releases everything New acquired. Safe after a partial build.
func (s *Server) Close() error {
	var errs []error
	if s.httpLn != nil {
		_ = s.httpLn.Close()
		s.httpLn = nil
	}
	if s.watcher != nil {
		_ = s.watcher.Stop()
	}
	if s.gate != nil {
		s.gate.Shutdown()
	}
	if s.registry != nil {
		errs = append(errs, s.registry.Close())
	}
	if s.store != nil {
		errs = append(errs, s.store.Close())
		s.store = nil
	}
	if s.logCloser != nil {
		_ = s.logCloser.Close()
	}
	return errors.Join(errs...)
}
