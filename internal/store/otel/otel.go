// Package otel exports audit events as OTLP log records.
package otel

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/agentsh/actiond/pkg/types"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/sdk/resource"
	"google.golang.org/grpc/credentials"

	sdklog "go.opentelemetry.io/otel/sdk/log"

	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
)

type Config struct {
	Endpoint string
	Protocol string // "grpc" or "http"

	TLSEnabled  bool
	TLSCertFile string
	TLSKeyFile  string
	TLSInsecure bool

	Headers map[string]string

	Timeout      time.Duration
	BatchTimeout time.Duration
	BatchMaxSize int

	Filter   Filter
	Resource *resource.Resource
}

// Store is fire-and-forget: export failures surface only in the SDK's own
// error handling and never reach the caller of AppendEvent.
type Store struct {
	filter   *Filter
	provider *sdklog.LoggerProvider
	logger   otellog.Logger
}

func New(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.Filter.compile(); err != nil {
		return nil, err
	}
	exp, err := newLogExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("otel log exporter: %w", err)
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	interval := cfg.BatchTimeout
	if interval == 0 {
		interval = 5 * time.Second
	}
	maxSize := cfg.BatchMaxSize
	if maxSize == 0 {
		maxSize = 512
	}
	res := cfg.Resource
	if res == nil {
		res = BuildResource("actiond", nil)
	}

	proc := sdklog.NewBatchProcessor(exp,
		sdklog.WithExportTimeout(timeout),
		sdklog.WithExportInterval(interval),
		sdklog.WithExportMaxBatchSize(maxSize),
	)
	return newWithProcessor(proc, res, &cfg.Filter), nil
}

func newWithProcessor(proc sdklog.Processor, res *resource.Resource, f *Filter) *Store {
	provider := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(proc),
		sdklog.WithResource(res),
	)
	return &Store{
		filter:   f,
		provider: provider,
		logger:   provider.Logger("actiond"),
	}
}

func (s *Store) AppendEvent(ctx context.Context, ev types.Event) error {
	if !s.filter.Match(ev.Type, eventCategory(ev.Type)) {
		return nil
	}
	s.logger.Emit(eventContext(ctx, ev), convertToLogRecord(ev))
	return nil
}

func (s *Store) QueryEvents(_ context.Context, _ types.EventQuery) ([]types.Event, error) {
	return nil, fmt.Errorf("otel store does not support queries")
}

// Close flushes pending records, waiting at most 10 seconds.
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.provider.Shutdown(ctx); err != nil {
		slog.Warn("otel log provider shutdown error", "error", err)
		return err
	}
	return nil
}

func newLogExporter(ctx context.Context, cfg Config) (sdklog.Exporter, error) {
	var tlsCfg *tls.Config
	if cfg.TLSEnabled {
		tlsCfg = &tls.Config{InsecureSkipVerify: cfg.TLSInsecure}
		if cfg.TLSCertFile != "" && cfg.TLSKeyFile != "" {
			cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
			if err != nil {
				return nil, fmt.Errorf("load TLS client cert: %w", err)
			}
			tlsCfg.Certificates = []tls.Certificate{cert}
		}
	}

	switch cfg.Protocol {
	case "grpc", "":
		opts := []otlploggrpc.Option{otlploggrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Timeout > 0 {
			opts = append(opts, otlploggrpc.WithTimeout(cfg.Timeout))
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlploggrpc.WithHeaders(cfg.Headers))
		}
		if tlsCfg != nil {
			opts = append(opts, otlploggrpc.WithTLSCredentials(credentials.NewTLS(tlsCfg)))
		} else {
			opts = append(opts, otlploggrpc.WithInsecure())
		}
		return otlploggrpc.New(ctx, opts...)

	case "http":
		opts := []otlploghttp.Option{otlploghttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Timeout > 0 {
			opts = append(opts, otlploghttp.WithTimeout(cfg.Timeout))
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlploghttp.WithHeaders(cfg.Headers))
		}
		if tlsCfg != nil {
			opts = append(opts, otlploghttp.WithTLSClientConfig(tlsCfg))
		} else {
			opts = append(opts, otlploghttp.WithInsecure())
		}
		return otlploghttp.New(ctx, opts...)

	default:
		return nil, fmt.Errorf("unsupported OTEL protocol %q", cfg.Protocol)
	}
}
