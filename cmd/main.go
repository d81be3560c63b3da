// segmentd resolves plain-language or structured segment requests into
// validated queries and activated customer segments.
//
// Usage:
//
//	segmentd -criteria '{"conditions":[{"field":"age","operator":">","value":30}]}'
//	segmentd -text "Customers with a housing loan and balance over 1000"
//	segmentd -schema
//	segmentd -config segmentd.yaml < requests.jsonl   # one JSON request per line
//
// Results are written to stdout as JSON; logs go to stderr unless configured
// otherwise.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jeeves-cluster-organization/segmentation/commbus"
	"github.com/jeeves-cluster-organization/segmentation/coreengine/agents"
	"github.com/jeeves-cluster-organization/segmentation/coreengine/config"
	"github.com/jeeves-cluster-organization/segmentation/coreengine/criteria"
	"github.com/jeeves-cluster-organization/segmentation/coreengine/logging"
	"github.com/jeeves-cluster-organization/segmentation/coreengine/observability"
	"github.com/jeeves-cluster-organization/segmentation/coreengine/runtime"
)

// Version is the build version reported in logs and traces.
const Version = "1.0.0"

// Exit codes.
const (
	exitOK       = 0
	exitFailed   = 1
	exitUsage    = 2
	exitStartup  = 3
	shutdownWait = 5 * time.Second
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("segmentd", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "path to the YAML configuration file")
	text := fs.String("text", "", "plain-language segment description")
	criteriaJSON := fs.String("criteria", "", "structured criteria as JSON")
	segmentName := fs.String("segment", "", "name of the activated segment")
	showSchema := fs.Bool("schema", false, "print the segment table schema and exit")
	metricsAddr := fs.String("metrics-addr", "", "serve Prometheus metrics on this address")
	otlpEndpoint := fs.String("otlp-endpoint", "", "export traces to this OTLP gRPC collector")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	var c *criteria.Criteria
	if *criteriaJSON != "" {
		c = new(criteria.Criteria)
		if err := json.Unmarshal([]byte(*criteriaJSON), c); err != nil {
			fmt.Fprintf(stderr, "invalid -criteria: %v\n", err)
			return exitUsage
		}
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "configuration error: %v\n", err)
		return exitStartup
	}
	if *metricsAddr != "" {
		cfg.Observability.MetricsAddr = *metricsAddr
	}
	if *otlpEndpoint != "" {
		cfg.Observability.OTLPEndpoint = *otlpEndpoint
	}

	logger, closeLog, err := newLogger(cfg.Logging, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "logging error: %v\n", err)
		return exitStartup
	}
	defer closeLog()
	logger.Info("segmentd_starting", "version", Version, "store", cfg.Store.Driver, "builder_mode", cfg.Builder.Mode)

	stopObservability, err := startObservability(ctx, cfg.Observability, logger)
	if err != nil {
		logger.Error("observability_start_failed", "error", err.Error())
		return exitStartup
	}
	defer stopObservability()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup_failed", "error", err.Error())
		return exitStartup
	}
	defer a.Close()

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")

	switch {
	case *showSchema:
		schema, err := a.orchestrator.GetSchema(ctx)
		if err != nil {
			logger.Error("schema_failed", "error", err.Error())
			return exitFailed
		}
		if err := enc.Encode(schema); err != nil {
			return exitFailed
		}
		return exitOK

	case *text != "" || c != nil:
		res := a.orchestrator.Resolve(ctx, runtime.Request{Text: *text, Criteria: c, SegmentName: *segmentName})
		if err := enc.Encode(res); err != nil {
			logger.Error("write_failed", "error", err.Error())
			return exitFailed
		}
		if res.Outcome != runtime.OutcomeSuccess {
			return exitFailed
		}
		return exitOK

	default:
		if err := a.serve(ctx, stdin, stdout); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("session_failed", "error", err.Error())
			return exitFailed
		}
		if a.breaker != nil {
			for msgType, state := range a.breaker.States() {
				if state != commbus.CircuitClosed {
					logger.Warn("breaker_open", "message_type", msgType, "state", state)
				}
			}
		}
		logger.Info("segmentd_stopped", "segments", a.registry.Len())
		return exitOK
	}
}

// newLogger writes to the given streams for stdout/stderr outputs so the
// process streams can be substituted.
func newLogger(cfg logging.Config, stdout, stderr io.Writer) (agents.Logger, func(), error) {
	switch cfg.Output {
	case "stdout":
		l, err := logging.NewWithWriter(cfg, stdout)
		return l, func() {}, err
	case "stderr", "":
		l, err := logging.NewWithWriter(cfg, stderr)
		return l, func() {}, err
	}
	l, closeFn, err := logging.New(cfg)
	if err != nil {
		return nil, nil, err
	}
	return l, closeFn, nil
}

// startObservability starts the metrics listener and trace exporter that are
// configured and returns a function stopping both.
func startObservability(ctx context.Context, cfg config.ObservabilityConfig, logger agents.Logger) (func(), error) {
	var stops []func(context.Context) error

	if cfg.OTLPEndpoint != "" {
		shutdown, err := observability.InitTracer(ctx, observability.TracingConfig{
			ServiceName:    cfg.ServiceName,
			ServiceVersion: Version,
			Endpoint:       cfg.OTLPEndpoint,
			SampleRatio:    cfg.SampleRatio,
		})
		if err != nil {
			return nil, err
		}
		stops = append(stops, shutdown)
		logger.Info("tracing_enabled", "endpoint", cfg.OTLPEndpoint)
	}

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics_server_failed", "error", err.Error())
			}
		}()
		stops = append(stops, srv.Shutdown)
		logger.Info("metrics_enabled", "address", cfg.MetricsAddr)
	}

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownWait)
		defer cancel()
		for i := len(stops) - 1; i >= 0; i-- {
			if err := stops[i](ctx); err != nil {
				logger.Warn("shutdown_failed", "error", err.Error())
			}
		}
	}, nil
}
