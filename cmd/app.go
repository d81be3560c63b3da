package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/jeeves-cluster-organization/segmentation/commbus"
	"github.com/jeeves-cluster-organization/segmentation/coreengine/activation"
	"github.com/jeeves-cluster-organization/segmentation/coreengine/agents"
	"github.com/jeeves-cluster-organization/segmentation/coreengine/config"
	"github.com/jeeves-cluster-organization/segmentation/coreengine/intent"
	"github.com/jeeves-cluster-organization/segmentation/coreengine/llm"
	"github.com/jeeves-cluster-organization/segmentation/coreengine/mapper"
	"github.com/jeeves-cluster-organization/segmentation/coreengine/query"
	"github.com/jeeves-cluster-organization/segmentation/coreengine/runtime"
	"github.com/jeeves-cluster-organization/segmentation/coreengine/store"
	"github.com/jeeves-cluster-organization/segmentation/coreengine/validator"
)

// app is the wired engine.
type app struct {
	cfg          config.Config
	logger       agents.Logger
	store        *store.SQLStore
	bus          *commbus.InMemoryBus
	breaker      *commbus.CircuitBreakerMiddleware
	registry     *activation.Registry
	orchestrator *runtime.Orchestrator
	closeStore   func()
}

// lifecycle events are never muted by the breaker.
var breakerExcluded = []string{"PipelineStarted", "StageCompleted", "PipelineCompleted", "GetSegment", "InvalidateSchema"}

func newApp(ctx context.Context, cfg config.Config, logger agents.Logger) (*app, error) {
	st, closeStore, err := store.Open(ctx, store.Config{
		Driver:       cfg.Store.Driver,
		DSN:          cfg.Store.DSN,
		Table:        cfg.Store.Table,
		MaxOpenConns: cfg.Store.MaxOpenConns,
	}, logger)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, store: st, closeStore: closeStore}
	logger.Info("store_opened", "driver", st.Driver(), "table", st.Table())

	if cfg.Store.CSVPath != "" {
		n, err := st.LoadCSVFile(ctx, cfg.Store.CSVPath, csvOptions(cfg))
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("load %s: %w", cfg.Store.CSVPath, err)
		}
		logger.Info("dataset_loaded", "path", cfg.Store.CSVPath, "rows", n, "table", st.Table())
	}

	a.bus = commbus.NewInMemoryBus(cfg.Bus.QueryTimeout, logger)
	a.bus.AddMiddleware(commbus.NewLoggingMiddleware(logger))
	if cfg.Bus.BreakerThreshold > 0 {
		a.breaker = commbus.NewCircuitBreakerMiddleware(cfg.Bus.BreakerThreshold, cfg.Bus.BreakerResetAfter, breakerExcluded)
		a.bus.AddMiddleware(a.breaker)
	}

	a.registry = activation.NewRegistry()
	if err := a.registerHandlers(); err != nil {
		a.Close()
		return nil, err
	}

	var provider agents.LLMProvider
	if cfg.LLM.Enabled() {
		p, err := llm.NewOpenAIProvider(llm.OpenAIConfig{
			BaseURL: cfg.LLM.BaseURL,
			APIKey:  cfg.LLM.APIKey,
			Timeout: cfg.LLM.Timeout,
		}, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		provider = p
	}

	var drafter query.Drafter
	if cfg.Builder.Mode == config.BuilderModeLLM {
		if provider == nil {
			a.Close()
			return nil, errors.New("builder.mode llm requires an API key")
		}
		drafter = query.NewLLMDrafter(provider, st, query.DrafterConfig{
			Model:       cfg.LLM.Model,
			Temperature: cfg.Builder.Generation.Temperature,
			MaxTokens:   cfg.Builder.Generation.MaxTokens,
		})
	}

	opts := []mapper.Option{
		mapper.WithMinReverseMatch(cfg.Mapper.MinReverseMatch),
		mapper.WithDefaultTable(cfg.Store.Table),
	}
	if cfg.Mapper.Glossary != nil {
		opts = append(opts, mapper.WithGlossary(cfg.Mapper.Glossary))
	}

	components := runtime.Components{
		Store:  st,
		Mapper: mapper.New(opts...),
		Builder: query.NewBuilder(query.Config{
			Mode:         query.Mode(cfg.Builder.Mode),
			DefaultLimit: cfg.Builder.DefaultLimit,
		}, st, drafter, logger),
		Validator: validator.New(validator.Config{
			SampleSize:       cfg.Validator.SampleSize,
			WarningThreshold: cfg.Validator.WarningThreshold,
			MaxSafeRows:      cfg.Validator.MaxSafeRows,
		}, st, logger),
		Activator: activation.NewActivator(activation.Config{
			DownstreamSystems: cfg.Activator.DownstreamSystems,
		}, st, a.registry, a.bus, logger),
		Registry: a.registry,
		Bus:      a.bus,
	}
	if provider != nil {
		components.Parser = intent.NewLLMParser(provider, st, intent.Config{
			Model:       cfg.LLM.Model,
			Temperature: cfg.Intent.Temperature,
			MaxTokens:   cfg.Intent.MaxTokens,
		}, logger)
	} else {
		logger.Info("intent_parser_disabled", "reason", "no API key configured")
	}

	t := cfg.Timeouts
	a.orchestrator, err = runtime.New(components, runtime.Timeouts{
		Intent:     t.Intent,
		Mapping:    t.Mapping,
		Query:      t.Query,
		Validation: t.Validation,
		Activation: t.Activation,
	}, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) registerHandlers() error {
	if err := activation.RegisterHandlers(a.bus, a.registry); err != nil {
		return err
	}
	if err := a.bus.RegisterHandler("InvalidateSchema", func(ctx context.Context, msg commbus.Message) (any, error) {
		cmd, _ := msg.(*commbus.InvalidateSchema)
		a.store.InvalidateSchema()
		if cmd != nil {
			a.logger.Info("schema_invalidated", "reason", cmd.Reason)
		}
		return nil, nil
	}); err != nil {
		return err
	}

	// Downstream delivery is simulated: each system in the manifest is
	// acknowledged in the log.
	notifier := a.logger.Bind("component", "downstream")
	a.bus.Subscribe("SegmentActivated", func(ctx context.Context, msg commbus.Message) (any, error) {
		ev, ok := msg.(*commbus.SegmentActivated)
		if !ok {
			return nil, fmt.Errorf("unexpected message %T", msg)
		}
		for _, system := range ev.DownstreamSystems {
			notifier.Info("downstream_notified",
				"system", system,
				"segment_id", ev.SegmentID,
				"customer_count", ev.CustomerCount,
			)
		}
		return nil, nil
	})
	return nil
}

// reloadCSV replaces the segment table and drops the cached schema.
func (a *app) reloadCSV(ctx context.Context, path string) (int64, error) {
	n, err := a.store.LoadCSVFile(ctx, path, csvOptions(a.cfg))
	if err != nil {
		return 0, err
	}
	if err := a.bus.Send(ctx, &commbus.InvalidateSchema{Reason: "dataset reloaded from " + path}); err != nil {
		return n, err
	}
	return n, nil
}

func (a *app) Close() {
	if a.bus != nil {
		a.bus.Clear()
	}
	if a.closeStore != nil {
		a.closeStore()
	}
}

func csvOptions(cfg config.Config) store.CSVOptions {
	var comma rune
	for _, r := range cfg.Store.CSVDelimiter {
		comma = r
		break
	}
	return store.CSVOptions{Comma: comma}
}
