// Package runtime provides the Orchestrator, the segment resolution pipeline.
//
// A request runs through parse_intent, map_fields, build_query, validate and
// activate strictly in sequence. Each stage has its own timeout; the first
// failing stage stops the request and the artifacts gathered so far are
// returned in a PipelineResult. Nothing escapes Resolve as an error or panic.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jeeves-cluster-organization/segmentation/commbus"
	"github.com/jeeves-cluster-organization/segmentation/coreengine/activation"
	"github.com/jeeves-cluster-organization/segmentation/coreengine/agents"
	"github.com/jeeves-cluster-organization/segmentation/coreengine/criteria"
	"github.com/jeeves-cluster-organization/segmentation/coreengine/envelope"
	"github.com/jeeves-cluster-organization/segmentation/coreengine/intent"
	"github.com/jeeves-cluster-organization/segmentation/coreengine/mapper"
	"github.com/jeeves-cluster-organization/segmentation/coreengine/observability"
	"github.com/jeeves-cluster-organization/segmentation/coreengine/query"
	"github.com/jeeves-cluster-organization/segmentation/coreengine/store"
	"github.com/jeeves-cluster-organization/segmentation/coreengine/validator"
)

// ErrParserUnavailable is returned for text requests when no intent parser
// is configured.
var ErrParserUnavailable = errors.New("intent parser not available")

// ErrEmptyRequest is a request with neither text nor criteria.
var ErrEmptyRequest = errors.New("request carries neither text nor criteria")

// =============================================================================
// STAGE CONTRACTS
// =============================================================================

// FieldMapper resolves criteria fields against a schema.
type FieldMapper interface {
	Map(c *criteria.Criteria, schema *store.Schema) *mapper.FieldMapping
}

// QueryBuilder renders mapped criteria into a bounded query.
type QueryBuilder interface {
	Build(ctx context.Context, c *criteria.Criteria, m *mapper.FieldMapping) (*query.Artifact, error)
}

// SafetyValidator checks a query before activation.
type SafetyValidator interface {
	Validate(ctx context.Context, sql string) *validator.Outcome
}

// SegmentActivator executes a validated query and registers the segment.
type SegmentActivator interface {
	Activate(ctx context.Context, sql string, name string) *activation.Record
}

// Components are the collaborators of an Orchestrator. Parser, Registry and
// Bus are optional.
type Components struct {
	Parser    intent.Parser
	Store     store.Store
	Mapper    FieldMapper
	Builder   QueryBuilder
	Validator SafetyValidator
	Activator SegmentActivator
	Registry  *activation.Registry
	Bus       commbus.Bus
}

// Timeouts are the per-stage budgets.
type Timeouts struct {
	Intent     time.Duration
	Mapping    time.Duration
	Query      time.Duration
	Validation time.Duration
	Activation time.Duration
}

// DefaultTimeouts returns the budgets used for unset fields.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Intent:     30 * time.Second,
		Mapping:    10 * time.Second,
		Query:      30 * time.Second,
		Validation: 30 * time.Second,
		Activation: 60 * time.Second,
	}
}

func (t Timeouts) withDefaults() Timeouts {
	d := DefaultTimeouts()
	for _, f := range []struct{ dst, def *time.Duration }{
		{&t.Intent, &d.Intent},
		{&t.Mapping, &d.Mapping},
		{&t.Query, &d.Query},
		{&t.Validation, &d.Validation},
		{&t.Activation, &d.Activation},
	} {
		if *f.dst <= 0 {
			*f.dst = *f.def
		}
	}
	return t
}

// Request is one resolution request. When Criteria is set the intent stage
// is skipped and Text is kept only for reporting.
type Request struct {
	Text        string
	Criteria    *criteria.Criteria
	SegmentName string
}

// =============================================================================
// ORCHESTRATOR
// =============================================================================

// Orchestrator sequences the pipeline stages. It is safe for concurrent use;
// each Resolve call owns its own envelope.
type Orchestrator struct {
	c        Components
	timeouts Timeouts
	logger   agents.Logger
}

// New creates an Orchestrator, rejecting missing required components.
func New(c Components, timeouts Timeouts, logger agents.Logger) (*Orchestrator, error) {
	switch {
	case c.Store == nil:
		return nil, errors.New("orchestrator: store is required")
	case c.Mapper == nil:
		return nil, errors.New("orchestrator: field mapper is required")
	case c.Builder == nil:
		return nil, errors.New("orchestrator: query builder is required")
	case c.Validator == nil:
		return nil, errors.New("orchestrator: validator is required")
	case c.Activator == nil:
		return nil, errors.New("orchestrator: activator is required")
	}
	return &Orchestrator{
		c:        c,
		timeouts: timeouts.withDefaults(),
		logger:   agents.OrNop(logger).Bind("component", "orchestrator"),
	}, nil
}

// Resolve runs one request through the pipeline.
func (o *Orchestrator) Resolve(ctx context.Context, req Request) (res *PipelineResult) {
	stages := Stages
	input := "text"
	if req.Criteria != nil {
		stages = Stages[1:]
		input = "criteria"
	}

	env := envelope.New(req.Text, stages)
	env.SegmentName = req.SegmentName
	logger := o.logger.Bind("request_id", env.RequestID)

	ctx, span := observability.Tracer().Start(ctx, "pipeline.resolve", trace.WithAttributes(
		attribute.String("request_id", env.RequestID),
		attribute.String("input", input),
	))
	defer span.End()

	logger.Info("pipeline_started", "input", input, "stage_count", len(stages))
	o.publish(ctx, logger, &commbus.PipelineStarted{
		RequestID:   env.RequestID,
		Input:       input,
		SegmentName: req.SegmentName,
		StartedAt:   env.ReceivedAt,
	})

	res = &PipelineResult{RequestID: env.RequestID, Input: req.Text}
	defer func() {
		if r := recover(); r != nil {
			res.fail(OutcomeError, env.CurrentStage, &PanicError{Value: r, Stack: debug.Stack()})
		}
		o.finish(ctx, env, res, span, logger)
	}()

	o.run(ctx, env, req, res, logger)
	return res
}

func (o *Orchestrator) run(ctx context.Context, env *envelope.Envelope, req Request, res *PipelineResult, logger agents.Logger) {
	c := req.Criteria
	if c == nil {
		if strings.TrimSpace(req.Text) == "" {
			res.fail(OutcomeError, StageParseIntent, ErrEmptyRequest)
			return
		}
		if o.c.Parser == nil {
			res.fail(OutcomeError, StageParseIntent, ErrParserUnavailable)
			return
		}
		parsed, err := execute(ctx, o, env, logger, StageParseIntent, o.timeouts.Intent,
			func(ctx context.Context) (*intent.Result, error) {
				return o.c.Parser.Parse(ctx, req.Text)
			})
		if err != nil {
			res.fail(OutcomeError, StageParseIntent, err)
			return
		}
		res.Intent = parsed
		c = parsed.Criteria
	}
	res.Criteria = c

	mapping, err := execute(ctx, o, env, logger, StageMapFields, o.timeouts.Mapping,
		func(ctx context.Context) (*mapper.FieldMapping, error) {
			schema, err := o.c.Store.Schema(ctx)
			if err != nil {
				return nil, fmt.Errorf("load schema: %w", err)
			}
			return o.c.Mapper.Map(c, schema), nil
		})
	if err != nil {
		res.fail(OutcomeError, StageMapFields, err)
		return
	}
	res.Mapping = mapping

	artifact, err := execute(ctx, o, env, logger, StageBuildQuery, o.timeouts.Query,
		func(ctx context.Context) (*query.Artifact, error) {
			return o.c.Builder.Build(ctx, c, mapping)
		})
	if err != nil {
		res.fail(OutcomeError, StageBuildQuery, err)
		return
	}
	res.Query = artifact

	outcome, err := execute(ctx, o, env, logger, StageValidate, o.timeouts.Validation,
		func(ctx context.Context) (*validator.Outcome, error) {
			return o.c.Validator.Validate(ctx, artifact.SQL), nil
		})
	if err != nil {
		res.fail(OutcomeError, StageValidate, err)
		return
	}
	res.Validation = outcome
	if !outcome.IsValid {
		res.fail(OutcomeValidationFailed, StageValidate, nil)
		return
	}

	name := req.SegmentName
	if name == "" && req.Criteria == nil {
		name = DefaultSegmentName(req.Text)
	}
	rec, err := execute(ctx, o, env, logger, StageActivate, o.timeouts.Activation,
		func(ctx context.Context) (*activation.Record, error) {
			return o.c.Activator.Activate(ctx, artifact.SQL, name), nil
		})
	var timeoutErr *StageTimeoutError
	switch {
	case errors.As(err, &timeoutErr):
		res.Activation = &activation.Record{
			Query:             artifact.SQL,
			DownstreamSystems: []string{},
			Issues:            []string{err.Error()},
		}
		res.fail(OutcomeActivationFailed, StageActivate, err)
	case err != nil:
		res.fail(OutcomeError, StageActivate, err)
	case !rec.Success:
		res.Activation = rec
		res.fail(OutcomeActivationFailed, StageActivate, nil)
	default:
		res.Activation = rec
		res.Outcome = OutcomeSuccess
		res.Explanation = fmt.Sprintf("segment %s activated with %d customers", rec.SegmentID, rec.CustomerCount)
	}
}

// execute runs one stage and records it in the envelope, metrics, traces
// and on the bus.
func execute[T any](
	ctx context.Context,
	o *Orchestrator,
	env *envelope.Envelope,
	logger agents.Logger,
	stage string,
	timeout time.Duration,
	fn func(context.Context) (T, error),
) (T, error) {
	if err := ctx.Err(); err != nil {
		var zero T
		return zero, err
	}

	stageCtx, span := observability.Tracer().Start(ctx, "stage."+stage)
	defer span.End()

	env.RecordStageStart(stage)
	start := time.Now()
	v, err := runStage(stageCtx, stage, timeout, fn)
	durationMS := int(time.Since(start).Milliseconds())

	status := envelope.StageStatusSuccess
	var timeoutErr *StageTimeoutError
	switch {
	case errors.As(err, &timeoutErr):
		status = envelope.StageStatusTimeout
	case err != nil:
		status = envelope.StageStatusError
	}
	env.RecordStageComplete(stage, status, err)
	observability.RecordStageExecution(stage, string(status), durationMS)

	var errText *string
	if err != nil {
		msg := err.Error()
		errText = &msg
		span.RecordError(err)
		span.SetStatus(codes.Error, msg)
		logger.Warn("stage_failed",
			"stage", stage,
			"status", string(status),
			"duration_ms", durationMS,
			"error", msg,
		)
	} else {
		logger.Debug("stage_completed", "stage", stage, "duration_ms", durationMS)
	}

	o.publish(ctx, logger, &commbus.StageCompleted{
		RequestID:  env.RequestID,
		Stage:      stage,
		Status:     string(status),
		DurationMS: durationMS,
		Error:      errText,
	})
	return v, err
}

func (o *Orchestrator) finish(ctx context.Context, env *envelope.Envelope, res *PipelineResult, span trace.Span, logger agents.Logger) {
	env.Terminate(terminalReason(res))
	res.History = env.ProcessingHistory
	res.DurationMS = env.ElapsedMS()

	observability.RecordPipelineExecution(string(res.Outcome), res.DurationMS)
	span.SetAttributes(attribute.String("status", string(res.Outcome)))
	if res.Outcome == OutcomeError && res.Err != nil {
		span.SetStatus(codes.Error, res.Err.Error())
	}

	fields := []any{
		"status", string(res.Outcome),
		"duration_ms", res.DurationMS,
	}
	if res.Stage != "" {
		fields = append(fields, "failed_stage", res.Stage)
	}
	if id := res.SegmentID(); id != "" {
		fields = append(fields, "segment_id", id)
	}
	if res.Outcome == OutcomeError {
		logger.Error("pipeline_completed", append(fields, "error", res.Explanation)...)
	} else {
		logger.Info("pipeline_completed", fields...)
	}

	o.publish(context.WithoutCancel(ctx), logger, &commbus.PipelineCompleted{
		RequestID:  res.RequestID,
		Status:     string(res.Outcome),
		SegmentID:  res.SegmentID(),
		DurationMS: res.DurationMS,
	})
}

func (o *Orchestrator) publish(ctx context.Context, logger agents.Logger, event commbus.Message) {
	if o.c.Bus == nil {
		return
	}
	if err := o.c.Bus.Publish(ctx, event); err != nil {
		logger.Debug("event_publish_failed",
			"event", commbus.GetMessageType(event),
			"error", err.Error(),
		)
	}
}

// GetSegment returns a registered segment.
func (o *Orchestrator) GetSegment(id string) (activation.Segment, error) {
	if o.c.Registry == nil {
		return activation.Segment{}, activation.ErrSegmentNotFound
	}
	return o.c.Registry.Get(id)
}

// GetSchema describes the segment table.
func (o *Orchestrator) GetSchema(ctx context.Context) (*store.Schema, error) {
	return o.c.Store.Schema(ctx)
}

// DefaultSegmentName names a text request's segment after its first 20
// characters.
func DefaultSegmentName(text string) string {
	r := []rune(text)
	if len(r) > 20 {
		r = r[:20]
	}
	return "Segment_for_" + string(r) + "..."
}

// =============================================================================
// OUTCOMES
// =============================================================================

func (r *PipelineResult) fail(outcome Outcome, stage string, err error) {
	r.Outcome = outcome
	r.Stage = stage
	r.Err = err
	switch outcome {
	case OutcomeValidationFailed:
		r.Explanation = "validation failed: " + strings.Join(r.Validation.Issues, "; ")
	case OutcomeActivationFailed:
		r.Explanation = "activation failed: " + strings.Join(r.Activation.Issues, "; ")
	default:
		if err != nil {
			r.Explanation = err.Error()
		}
	}
}

func terminalReason(res *PipelineResult) envelope.TerminalReason {
	switch res.Outcome {
	case OutcomeSuccess:
		return envelope.TerminalReasonCompleted
	case OutcomeValidationFailed:
		return envelope.TerminalReasonValidationFailed
	case OutcomeActivationFailed:
		return envelope.TerminalReasonActivationFailed
	}
	if errors.Is(res.Err, context.Canceled) {
		return envelope.TerminalReasonCancelled
	}
	if res.Err != nil && !errors.As(res.Err, new(*StageTimeoutError)) && errors.Is(res.Err, context.DeadlineExceeded) {
		return envelope.TerminalReasonCancelled
	}
	return envelope.TerminalReasonStageFailed
}
