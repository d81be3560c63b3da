package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeeves-cluster-organization/segmentation/commbus"
	"github.com/jeeves-cluster-organization/segmentation/coreengine/activation"
	"github.com/jeeves-cluster-organization/segmentation/coreengine/criteria"
	"github.com/jeeves-cluster-organization/segmentation/coreengine/envelope"
	"github.com/jeeves-cluster-organization/segmentation/coreengine/intent"
	"github.com/jeeves-cluster-organization/segmentation/coreengine/mapper"
	"github.com/jeeves-cluster-organization/segmentation/coreengine/query"
	"github.com/jeeves-cluster-organization/segmentation/coreengine/store"
	"github.com/jeeves-cluster-organization/segmentation/coreengine/testutil"
	"github.com/jeeves-cluster-organization/segmentation/coreengine/validator"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

type builderFunc func(ctx context.Context, c *criteria.Criteria, m *mapper.FieldMapping) (*query.Artifact, error)

func (f builderFunc) Build(ctx context.Context, c *criteria.Criteria, m *mapper.FieldMapping) (*query.Artifact, error) {
	return f(ctx, c, m)
}

type activatorFunc func(ctx context.Context, sql, name string) *activation.Record

func (f activatorFunc) Activate(ctx context.Context, sql, name string) *activation.Record {
	return f(ctx, sql, name)
}

type eventLog struct {
	mu     sync.Mutex
	events []commbus.Message
}

func (l *eventLog) types() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.events))
	for i, e := range l.events {
		out[i] = commbus.GetMessageType(e)
	}
	return out
}

func recordEvents(bus commbus.Bus) *eventLog {
	l := &eventLog{}
	h := func(ctx context.Context, msg commbus.Message) (any, error) {
		l.mu.Lock()
		l.events = append(l.events, msg)
		l.mu.Unlock()
		return nil, nil
	}
	for _, t := range []string{"PipelineStarted", "StageCompleted", "PipelineCompleted", "SegmentActivated"} {
		bus.Subscribe(t, h)
	}
	return l
}

type fixture struct {
	components Components
	bus        commbus.Bus
	registry   *activation.Registry
	logger     *testutil.MockLogger
}

func newFixture(t *testing.T, st store.Store) *fixture {
	t.Helper()
	logger := testutil.NewMockLogger()
	bus := commbus.NewInMemoryBus(0, nil)
	reg := activation.NewRegistry()
	return &fixture{
		components: Components{
			Store:     st,
			Mapper:    mapper.New(),
			Builder:   query.NewBuilder(query.Config{}, st, nil, logger),
			Validator: validator.New(validator.DefaultConfig(), st, logger),
			Activator: activation.NewActivator(activation.Config{}, st, reg, bus, logger),
			Registry:  reg,
			Bus:       bus,
		},
		bus:      bus,
		registry: reg,
		logger:   logger,
	}
}

func (f *fixture) orchestrator(t *testing.T, timeouts Timeouts) *Orchestrator {
	t.Helper()
	o, err := New(f.components, timeouts, f.logger)
	require.NoError(t, err)
	return o
}

func housingRich(t *testing.T) *criteria.Criteria {
	t.Helper()
	c, err := criteria.AllOf(
		criteria.MustCondition("housing", criteria.OpEqual, criteria.String("yes")),
		criteria.MustCondition("balance", criteria.OpGreater, criteria.Int(1000)),
	)
	require.NoError(t, err)
	return c
}

func stageStatuses(res *PipelineResult) map[string]envelope.StageStatus {
	out := make(map[string]envelope.StageStatus)
	for _, rec := range res.History {
		out[rec.Stage] = rec.Status
	}
	return out
}

const housingRichJSON = `{"conditions": [{"field": "housing", "operator": "=", "value": "yes"}, {"field": "balance", "operator": ">", "value": 1000}], "logical_operators": ["AND"]}`

// =============================================================================
// SUCCESS PATHS
// =============================================================================

func TestResolveCriteriaRequest(t *testing.T) {
	f := newFixture(t, testutil.NewBankStore(t))
	events := recordEvents(f.bus)
	o := f.orchestrator(t, Timeouts{})

	res := o.Resolve(context.Background(), Request{Criteria: housingRich(t)})

	require.Equal(t, OutcomeSuccess, res.Outcome, res.Explanation)
	assert.Empty(t, res.Stage)
	assert.Nil(t, res.Intent)
	assert.Equal(t, "SELECT * FROM bank_customers WHERE housing = 'yes' AND balance > 1000 LIMIT 1000", res.Query.SQL)
	assert.Equal(t, int64(testutil.BankHousingRichCount), res.Query.EstimatedRows)
	assert.True(t, res.Validation.IsValid)
	assert.Contains(t, res.Validation.Warnings, validator.WarningSelectAll)
	assert.Equal(t, testutil.BankHousingRichCount, res.Activation.CustomerCount)
	assert.Equal(t, activation.DefaultDownstreamSystems, res.Activation.DownstreamSystems)
	assert.Equal(t, "Segment_"+res.SegmentID(), res.Activation.Name)

	require.Len(t, res.History, 4)
	for _, rec := range res.History {
		assert.Equal(t, envelope.StageStatusSuccess, rec.Status, rec.Stage)
	}
	assert.Equal(t, StageMapFields, res.History[0].Stage)

	seg, err := o.GetSegment(res.SegmentID())
	require.NoError(t, err)
	assert.Equal(t, res.Query.SQL, seg.Query)
	assert.Len(t, seg.Results, testutil.BankHousingRichCount)

	types := events.types()
	assert.Equal(t, "PipelineStarted", types[0])
	assert.Equal(t, "PipelineCompleted", types[len(types)-1])
	assert.Contains(t, types, "SegmentActivated")
	assert.True(t, f.logger.HasLog("info", "pipeline_completed"))
}

func TestResolveTextRequest(t *testing.T) {
	f := newFixture(t, testutil.NewBankStore(t))
	llm := testutil.NewMockLLMProvider()
	llm.DefaultResponse = housingRichJSON
	f.components.Parser = intent.NewLLMParser(llm, nil, intent.Config{Model: "gpt-3.5-turbo"}, nil)
	o := f.orchestrator(t, Timeouts{})

	res := o.Resolve(context.Background(), Request{Text: "Customers with a housing loan and balance over 1000"})

	require.Equal(t, OutcomeSuccess, res.Outcome, res.Explanation)
	require.NotNil(t, res.Intent)
	assert.Equal(t, res.Intent.Criteria, res.Criteria)
	assert.Equal(t, "Segment_for_Customers with a hou...", res.Activation.Name)
	require.Len(t, res.History, 5)
	assert.Equal(t, StageParseIntent, res.History[0].Stage)
	assert.Equal(t, 1, llm.GetCallCount())
}

func TestResolveUsesRequestedName(t *testing.T) {
	f := newFixture(t, testutil.NewBankStore(t))
	o := f.orchestrator(t, Timeouts{})

	res := o.Resolve(context.Background(), Request{Criteria: housingRich(t), SegmentName: "Rich homeowners"})
	require.Equal(t, OutcomeSuccess, res.Outcome)
	assert.Equal(t, "Rich homeowners", res.Activation.Name)
}

func TestResolveGlossaryTerm(t *testing.T) {
	f := newFixture(t, testutil.NewBankStore(t))
	o := f.orchestrator(t, Timeouts{})
	c, err := criteria.AllOf(criteria.MustCondition("Subscription", criteria.OpEqual, criteria.String("yes")))
	require.NoError(t, err)

	res := o.Resolve(context.Background(), Request{Criteria: c})
	require.Equal(t, OutcomeSuccess, res.Outcome, res.Explanation)
	assert.Contains(t, res.Query.SQL, "WHERE y = 'yes'")
	assert.Equal(t, testutil.BankSubscribedCount, res.Activation.CustomerCount)
}

// =============================================================================
// FAILURE PATHS
// =============================================================================

func TestResolveTextWithoutParser(t *testing.T) {
	f := newFixture(t, testutil.NewBankStore(t))
	o := f.orchestrator(t, Timeouts{})

	res := o.Resolve(context.Background(), Request{Text: "rich customers"})

	assert.Equal(t, OutcomeError, res.Outcome)
	assert.Equal(t, StageParseIntent, res.Stage)
	assert.ErrorIs(t, res.Err, ErrParserUnavailable)
	assert.Equal(t, "intent parser not available", res.Explanation)
	assert.Empty(t, res.History)
}

func TestResolveEmptyRequest(t *testing.T) {
	f := newFixture(t, testutil.NewBankStore(t))
	res := f.orchestrator(t, Timeouts{}).Resolve(context.Background(), Request{})
	assert.Equal(t, OutcomeError, res.Outcome)
	assert.ErrorIs(t, res.Err, ErrEmptyRequest)
}

func TestResolveParserFailure(t *testing.T) {
	f := newFixture(t, testutil.NewBankStore(t))
	llm := testutil.NewMockLLMProvider().WithError(errors.New("model overloaded"))
	f.components.Parser = intent.NewLLMParser(llm, nil, intent.Config{}, nil)
	o := f.orchestrator(t, Timeouts{})

	res := o.Resolve(context.Background(), Request{Text: "rich customers"})

	assert.Equal(t, OutcomeError, res.Outcome)
	assert.Equal(t, StageParseIntent, res.Stage)
	var pe *intent.ParsingError
	assert.ErrorAs(t, res.Err, &pe)
	var se *StageError
	assert.ErrorAs(t, res.Err, &se)
	assert.Nil(t, res.Criteria)
	assert.Equal(t, envelope.StageStatusError, stageStatuses(res)[StageParseIntent])
}

func TestResolveZeroRowsFailsValidation(t *testing.T) {
	f := newFixture(t, testutil.NewBankStore(t))
	o := f.orchestrator(t, Timeouts{})
	c, err := criteria.AllOf(criteria.MustCondition("y", criteria.OpEqual, criteria.String("maybe")))
	require.NoError(t, err)

	res := o.Resolve(context.Background(), Request{Criteria: c})

	assert.Equal(t, OutcomeValidationFailed, res.Outcome)
	assert.Equal(t, StageValidate, res.Stage)
	assert.Contains(t, res.Validation.Issues, validator.IssueZeroRows)
	assert.Nil(t, res.Activation)
	assert.Equal(t, 0, f.registry.Len())
	assert.NotContains(t, stageStatuses(res), StageActivate)
}

func TestResolveUnknownFieldNeverActivates(t *testing.T) {
	for _, field := range []string{"zodiac_sign", "credit-score", "order"} {
		t.Run(field, func(t *testing.T) {
			f := newFixture(t, testutil.NewBankStore(t))
			o := f.orchestrator(t, Timeouts{})
			c, err := criteria.AllOf(criteria.MustCondition(field, criteria.OpGreater, criteria.Int(5)))
			require.NoError(t, err)

			res := o.Resolve(context.Background(), Request{Criteria: c})

			assert.Equal(t, OutcomeError, res.Outcome)
			assert.Equal(t, StageBuildQuery, res.Stage)
			assert.Equal(t, []string{field}, res.Mapping.Unresolved)
			var ce *query.ConstructionError
			assert.ErrorAs(t, res.Err, &ce)
			assert.Nil(t, res.Activation)
			assert.Equal(t, 0, f.registry.Len())
		})
	}
}

func TestResolveDangerousQueryIsNeverExecuted(t *testing.T) {
	st := testutil.NewScriptedStore()
	f := newFixture(t, st)
	f.components.Builder = builderFunc(func(context.Context, *criteria.Criteria, *mapper.FieldMapping) (*query.Artifact, error) {
		return &query.Artifact{SQL: "DELETE FROM bank_customers"}, nil
	})
	o := f.orchestrator(t, Timeouts{})

	res := o.Resolve(context.Background(), Request{Criteria: housingRich(t)})

	assert.Equal(t, OutcomeValidationFailed, res.Outcome)
	assert.Equal(t, []string{validator.IssueDangerous}, res.Validation.Issues)
	assert.Empty(t, st.Queries())
}

func TestResolveKeywordInsideLiteralIsNotGated(t *testing.T) {
	f := newFixture(t, testutil.NewBankStore(t))
	o := f.orchestrator(t, Timeouts{})
	c, err := criteria.AllOf(criteria.MustCondition("job", criteria.OpEqual, criteria.String("DROP TABLE bank_customers")))
	require.NoError(t, err)

	res := o.Resolve(context.Background(), Request{Criteria: c})

	assert.Equal(t, OutcomeValidationFailed, res.Outcome)
	assert.Contains(t, res.Query.SQL, "'DROP TABLE bank_customers'")
	assert.NotContains(t, res.Validation.Issues, validator.IssueDangerous)
	assert.Contains(t, res.Validation.Issues, validator.IssueZeroRows)
}

func TestResolveActivationFailure(t *testing.T) {
	f := newFixture(t, testutil.NewBankStore(t))
	f.components.Activator = activatorFunc(func(_ context.Context, sql, _ string) *activation.Record {
		return &activation.Record{Query: sql, DownstreamSystems: []string{}, Issues: []string{"disk full"}}
	})
	o := f.orchestrator(t, Timeouts{})

	res := o.Resolve(context.Background(), Request{Criteria: housingRich(t)})

	assert.Equal(t, OutcomeActivationFailed, res.Outcome)
	assert.Equal(t, StageActivate, res.Stage)
	assert.Equal(t, "activation failed: disk full", res.Explanation)
	assert.True(t, res.Validation.IsValid)
}

func TestResolveStageTimeout(t *testing.T) {
	f := newFixture(t, testutil.NewBankStore(t))
	f.components.Builder = builderFunc(func(ctx context.Context, _ *criteria.Criteria, _ *mapper.FieldMapping) (*query.Artifact, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	o := f.orchestrator(t, Timeouts{Query: 20 * time.Millisecond})

	res := o.Resolve(context.Background(), Request{Criteria: housingRich(t)})

	assert.Equal(t, OutcomeError, res.Outcome)
	assert.Equal(t, StageBuildQuery, res.Stage)
	var te *StageTimeoutError
	require.ErrorAs(t, res.Err, &te)
	assert.Equal(t, StageBuildQuery, te.Stage)
	assert.Equal(t, envelope.StageStatusTimeout, stageStatuses(res)[StageBuildQuery])
}

func TestResolveActivationTimeout(t *testing.T) {
	f := newFixture(t, testutil.NewBankStore(t))
	f.components.Activator = activatorFunc(func(ctx context.Context, _, _ string) *activation.Record {
		<-ctx.Done()
		return &activation.Record{}
	})
	o := f.orchestrator(t, Timeouts{Activation: 20 * time.Millisecond})

	res := o.Resolve(context.Background(), Request{Criteria: housingRich(t)})

	assert.Equal(t, OutcomeActivationFailed, res.Outcome)
	require.NotNil(t, res.Activation)
	assert.False(t, res.Activation.Success)
	assert.Empty(t, res.Activation.DownstreamSystems)
	require.Len(t, res.Activation.Issues, 1)
	assert.Contains(t, res.Activation.Issues[0], "timed out")
}

func TestResolveRecoversStagePanic(t *testing.T) {
	f := newFixture(t, testutil.NewBankStore(t))
	f.components.Builder = builderFunc(func(context.Context, *criteria.Criteria, *mapper.FieldMapping) (*query.Artifact, error) {
		panic("template exploded")
	})
	o := f.orchestrator(t, Timeouts{})

	res := o.Resolve(context.Background(), Request{Criteria: housingRich(t)})

	assert.Equal(t, OutcomeError, res.Outcome)
	var pe *PanicError
	require.ErrorAs(t, res.Err, &pe)
	assert.Equal(t, "template exploded", pe.Value)
	assert.NotNil(t, res.Mapping, "artifacts of earlier stages are kept")
}

func TestResolveSchemaFailure(t *testing.T) {
	st := testutil.NewScriptedStore()
	st.SchemaErr = errors.New("connection refused")
	f := newFixture(t, st)
	o := f.orchestrator(t, Timeouts{})

	res := o.Resolve(context.Background(), Request{Criteria: housingRich(t)})

	assert.Equal(t, OutcomeError, res.Outcome)
	assert.Equal(t, StageMapFields, res.Stage)
	assert.Contains(t, res.Explanation, "connection refused")
}

func TestResolveCancelledContext(t *testing.T) {
	f := newFixture(t, testutil.NewBankStore(t))
	o := f.orchestrator(t, Timeouts{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := o.Resolve(ctx, Request{Criteria: housingRich(t)})

	assert.Equal(t, OutcomeError, res.Outcome)
	assert.ErrorIs(t, res.Err, context.Canceled)
	assert.Equal(t, 0, f.registry.Len())
}

// =============================================================================
// SURFACE
// =============================================================================

func TestNewRequiresComponents(t *testing.T) {
	f := newFixture(t, testutil.NewScriptedStore())
	full := f.components

	for name, mutate := range map[string]func(*Components){
		"store":     func(c *Components) { c.Store = nil },
		"mapper":    func(c *Components) { c.Mapper = nil },
		"builder":   func(c *Components) { c.Builder = nil },
		"validator": func(c *Components) { c.Validator = nil },
		"activator": func(c *Components) { c.Activator = nil },
	} {
		t.Run(name, func(t *testing.T) {
			c := full
			mutate(&c)
			_, err := New(c, Timeouts{}, nil)
			assert.ErrorContains(t, err, name)
		})
	}
}

func TestGetSegmentAndSchema(t *testing.T) {
	f := newFixture(t, testutil.NewBankStore(t))
	o := f.orchestrator(t, Timeouts{})

	_, err := o.GetSegment("00000000")
	assert.ErrorIs(t, err, activation.ErrSegmentNotFound)

	schema, err := o.GetSchema(context.Background())
	require.NoError(t, err)
	assert.Equal(t, testutil.BankTable, schema.Table)
	assert.Equal(t, testutil.BankColumns, schema.ColumnNames())
}

func TestDefaultSegmentName(t *testing.T) {
	assert.Equal(t, "Segment_for_short...", DefaultSegmentName("short"))
	assert.Equal(t, "Segment_for_Kunden über 30 mit H...", DefaultSegmentName("Kunden über 30 mit Hauskredit"))
}

func TestPipelineResultJSON(t *testing.T) {
	f := newFixture(t, testutil.NewBankStore(t))
	o := f.orchestrator(t, Timeouts{})

	ok := o.Resolve(context.Background(), Request{Criteria: housingRich(t)})
	data, err := json.Marshal(ok)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, "success", doc["status"])
	assert.Equal(t, ok.SegmentID(), doc["segment_id"])
	assert.Equal(t, float64(testutil.BankHousingRichCount), doc["customer_count"])
	assert.Equal(t, ok.Query.SQL, doc["generated_query"])
	steps := doc["processing_steps"].(map[string]any)
	assert.Contains(t, steps, "data_mapping")
	assert.Contains(t, steps, "validation")

	failed := o.Resolve(context.Background(), Request{Text: "rich customers"})
	data, err = json.Marshal(failed)
	require.NoError(t, err)
	doc = nil
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, "error", doc["status"])
	assert.Equal(t, "intent parser not available", doc["error"])
	assert.Equal(t, "rich customers", doc["query"])
}

func TestConcurrentResolve(t *testing.T) {
	f := newFixture(t, testutil.NewBankStore(t))
	o := f.orchestrator(t, Timeouts{})
	c := housingRich(t)

	const n = 16
	var wg sync.WaitGroup
	results := make([]*PipelineResult, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = o.Resolve(context.Background(), Request{Criteria: c})
		}(i)
	}
	wg.Wait()

	ids := make(map[string]bool)
	for _, res := range results {
		require.Equal(t, OutcomeSuccess, res.Outcome, res.Explanation)
		ids[res.SegmentID()] = true
	}
	assert.Len(t, ids, n)
	assert.Equal(t, n, f.registry.Len())
}

// =============================================================================
// STAGE RUNNER
// =============================================================================

func TestRunStage(t *testing.T) {
	v, err := runStage(context.Background(), "s", time.Second, func(context.Context) (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, v)

	_, err = runStage(context.Background(), "s", time.Second, func(context.Context) (int, error) { return 0, errors.New("boom") })
	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "stage s failed: boom", err.Error())

	_, err = runStage(context.Background(), "s", 10*time.Millisecond, func(context.Context) (int, error) {
		time.Sleep(200 * time.Millisecond)
		return 1, nil
	})
	var te *StageTimeoutError
	require.ErrorAs(t, err, &te)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
