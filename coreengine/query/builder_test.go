package query

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeeves-cluster-organization/segmentation/coreengine/criteria"
	"github.com/jeeves-cluster-organization/segmentation/coreengine/mapper"
	"github.com/jeeves-cluster-organization/segmentation/coreengine/store"
	"github.com/jeeves-cluster-organization/segmentation/coreengine/testutil"
)

func housingBalance(t *testing.T) *criteria.Criteria {
	t.Helper()
	c, err := criteria.New(
		[]criteria.Condition{
			criteria.MustCondition("housing", criteria.OpEqual, criteria.String("yes")),
			criteria.MustCondition("balance", criteria.OpGreater, criteria.Int(1000)),
		},
		[]criteria.LogicalOperator{criteria.And},
	)
	require.NoError(t, err)
	return c
}

func mapFor(c *criteria.Criteria) *mapper.FieldMapping {
	return mapper.New().Map(c, testutil.BankSchema())
}

// =============================================================================
// TEMPLATE MODE
// =============================================================================

func TestBuildTemplateAgainstBankStore(t *testing.T) {
	st := testutil.NewBankStore(t)
	b := NewBuilder(Config{DefaultLimit: 1000}, st, nil, testutil.NewMockLogger())
	c := housingBalance(t)

	art, err := b.Build(context.Background(), c, mapFor(c))
	require.NoError(t, err)

	assert.Equal(t, "SELECT * FROM bank_customers WHERE housing = 'yes' AND balance > 1000 LIMIT 1000", art.SQL)
	assert.True(t, art.Optimized)
	assert.Equal(t, int64(testutil.BankHousingRichCount), art.EstimatedRows)
	assert.Equal(t, []string{"bank_customers"}, art.TablesUsed)
	assert.Equal(t, ModeTemplate, art.Source)
	assert.Contains(t, art.Notes, "Applied row limit of 1000")
}

func TestBuildTemplateRendering(t *testing.T) {
	tests := []struct {
		name  string
		conds []criteria.Condition
		ops   []criteria.LogicalOperator
		want  string
	}{
		{
			name:  "glossary alias and bool",
			conds: []criteria.Condition{criteria.MustCondition("subscription", criteria.OpEqual, criteria.Bool(true))},
			want:  "SELECT * FROM bank_customers WHERE y = TRUE LIMIT 25",
		},
		{
			name: "or with float and reserved column",
			conds: []criteria.Condition{
				criteria.MustCondition("default", criteria.OpNotEqual, criteria.String("no")),
				criteria.MustCondition("age", criteria.OpLessEqual, criteria.Number(30.5)),
			},
			ops:  []criteria.LogicalOperator{criteria.Or},
			want: `SELECT * FROM bank_customers WHERE "default" != 'no' OR age <= 30.5 LIMIT 25`,
		},
		{
			name:  "quotes are doubled",
			conds: []criteria.Condition{criteria.MustCondition("job", criteria.OpEqual, criteria.String("o'brien; DROP TABLE x"))},
			want:  "SELECT * FROM bank_customers WHERE job = 'o''brien; DROP TABLE x' LIMIT 25",
		},
		{
			name: "input order kept",
			conds: []criteria.Condition{
				criteria.MustCondition("loan", criteria.OpEqual, criteria.String("no")),
				criteria.MustCondition("age", criteria.OpGreater, criteria.Int(30)),
				criteria.MustCondition("job", criteria.OpEqual, criteria.String("admin.")),
			},
			ops:  []criteria.LogicalOperator{criteria.Or, criteria.And},
			want: "SELECT * FROM bank_customers WHERE loan = 'no' OR age > 30 AND job = 'admin.' LIMIT 25",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := criteria.New(tt.conds, tt.ops)
			require.NoError(t, err)
			b := NewBuilder(Config{DefaultLimit: 25}, testutil.NewScriptedStore().OnCount(3), nil, nil)

			art, err := b.Build(context.Background(), c, mapFor(c))
			require.NoError(t, err)
			assert.Equal(t, tt.want, art.SQL)
			assert.Equal(t, int64(3), art.EstimatedRows)
		})
	}
}

func TestBuildEstimateFailureIsNonFatal(t *testing.T) {
	st := testutil.NewScriptedStore().On("COUNT(*)", nil, errors.New("disk I/O error"))
	b := NewBuilder(Config{}, st, nil, nil)
	c := housingBalance(t)

	art, err := b.Build(context.Background(), c, mapFor(c))
	require.NoError(t, err)
	assert.Equal(t, int64(0), art.EstimatedRows)
	assert.True(t, strings.HasSuffix(art.SQL, "LIMIT 1000"))

	found := false
	for _, n := range art.Notes {
		if strings.HasPrefix(n, "Row estimate unavailable") {
			found = true
		}
	}
	assert.True(t, found)
}

func TestBuildNotesUnresolvedFieldsWithoutSchema(t *testing.T) {
	c, err := criteria.AllOf(criteria.MustCondition("credit_score", criteria.OpGreater, criteria.Int(700)))
	require.NoError(t, err)
	b := NewBuilder(Config{}, testutil.NewScriptedStore().OnCount(0), nil, nil)
	m := mapper.New(mapper.WithDefaultTable(testutil.BankTable)).Map(c, nil)

	art, err := b.Build(context.Background(), c, m)
	require.NoError(t, err)
	assert.Contains(t, art.SQL, "credit_score > 700")
	assert.Contains(t, art.Notes, "Unmapped fields used as-is: credit_score")
}

func TestBuildRejectsColumnsMissingFromSchema(t *testing.T) {
	st := testutil.NewBankStore(t)
	b := NewBuilder(Config{}, st, nil, nil)
	schema, err := st.Schema(context.Background())
	require.NoError(t, err)

	for _, field := range []string{"credit-score", "order", "zodiac_sign"} {
		t.Run(field, func(t *testing.T) {
			c, err := criteria.AllOf(criteria.MustCondition(field, criteria.OpGreater, criteria.Int(5)))
			require.NoError(t, err)

			art, err := b.Build(context.Background(), c, mapper.New().Map(c, schema))
			assert.Nil(t, art)
			var ce *ConstructionError
			require.ErrorAs(t, err, &ce)
			assert.Contains(t, ce.Reason, field)
		})
	}
}

func TestBuildConstructionErrors(t *testing.T) {
	c := housingBalance(t)
	b := NewBuilder(Config{}, nil, nil, nil)

	_, err := b.Build(context.Background(), nil, mapFor(c))
	var ce *ConstructionError
	require.ErrorAs(t, err, &ce)

	_, err = b.Build(context.Background(), c, &mapper.FieldMapping{})
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, ce.Reason, "no physical table")

	bad := NewBuilder(Config{Mode: "magic"}, nil, nil, nil)
	_, err = bad.Build(context.Background(), c, mapFor(c))
	require.ErrorAs(t, err, &ce)
}

// =============================================================================
// LLM MODE
// =============================================================================

type stubDrafter struct {
	sql string
	err error
}

func (s stubDrafter) Draft(context.Context, *criteria.Criteria, *mapper.FieldMapping) (string, error) {
	return s.sql, s.err
}

func TestBuildLLMModeNormalisesDraft(t *testing.T) {
	tests := []struct {
		name  string
		draft string
		want  string
	}{
		{"fenced with terminator", "```sql\nSELECT * FROM bank_customers WHERE age > 30;\n```", "SELECT * FROM bank_customers WHERE age > 30 LIMIT 1000"},
		{"existing limit replaced", "SELECT * FROM bank_customers WHERE age > 30 LIMIT 50", "SELECT * FROM bank_customers WHERE age > 30 LIMIT 1000"},
		{"bare fence", "```\nSELECT age FROM bank_customers\n```", "SELECT age FROM bank_customers LIMIT 1000"},
		{"trailing comment cannot swallow limit", "SELECT * FROM bank_customers -- all", "SELECT * FROM bank_customers LIMIT 1000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBuilder(Config{Mode: ModeLLM}, testutil.NewScriptedStore().OnCount(7), stubDrafter{sql: tt.draft}, nil)
			c := housingBalance(t)

			art, err := b.Build(context.Background(), c, mapFor(c))
			require.NoError(t, err)
			assert.Equal(t, tt.want, art.SQL)
			assert.Equal(t, ModeLLM, art.Source)
			assert.Equal(t, []string{"bank_customers"}, art.TablesUsed)
			assert.Equal(t, int64(7), art.EstimatedRows)
		})
	}
}

func TestBuildLLMModeRejectsBadDrafts(t *testing.T) {
	tests := []struct {
		name    string
		drafter Drafter
	}{
		{"no drafter", nil},
		{"drafter error", stubDrafter{err: errors.New("quota exceeded")}},
		{"multiple statements", stubDrafter{sql: "SELECT * FROM bank_customers; DELETE FROM bank_customers"}},
		{"unterminated literal", stubDrafter{sql: "SELECT * FROM bank_customers WHERE job = 'admin"}},
		{"empty", stubDrafter{sql: "```sql\n```"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBuilder(Config{Mode: ModeLLM}, nil, tt.drafter, nil)
			c := housingBalance(t)

			art, err := b.Build(context.Background(), c, mapFor(c))
			assert.Nil(t, art)
			var ce *ConstructionError
			require.ErrorAs(t, err, &ce)
		})
	}
}

func TestLLMDrafterPrompt(t *testing.T) {
	llm := testutil.NewMockLLMProvider().WithResponse("Generate an optimized SQL query", "SELECT * FROM bank_customers")
	st := testutil.NewScriptedStore()
	st.SchemaSnapshot = testutil.BankSchema()
	d := NewLLMDrafter(llm, st, DrafterConfig{Model: "gpt-3.5-turbo", Temperature: 0.1, MaxTokens: 1000})
	c := housingBalance(t)

	out, err := d.Draft(context.Background(), c, mapFor(c))
	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM bank_customers", out)

	call, ok := llm.LastCall()
	require.True(t, ok)
	assert.Equal(t, "gpt-3.5-turbo", call.Model)
	assert.Contains(t, call.Prompt, "Table: bank_customers")
	assert.Contains(t, call.Prompt, "- housing: TEXT")
	assert.Contains(t, call.Prompt, `"balance"`)
	assert.Equal(t, 0.1, call.Options["temperature"])
	assert.Equal(t, 1000, call.Options["max_tokens"])
}

// =============================================================================
// HELPERS
// =============================================================================

func TestStripCodeFences(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"SELECT 1", "SELECT 1"},
		{"```sql\nSELECT 1\n```", "SELECT 1"},
		{"```SQL\nSELECT 1\n```", "SELECT 1"},
		{"```sql SELECT 1```", "SELECT 1"},
		{"  ```\nSELECT 1\n```  ", "SELECT 1"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StripCodeFences(tt.in))
	}
}

func TestCountFromRows(t *testing.T) {
	n, err := CountFromRows([]store.Row{{"count": int64(12)}})
	require.NoError(t, err)
	assert.Equal(t, int64(12), n)

	n, err = CountFromRows([]store.Row{{"count": "7"}})
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)

	_, err = CountFromRows(nil)
	assert.Error(t, err)

	_, err = CountFromRows([]store.Row{{"n": int64(1)}})
	assert.Error(t, err)
}
