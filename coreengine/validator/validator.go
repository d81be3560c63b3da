// Package validator decides whether a segment query is safe and sensible to
// activate.
//
// Validation never returns an error. Every failure, including store errors,
// becomes a blocking issue on the Outcome; warnings are informational and
// never affect validity.
package validator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/jeeves-cluster-organization/segmentation/coreengine/agents"
	"github.com/jeeves-cluster-organization/segmentation/coreengine/observability"
	"github.com/jeeves-cluster-organization/segmentation/coreengine/query"
	"github.com/jeeves-cluster-organization/segmentation/coreengine/store"
)

// Issue and warning texts.
const (
	IssueDangerous   = "Query contains dangerous operations (DELETE, UPDATE, DROP, etc.)"
	IssueZeroRows    = "Query returns 0 rows - check criteria"
	WarningSelectAll = "Query selects all columns (SELECT *); consider selecting only the columns needed"
)

// dangerousKeywords are rejected when they appear as bare words. Words
// inside string literals, quoted identifiers and comments do not count.
var dangerousKeywords = map[string]bool{
	"DELETE":   true,
	"UPDATE":   true,
	"DROP":     true,
	"ALTER":    true,
	"INSERT":   true,
	"CREATE":   true,
	"TRUNCATE": true,
}

// Config holds the validation thresholds.
type Config struct {
	SampleSize       int
	WarningThreshold int64
	MaxSafeRows      int64
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{SampleSize: 5, WarningThreshold: 5000, MaxSafeRows: 10000}
}

// Outcome is the result of validating one query.
type Outcome struct {
	IsValid    bool        `json:"is_valid"`
	Issues     []string    `json:"issues"`
	Warnings   []string    `json:"warnings"`
	SampleData []store.Row `json:"sample_data"`
	RowCount   int64       `json:"row_count"`
}

func (o *Outcome) issue(msg string) {
	o.Issues = append(o.Issues, msg)
}

func (o *Outcome) warn(msg string) {
	o.Warnings = append(o.Warnings, msg)
}

// Validator runs the safety gate, sampling and row-count classification.
type Validator struct {
	cfg    Config
	store  store.Store
	logger agents.Logger
}

// New creates a Validator. Zero config fields take the defaults.
func New(cfg Config, st store.Store, logger agents.Logger) *Validator {
	def := DefaultConfig()
	if cfg.SampleSize <= 0 {
		cfg.SampleSize = def.SampleSize
	}
	if cfg.WarningThreshold <= 0 {
		cfg.WarningThreshold = def.WarningThreshold
	}
	if cfg.MaxSafeRows <= 0 {
		cfg.MaxSafeRows = def.MaxSafeRows
	}
	return &Validator{
		cfg:    cfg,
		store:  st,
		logger: agents.OrNop(logger).Bind("component", "validator"),
	}
}

// Validate checks sql. A query that fails the safety gate or cannot be
// parsed is never executed.
func (v *Validator) Validate(ctx context.Context, sql string) *Outcome {
	out := &Outcome{Issues: []string{}, Warnings: []string{}, SampleData: []store.Row{}}
	defer func() {
		out.IsValid = len(out.Issues) == 0
		v.record(out)
	}()

	tokens, err := query.Lex(sql)
	if err != nil {
		if words := unlexableDangerousWords(sql, tokens, err); len(words) > 0 {
			v.logger.Warn("dangerous_query_blocked", "keywords", words)
			out.issue(IssueDangerous)
		}
		out.issue("Query could not be parsed: " + err.Error())
		return out
	}
	if words := DangerousWords(tokens); len(words) > 0 {
		v.logger.Warn("dangerous_query_blocked", "keywords", words)
		out.issue(IssueDangerous)
		return out
	}

	st, err := query.Parse(sql)
	if err != nil {
		out.issue("Query could not be parsed: " + err.Error())
		return out
	}
	if st.SelectsAll() {
		out.warn(WarningSelectAll)
	}

	if v.store == nil {
		out.issue("Query execution failed: no store configured")
		return out
	}

	sample, err := v.store.Execute(ctx, st.WithLimit(v.cfg.SampleSize))
	if err != nil {
		out.issue("Query execution failed: " + err.Error())
		return out
	}
	if sample != nil {
		out.SampleData = sample
	}

	rows, err := v.store.Execute(ctx, st.CountQuery())
	if err == nil {
		out.RowCount, err = query.CountFromRows(rows)
	}
	if err != nil {
		out.RowCount = 0
		out.issue("Row count query failed: " + err.Error())
		return out
	}

	v.classify(out)
	return out
}

func (v *Validator) classify(out *Outcome) {
	switch n := out.RowCount; {
	case n == 0:
		out.issue(IssueZeroRows)
	case n > v.cfg.MaxSafeRows:
		out.warn(fmt.Sprintf("Query returns a very large number of rows: %d (more than %d); consider adding more filters", n, v.cfg.MaxSafeRows))
	case n > v.cfg.WarningThreshold:
		out.warn(fmt.Sprintf("Query returns a large number of rows: %d", n))
	}
}

func (v *Validator) record(out *Outcome) {
	outcome := "valid"
	switch {
	case len(out.Issues) > 0 && out.Issues[0] == IssueDangerous:
		outcome = "dangerous"
	case len(out.Issues) > 0:
		outcome = "invalid"
	}
	observability.RecordValidationOutcome(outcome)
	v.logger.Debug("validation_completed",
		"valid", out.IsValid,
		"issues", len(out.Issues),
		"warnings", len(out.Warnings),
		"row_count", out.RowCount,
	)
}

// DangerousWords returns the mutating keywords found as bare words in tokens,
// upper-cased, in order of appearance.
func DangerousWords(tokens []query.Token) []string {
	var found []string
	for _, t := range tokens {
		if t.Kind != query.TokenWord {
			continue
		}
		if w := strings.ToUpper(t.Text); dangerousKeywords[w] {
			found = append(found, w)
		}
	}
	return found
}

// unlexableDangerousWords checks SQL that failed to lex: the tokens before the
// failure, then every bare word of the unscanned tail, since nothing there is
// known to be quoted.
func unlexableDangerousWords(sql string, prefix []query.Token, err error) []string {
	found := DangerousWords(prefix)
	var lexErr *query.LexError
	if !errors.As(err, &lexErr) || lexErr.Pos+1 > len(sql) {
		return found
	}
	tail := strings.FieldsFunc(sql[lexErr.Pos+1:], func(r rune) bool {
		return !(r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r))
	})
	for _, w := range tail {
		if w = strings.ToUpper(w); dangerousKeywords[w] {
			found = append(found, w)
		}
	}
	return found
}
