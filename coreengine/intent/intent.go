// Package intent turns a plain-language segment description into criteria.
//
// Natural-language understanding itself is delegated to an LLMProvider; this
// package builds the prompt, extracts the JSON answer and checks it against
// the criteria model.
package intent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jeeves-cluster-organization/segmentation/coreengine/agents"
	"github.com/jeeves-cluster-organization/segmentation/coreengine/criteria"
	"github.com/jeeves-cluster-organization/segmentation/coreengine/store"
)

// DefaultConfidence is reported for every successful parse.
const DefaultConfidence = 0.9

// AmbiguousTerms are marketing words with no fixed meaning in the dataset.
var AmbiguousTerms = []string{"premium", "active", "loyal", "high value", "regular"}

// Parser turns text into criteria.
type Parser interface {
	Parse(ctx context.Context, text string) (*Result, error)
}

// Result is a successful parse.
type Result struct {
	Criteria       *criteria.Criteria `json:"parsed_criteria"`
	Confidence     float64            `json:"confidence"`
	AmbiguousTerms []string           `json:"ambiguous_terms"`
}

// ParsingError means the text could not be turned into criteria.
type ParsingError struct {
	Cause error
}

func (e *ParsingError) Error() string {
	return "Intent parsing failed: " + e.Cause.Error()
}

func (e *ParsingError) Unwrap() error {
	return e.Cause
}

// Column documents one dataset column for the prompt.
type Column struct {
	Name        string
	Description string
}

// BankColumns documents the bank marketing dataset.
var BankColumns = []Column{
	{"age", "Customer age"},
	{"job", "Type of job"},
	{"marital", "Marital status"},
	{"education", "Education level"},
	{"default", "Has credit in default?"},
	{"balance", "Average yearly balance"},
	{"housing", "Has housing loan?"},
	{"loan", "Has personal loan?"},
	{"contact", "Contact communication type"},
	{"day", "Last contact day of the month"},
	{"month", "Last contact month"},
	{"duration", "Last contact duration in seconds"},
	{"campaign", "Number of contacts performed during this campaign"},
	{"pdays", "Number of days since previous contact"},
	{"previous", "Number of contacts performed before this campaign"},
	{"poutcome", "Outcome of previous marketing campaign"},
	{"y", "Has the customer subscribed to a term deposit?"},
}

// Config configures an LLMParser.
type Config struct {
	Model       string
	Temperature float64
	MaxTokens   int
	// Columns documents the dataset; BankColumns when empty.
	Columns []Column
}

// LLMParser is a Parser backed by a language model.
type LLMParser struct {
	llm    agents.LLMProvider
	store  store.Store
	cfg    Config
	logger agents.Logger
}

// NewLLMParser creates an LLMParser. When st is non-nil the prompt lists the
// live schema columns instead of the static catalogue.
func NewLLMParser(llm agents.LLMProvider, st store.Store, cfg Config, logger agents.Logger) *LLMParser {
	if len(cfg.Columns) == 0 {
		cfg.Columns = BankColumns
	}
	return &LLMParser{
		llm:    llm,
		store:  st,
		cfg:    cfg,
		logger: agents.OrNop(logger).Bind("component", "intent_parser"),
	}
}

// Parse asks the model for criteria describing text.
func (p *LLMParser) Parse(ctx context.Context, text string) (*Result, error) {
	if strings.TrimSpace(text) == "" {
		return nil, &ParsingError{Cause: errors.New("request text is empty")}
	}
	if p.llm == nil {
		return nil, &ParsingError{Cause: errors.New("no language model configured")}
	}

	prompt := p.buildPrompt(ctx, text)
	response, err := p.llm.Generate(ctx, p.cfg.Model, prompt, map[string]any{
		agents.OptionTemperature: p.cfg.Temperature,
		agents.OptionMaxTokens:   p.cfg.MaxTokens,
	})
	if err != nil {
		return nil, &ParsingError{Cause: err}
	}

	doc, err := agents.ExtractJSONObject(response)
	if err != nil {
		p.logger.Warn("intent_unparsable", "response", agents.Truncate(response, 200))
		return nil, &ParsingError{Cause: err}
	}
	c, err := criteria.FromMap(doc)
	if err != nil {
		return nil, &ParsingError{Cause: err}
	}

	res := &Result{
		Criteria:       c,
		Confidence:     DefaultConfidence,
		AmbiguousTerms: FindAmbiguousTerms(text),
	}
	p.logger.Debug("intent_parsed",
		"conditions", c.Len(),
		"ambiguous_terms", len(res.AmbiguousTerms),
	)
	return res, nil
}

func (p *LLMParser) buildPrompt(ctx context.Context, text string) string {
	var b strings.Builder
	b.WriteString("Parse the following marketing segment query into structured criteria:\n")
	fmt.Fprintf(&b, "Query: %q\n\n", text)
	b.WriteString("The dataset contains customer information with these columns:\n")
	for _, col := range p.columns(ctx) {
		if col.Description != "" {
			fmt.Fprintf(&b, "- %s: %s\n", col.Name, col.Description)
		} else {
			fmt.Fprintf(&b, "- %s\n", col.Name)
		}
	}
	b.WriteString(`
Return JSON with:
- conditions: list of conditions with field, operator, value
- logical_operators: list of operators connecting conditions (usually ["AND"])

Example output for "Customers with housing loan and balance over 1000":
{
  "conditions": [
    {"field": "housing", "operator": "=", "value": "yes"},
    {"field": "balance", "operator": ">", "value": 1000}
  ],
  "logical_operators": ["AND"]
}
`)
	return b.String()
}

// columns prefers the live schema, keeping known descriptions.
func (p *LLMParser) columns(ctx context.Context) []Column {
	if p.store == nil {
		return p.cfg.Columns
	}
	schema, err := p.store.Schema(ctx)
	if err != nil || len(schema.Columns) == 0 {
		return p.cfg.Columns
	}
	docs := make(map[string]string, len(p.cfg.Columns))
	for _, c := range p.cfg.Columns {
		docs[c.Name] = c.Description
	}
	out := make([]Column, 0, len(schema.Columns))
	for _, c := range schema.Columns {
		out = append(out, Column{Name: c.Name, Description: docs[c.Name]})
	}
	return out
}

// FindAmbiguousTerms returns the AmbiguousTerms occurring in text, in list
// order. Matching is a case-insensitive substring test.
func FindAmbiguousTerms(text string) []string {
	lower := strings.ToLower(text)
	found := []string{}
	for _, term := range AmbiguousTerms {
		if strings.Contains(lower, term) {
			found = append(found, term)
		}
	}
	return found
}
