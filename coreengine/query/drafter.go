package query

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jeeves-cluster-organization/segmentation/coreengine/agents"
	"github.com/jeeves-cluster-organization/segmentation/coreengine/criteria"
	"github.com/jeeves-cluster-organization/segmentation/coreengine/mapper"
	"github.com/jeeves-cluster-organization/segmentation/coreengine/store"
)

// LLMDrafter asks a language model for the segment query.
type LLMDrafter struct {
	llm         agents.LLMProvider
	store       store.Store
	model       string
	temperature float64
	maxTokens   int
}

// DrafterConfig configures an LLMDrafter.
type DrafterConfig struct {
	Model       string
	Temperature float64
	MaxTokens   int
}

// NewLLMDrafter creates a drafter. st supplies column types for the prompt
// and may be nil.
func NewLLMDrafter(llm agents.LLMProvider, st store.Store, cfg DrafterConfig) *LLMDrafter {
	return &LLMDrafter{
		llm:         llm,
		store:       st,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
	}
}

// Draft implements Drafter.
func (d *LLMDrafter) Draft(ctx context.Context, c *criteria.Criteria, m *mapper.FieldMapping) (string, error) {
	if d.llm == nil {
		return "", fmt.Errorf("no LLM provider configured")
	}
	prompt, err := d.prompt(ctx, c, m)
	if err != nil {
		return "", err
	}
	return d.llm.Generate(ctx, d.model, prompt, map[string]any{
		agents.OptionTemperature: d.temperature,
		agents.OptionMaxTokens:   d.maxTokens,
	})
}

func (d *LLMDrafter) prompt(ctx context.Context, c *criteria.Criteria, m *mapper.FieldMapping) (string, error) {
	criteriaJSON, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("encode criteria: %w", err)
	}
	mappingJSON, err := json.Marshal(m.FieldMappings)
	if err != nil {
		return "", fmt.Errorf("encode field mappings: %w", err)
	}

	var columns strings.Builder
	if d.store != nil {
		if schema, err := d.store.Schema(ctx); err == nil {
			for _, col := range schema.Columns {
				fmt.Fprintf(&columns, "- %s: %s\n", col.Name, col.Type)
			}
		}
	}
	if columns.Len() == 0 {
		columns.WriteString("- (unavailable)\n")
	}

	table := m.Table()
	return fmt.Sprintf(`Generate an optimized SQL query for the following segment criteria:

Criteria: %s
Field Mappings: %s

Database Schema:
Table: %s
Columns:
%s
Rules:
1. Use exact column names from the schema
2. Optimize for performance
3. Handle data types correctly (strings need quotes, numbers don't)
4. Return only the SQL query, no explanations
5. Use WHERE clause with proper conditions
6. Select all columns: SELECT *

Example:
Input: field "age" > 30 AND field "housing" = "yes"
Output: SELECT * FROM %s WHERE age > 30 AND housing = 'yes'
`, criteriaJSON, mappingJSON, table, columns.String(), table), nil
}
