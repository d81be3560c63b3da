package runtime

import (
	"encoding/json"

	"github.com/jeeves-cluster-organization/segmentation/coreengine/activation"
	"github.com/jeeves-cluster-organization/segmentation/coreengine/criteria"
	"github.com/jeeves-cluster-organization/segmentation/coreengine/envelope"
	"github.com/jeeves-cluster-organization/segmentation/coreengine/intent"
	"github.com/jeeves-cluster-organization/segmentation/coreengine/mapper"
	"github.com/jeeves-cluster-organization/segmentation/coreengine/query"
	"github.com/jeeves-cluster-organization/segmentation/coreengine/validator"
)

// Outcome is the terminal state of one request.
type Outcome string

const (
	OutcomeSuccess          Outcome = "success"
	OutcomeValidationFailed Outcome = "validation_failed"
	OutcomeActivationFailed Outcome = "activation_failed"
	OutcomeError            Outcome = "error"
)

// PipelineResult is what Resolve returns for every request. Artifacts are set
// for each stage that completed; Stage names the stage that stopped the
// request when Outcome is not success.
type PipelineResult struct {
	Outcome     Outcome
	RequestID   string
	Stage       string
	Explanation string
	// Err is the cause of an OutcomeError.
	Err error

	Input      string
	Intent     *intent.Result
	Criteria   *criteria.Criteria
	Mapping    *mapper.FieldMapping
	Query      *query.Artifact
	Validation *validator.Outcome
	Activation *activation.Record

	History    []envelope.ProcessingRecord
	DurationMS int
}

// SegmentID returns the activated segment id, or "".
func (r *PipelineResult) SegmentID() string {
	if r.Activation == nil {
		return ""
	}
	return r.Activation.SegmentID
}

// MarshalJSON renders the response document with a status tag. Keys follow
// the shape callers of the service already consume.
func (r *PipelineResult) MarshalJSON() ([]byte, error) {
	doc := map[string]any{
		"status":             r.Outcome,
		"request_id":         r.RequestID,
		"explanation":        r.Explanation,
		"processing_history": r.History,
		"duration_ms":        r.DurationMS,
	}
	if r.Query != nil {
		doc["generated_query"] = r.Query.SQL
		doc["estimated_rows"] = r.Query.EstimatedRows
	}

	switch r.Outcome {
	case OutcomeSuccess, OutcomeActivationFailed:
		if a := r.Activation; a != nil {
			doc["segment_id"] = a.SegmentID
			doc["segment_name"] = a.Name
			doc["customer_count"] = a.CustomerCount
			doc["downstream_systems"] = a.DownstreamSystems
			if r.Outcome == OutcomeActivationFailed {
				doc["issues"] = a.Issues
			}
		}
		if v := r.Validation; v != nil {
			doc["validation_sample"] = v.SampleData
		}
	case OutcomeValidationFailed:
		if v := r.Validation; v != nil {
			doc["issues"] = v.Issues
			doc["warnings"] = v.Warnings
			doc["sample_data"] = v.SampleData
		}
	case OutcomeError:
		if r.Err != nil {
			doc["error"] = r.Err.Error()
		}
		doc["failed_stage"] = r.Stage
		doc["query"] = r.Input
	}

	steps := map[string]any{}
	if r.Intent != nil {
		steps["intent_parsing"] = r.Intent
	} else if r.Criteria != nil {
		steps["criteria"] = r.Criteria
	}
	if r.Mapping != nil {
		steps["data_mapping"] = r.Mapping
	}
	if r.Query != nil {
		steps["query_generation"] = r.Query
	}
	if r.Validation != nil {
		steps["validation"] = r.Validation
	}
	if r.Activation != nil {
		steps["activation"] = r.Activation
	}
	doc["processing_steps"] = steps

	return json.Marshal(doc)
}
