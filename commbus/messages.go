package commbus

import "time"

// =============================================================================
// MESSAGE CATEGORIES
// =============================================================================

// MessageCategory is the routing category of a message.
type MessageCategory string

const (
	MessageCategoryEvent   MessageCategory = "event"
	MessageCategoryQuery   MessageCategory = "query"
	MessageCategoryCommand MessageCategory = "command"
)

// =============================================================================
// PIPELINE LIFECYCLE EVENTS
// =============================================================================

// PipelineStarted is emitted when a resolution request enters the pipeline.
type PipelineStarted struct {
	RequestID string `json:"request_id"`
	// Input is "text" or "criteria".
	Input       string    `json:"input"`
	SegmentName string    `json:"segment_name,omitempty"`
	StartedAt   time.Time `json:"started_at"`
}

func (m *PipelineStarted) Category() string { return string(MessageCategoryEvent) }

// StageCompleted is emitted after every pipeline stage, successful or not.
type StageCompleted struct {
	RequestID  string  `json:"request_id"`
	Stage      string  `json:"stage"`
	Status     string  `json:"status"` // "success", "error", "timeout"
	DurationMS int     `json:"duration_ms"`
	Error      *string `json:"error,omitempty"`
}

func (m *StageCompleted) Category() string { return string(MessageCategoryEvent) }

// PipelineCompleted is emitted once per request with the final status tag.
type PipelineCompleted struct {
	RequestID  string `json:"request_id"`
	Status     string `json:"status"`
	SegmentID  string `json:"segment_id,omitempty"`
	DurationMS int    `json:"duration_ms"`
}

func (m *PipelineCompleted) Category() string { return string(MessageCategoryEvent) }

// =============================================================================
// SEGMENT EVENTS
// =============================================================================

// SegmentActivated is emitted after a segment has been registered. Downstream
// notification subscribers hang off this event.
type SegmentActivated struct {
	SegmentID         string    `json:"segment_id"`
	Name              string    `json:"name"`
	CustomerCount     int       `json:"customer_count"`
	DownstreamSystems []string  `json:"downstream_systems"`
	CreatedAt         time.Time `json:"created_at"`
}

func (m *SegmentActivated) Category() string { return string(MessageCategoryEvent) }

// =============================================================================
// QUERIES AND COMMANDS
// =============================================================================

// GetSegment looks up a registered segment by id.
type GetSegment struct {
	SegmentID string `json:"segment_id"`
}

func (m *GetSegment) Category() string { return string(MessageCategoryQuery) }
func (m *GetSegment) IsQuery()         {}

// InvalidateSchema tells the store to drop its cached schema profile.
type InvalidateSchema struct {
	Reason string `json:"reason,omitempty"`
}

func (m *InvalidateSchema) Category() string { return string(MessageCategoryCommand) }

// =============================================================================
// MESSAGE TYPE RESOLUTION
// =============================================================================

// TypedMessage lets a message name its own routing type.
type TypedMessage interface {
	Message
	MessageType() string
}

// GetMessageType returns the routing name of a message.
func GetMessageType(msg Message) string {
	if typed, ok := msg.(TypedMessage); ok {
		return typed.MessageType()
	}

	switch msg.(type) {
	case *PipelineStarted:
		return "PipelineStarted"
	case *StageCompleted:
		return "StageCompleted"
	case *PipelineCompleted:
		return "PipelineCompleted"
	case *SegmentActivated:
		return "SegmentActivated"
	case *GetSegment:
		return "GetSegment"
	case *InvalidateSchema:
		return "InvalidateSchema"
	default:
		return "Unknown"
	}
}
