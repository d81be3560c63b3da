package envelope

import (
	"time"

	"github.com/google/uuid"
)

// ProcessingRecord is the history entry of one stage execution.
type ProcessingRecord struct {
	Stage       string      `json:"stage"`
	StageOrder  int         `json:"stage_order"`
	StartedAt   time.Time   `json:"started_at"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
	DurationMS  int         `json:"duration_ms"`
	Status      StageStatus `json:"status"`
	Error       *string     `json:"error,omitempty"`
}

// Envelope is the state of a single resolution request. It is owned by the
// orchestrator goroutine and is not safe for concurrent use.
type Envelope struct {
	RequestID   string    `json:"request_id"`
	RawInput    string    `json:"raw_input,omitempty"`
	SegmentName string    `json:"segment_name,omitempty"`
	ReceivedAt  time.Time `json:"received_at"`

	CurrentStage string            `json:"current_stage"`
	StageOrder   []string          `json:"stage_order"`
	FailedStages map[string]string `json:"failed_stages,omitempty"`

	ProcessingHistory []ProcessingRecord `json:"processing_history"`

	Terminated     bool            `json:"terminated"`
	TerminalReason *TerminalReason `json:"terminal_reason,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`

	now func() time.Time
}

// New creates an envelope for rawInput with a fresh request id. stages is the
// planned stage order.
func New(rawInput string, stages []string) *Envelope {
	e := &Envelope{
		RequestID:         "req_" + uuid.NewString()[:16],
		RawInput:          rawInput,
		CurrentStage:      "start",
		StageOrder:        append([]string(nil), stages...),
		FailedStages:      make(map[string]string),
		ProcessingHistory: []ProcessingRecord{},
		Metadata:          make(map[string]any),
		now:               func() time.Time { return time.Now().UTC() },
	}
	e.ReceivedAt = e.now()
	return e
}

// WithClock replaces the time source; used by tests.
func (e *Envelope) WithClock(now func() time.Time) *Envelope {
	e.now = now
	e.ReceivedAt = now()
	return e
}

// =============================================================================
// Processing History
// =============================================================================

// RecordStageStart appends a running record for stage and makes it current.
func (e *Envelope) RecordStageStart(stage string) {
	e.CurrentStage = stage
	e.ProcessingHistory = append(e.ProcessingHistory, ProcessingRecord{
		Stage:      stage,
		StageOrder: e.stageIndex(stage),
		StartedAt:  e.now(),
		Status:     StageStatusRunning,
	})
}

// RecordStageComplete closes the most recent running record of stage. A
// non-nil err marks the stage failed.
func (e *Envelope) RecordStageComplete(stage string, status StageStatus, err error) {
	for i := len(e.ProcessingHistory) - 1; i >= 0; i-- {
		rec := &e.ProcessingHistory[i]
		if rec.Stage != stage || rec.Status != StageStatusRunning {
			continue
		}
		done := e.now()
		rec.CompletedAt = &done
		rec.DurationMS = int(done.Sub(rec.StartedAt).Milliseconds())
		rec.Status = status
		if err != nil {
			msg := err.Error()
			rec.Error = &msg
			e.FailedStages[stage] = msg
		}
		return
	}
}

// Record returns the latest record of stage.
func (e *Envelope) Record(stage string) (ProcessingRecord, bool) {
	for i := len(e.ProcessingHistory) - 1; i >= 0; i-- {
		if e.ProcessingHistory[i].Stage == stage {
			return e.ProcessingHistory[i], true
		}
	}
	return ProcessingRecord{}, false
}

// CompletedStages lists stages that finished successfully, in execution order.
func (e *Envelope) CompletedStages() []string {
	var out []string
	for _, rec := range e.ProcessingHistory {
		if rec.Status == StageStatusSuccess {
			out = append(out, rec.Stage)
		}
	}
	return out
}

// HasFailures reports whether any stage failed.
func (e *Envelope) HasFailures() bool {
	return len(e.FailedStages) > 0
}

// =============================================================================
// Control Flow
// =============================================================================

// Terminate stops the request with reason. Only the first call counts.
func (e *Envelope) Terminate(reason TerminalReason) {
	if e.Terminated {
		return
	}
	done := e.now()
	e.Terminated = true
	e.TerminalReason = &reason
	e.CompletedAt = &done
	e.CurrentStage = "end"
}

// ElapsedMS returns the time since the request was received, or its total
// duration once terminated.
func (e *Envelope) ElapsedMS() int {
	end := e.now()
	if e.CompletedAt != nil {
		end = *e.CompletedAt
	}
	return int(end.Sub(e.ReceivedAt).Milliseconds())
}

func (e *Envelope) stageIndex(stage string) int {
	for i, s := range e.StageOrder {
		if s == stage {
			return i + 1
		}
	}
	return 0
}
