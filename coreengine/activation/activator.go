package activation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jeeves-cluster-organization/segmentation/commbus"
	"github.com/jeeves-cluster-organization/segmentation/coreengine/agents"
	"github.com/jeeves-cluster-organization/segmentation/coreengine/observability"
	"github.com/jeeves-cluster-organization/segmentation/coreengine/store"
)

// DefaultDownstreamSystems is the simulated manifest of marketing systems a
// segment is pushed to, in notification order.
var DefaultDownstreamSystems = []string{
	"CRM_System",
	"Email_Marketing_Platform",
	"Ad_Platform",
	"Analytics_Dashboard",
}

// ErrEmptyResult means the final query matched no customers.
var ErrEmptyResult = errors.New("query returned no customers; segment would be empty")

// Record is the outcome of one activation attempt.
type Record struct {
	Success           bool       `json:"success"`
	SegmentID         string     `json:"segment_id,omitempty"`
	Name              string     `json:"name,omitempty"`
	Query             string     `json:"query"`
	CustomerCount     int        `json:"customer_count"`
	DownstreamSystems []string   `json:"downstream_systems"`
	Issues            []string   `json:"issues"`
	ProcessingTimeMS  int        `json:"processing_time_ms"`
	CreatedAt         *time.Time `json:"created_at,omitempty"`
}

// Config configures an Activator.
type Config struct {
	// DownstreamSystems overrides DefaultDownstreamSystems when non-empty.
	DownstreamSystems []string
}

// Activator executes validated queries and registers the resulting segments.
type Activator struct {
	store      store.Store
	registry   *Registry
	bus        commbus.Bus
	downstream []string
	logger     agents.Logger
	now        func() time.Time
}

// NewActivator creates an Activator. bus may be nil, in which case no
// SegmentActivated events are published.
func NewActivator(cfg Config, st store.Store, registry *Registry, bus commbus.Bus, logger agents.Logger) *Activator {
	downstream := DefaultDownstreamSystems
	if len(cfg.DownstreamSystems) > 0 {
		downstream = cfg.DownstreamSystems
	}
	if registry == nil {
		registry = NewRegistry()
	}
	return &Activator{
		store:      st,
		registry:   registry,
		bus:        bus,
		downstream: append([]string(nil), downstream...),
		logger:     agents.OrNop(logger).Bind("component", "activator"),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Registry returns the registry segments are recorded in.
func (a *Activator) Registry() *Registry { return a.registry }

// DownstreamSystems returns a copy of the notification manifest.
func (a *Activator) DownstreamSystems() []string {
	return append([]string(nil), a.downstream...)
}

// Activate runs sql and registers the segment. It never returns an error;
// failures are reported on the record with Success=false.
func (a *Activator) Activate(ctx context.Context, sql, name string) *Record {
	start := time.Now()
	rec := &Record{Query: sql, DownstreamSystems: []string{}, Issues: []string{}}
	defer func() {
		rec.ProcessingTimeMS = int(time.Since(start).Milliseconds())
	}()

	seg, err := a.activate(ctx, sql, name)
	if err != nil {
		a.logger.Warn("activation_failed", "error", err.Error())
		observability.RecordActivation("failed")
		rec.Issues = append(rec.Issues, err.Error())
		return rec
	}

	created := seg.CreatedAt
	rec.Success = true
	rec.SegmentID = seg.ID
	rec.Name = seg.Name
	rec.CustomerCount = seg.CustomerCount
	rec.DownstreamSystems = a.notify(ctx, seg)
	rec.CreatedAt = &created

	observability.RecordActivation("success")
	a.logger.Info("segment_activated",
		"segment_id", seg.ID,
		"customer_count", seg.CustomerCount,
		"downstream_systems", len(rec.DownstreamSystems),
	)
	return rec
}

func (a *Activator) activate(ctx context.Context, sql, name string) (Segment, error) {
	if a.store == nil {
		return Segment{}, fmt.Errorf("no store configured")
	}
	rows, err := a.store.Execute(ctx, sql)
	if err != nil {
		return Segment{}, err
	}
	if len(rows) == 0 {
		return Segment{}, ErrEmptyResult
	}
	return a.registry.Register(Segment{
		Name:          name,
		Query:         sql,
		CustomerCount: len(rows),
		Results:       rows,
		CreatedAt:     a.now(),
	})
}

// notify announces the segment on the bus and returns the manifest. The
// manifest is static, so the returned list never depends on subscriber
// outcomes.
func (a *Activator) notify(ctx context.Context, seg Segment) []string {
	systems := a.DownstreamSystems()
	if a.bus != nil {
		err := a.bus.Publish(ctx, &commbus.SegmentActivated{
			SegmentID:         seg.ID,
			Name:              seg.Name,
			CustomerCount:     seg.CustomerCount,
			DownstreamSystems: append([]string(nil), systems...),
			CreatedAt:         seg.CreatedAt,
		})
		if err != nil {
			a.logger.Warn("segment_event_failed", "segment_id", seg.ID, "error", err.Error())
		}
	}
	return systems
}

// RegisterHandlers answers GetSegment queries on bus from registry.
func RegisterHandlers(bus commbus.Bus, registry *Registry) error {
	return bus.RegisterHandler("GetSegment", func(ctx context.Context, msg commbus.Message) (any, error) {
		q, ok := msg.(*commbus.GetSegment)
		if !ok {
			return nil, fmt.Errorf("unexpected message %T", msg)
		}
		seg, err := registry.Get(q.SegmentID)
		if err != nil {
			return nil, err
		}
		return seg, nil
	})
}
