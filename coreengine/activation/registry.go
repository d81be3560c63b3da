// Package activation turns a validated segment query into a registered
// segment and announces it to downstream systems.
package activation

import (
	"encoding/hex"
	"errors"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jeeves-cluster-organization/segmentation/coreengine/observability"
	"github.com/jeeves-cluster-organization/segmentation/coreengine/store"
)

// maxIDAttempts bounds id regeneration on collision.
const maxIDAttempts = 32

var (
	// ErrSegmentNotFound is returned for unknown segment ids.
	ErrSegmentNotFound = errors.New("segment not found")
	// ErrIDSpaceExhausted means no free id was found within maxIDAttempts draws.
	ErrIDSpaceExhausted = errors.New("could not allocate a unique segment id")
)

// Segment is a registered activation. Segments are never mutated or evicted.
type Segment struct {
	ID            string      `json:"segment_id"`
	Name          string      `json:"name"`
	Query         string      `json:"query"`
	CustomerCount int         `json:"customer_count"`
	Results       []store.Row `json:"results,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
}

// NewSegmentID returns 8 uppercase hex characters drawn from a random UUID.
func NewSegmentID() string {
	u := uuid.New()
	return strings.ToUpper(hex.EncodeToString(u[:4]))
}

// Registry is the process-wide segment store. It is safe for concurrent use;
// id allocation and insertion happen under one lock so concurrent
// activations can never claim the same id.
type Registry struct {
	mu       sync.RWMutex
	segments map[string]Segment
	newID    func() string
}

// NewRegistry creates an empty registry using NewSegmentID.
func NewRegistry() *Registry {
	return &Registry{segments: make(map[string]Segment), newID: NewSegmentID}
}

// WithIDSource replaces the id generator; used by tests to force collisions.
func (r *Registry) WithIDSource(fn func() string) *Registry {
	r.mu.Lock()
	r.newID = fn
	r.mu.Unlock()
	return r
}

// Register stores seg under a freshly allocated id and returns the stored
// copy. An empty seg.Name becomes "Segment_<id>".
func (r *Registry) Register(seg Segment) (Segment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := ""
	for i := 0; i < maxIDAttempts; i++ {
		candidate := r.newID()
		if _, taken := r.segments[candidate]; !taken {
			id = candidate
			break
		}
	}
	if id == "" {
		return Segment{}, ErrIDSpaceExhausted
	}

	seg.ID = id
	if seg.Name == "" {
		seg.Name = "Segment_" + id
	}
	seg = copySegment(seg)
	r.segments[id] = seg
	observability.SetRegistrySize(len(r.segments))
	return copySegment(seg), nil
}

// Get returns the segment registered under id.
func (r *Registry) Get(id string) (Segment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seg, ok := r.segments[id]
	if !ok {
		return Segment{}, ErrSegmentNotFound
	}
	return copySegment(seg), nil
}

// Len returns the number of registered segments.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.segments)
}

// IDs returns all registered ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.segments))
	for id := range r.segments {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// copySegment detaches the results and every row so callers cannot alter
// the stored segment.
func copySegment(s Segment) Segment {
	if s.Results == nil {
		return s
	}
	rows := make([]store.Row, len(s.Results))
	for i, row := range s.Results {
		rows[i] = maps.Clone(row)
	}
	s.Results = rows
	return s
}
