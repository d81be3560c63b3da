package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/jeeves-cluster-organization/segmentation/commbus"
	"github.com/jeeves-cluster-organization/segmentation/coreengine/criteria"
	"github.com/jeeves-cluster-organization/segmentation/coreengine/runtime"
)

// Session operations, one JSON object per input line.
const (
	opResolve          = "resolve"
	opGetSegment       = "get_segment"
	opGetSchema        = "get_schema"
	opLoadCSV          = "load_csv"
	opInvalidateSchema = "invalidate_schema"
)

const maxLineBytes = 1 << 20

// request is one line of a session. Op defaults to resolve.
type request struct {
	Op          string             `json:"op"`
	Text        string             `json:"text,omitempty"`
	Criteria    *criteria.Criteria `json:"criteria,omitempty"`
	SegmentName string             `json:"segment_name,omitempty"`
	SegmentID   string             `json:"segment_id,omitempty"`
	Path        string             `json:"path,omitempty"`
}

type errorResponse struct {
	Status string `json:"status"`
	Op     string `json:"op,omitempty"`
	Error  string `json:"error"`
}

// serve answers newline-delimited requests from in until EOF or ctx ends.
func (a *app) serve(ctx context.Context, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	enc := json.NewEncoder(out)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := enc.Encode(a.handleLine(ctx, line)); err != nil {
			return fmt.Errorf("write response: %w", err)
		}
	}
	return scanner.Err()
}

func (a *app) handleLine(ctx context.Context, line string) any {
	var req request
	if err := json.Unmarshal([]byte(line), &req); err != nil {
		return errorResponse{Status: "error", Error: "invalid request: " + err.Error()}
	}
	if req.Op == "" {
		req.Op = opResolve
	}
	resp, err := a.handle(ctx, req)
	if err != nil {
		a.logger.Warn("session_request_failed", "op", req.Op, "error", err.Error())
		return errorResponse{Status: "error", Op: req.Op, Error: err.Error()}
	}
	return resp
}

func (a *app) handle(ctx context.Context, req request) (any, error) {
	switch req.Op {
	case opResolve:
		return a.orchestrator.Resolve(ctx, runtime.Request{
			Text:        req.Text,
			Criteria:    req.Criteria,
			SegmentName: req.SegmentName,
		}), nil
	case opGetSegment:
		return a.bus.QuerySync(ctx, &commbus.GetSegment{SegmentID: req.SegmentID})
	case opGetSchema:
		return a.orchestrator.GetSchema(ctx)
	case opLoadCSV:
		if req.Path == "" {
			return nil, fmt.Errorf("path is required")
		}
		n, err := a.reloadCSV(ctx, req.Path)
		if err != nil {
			return nil, err
		}
		return map[string]any{"status": "success", "rows": n, "table": a.store.Table()}, nil
	case opInvalidateSchema:
		if err := a.bus.Send(ctx, &commbus.InvalidateSchema{Reason: "requested"}); err != nil {
			return nil, err
		}
		return map[string]any{"status": "success"}, nil
	default:
		return nil, fmt.Errorf("unknown op %q", req.Op)
	}
}
