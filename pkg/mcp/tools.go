package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rendis/pagerun/internal/store"
	"github.com/rendis/pagerun/pkg/schema"
)

// handleBatchRun validates every graph in the spec and submits the batch.
func (s *PageRunServer) handleBatchRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	specRaw := mcp.ParseStringMap(req, "spec", nil)
	if specRaw == nil {
		return mcp.NewToolResultError("spec is required"), nil
	}

	specBytes, err := json.Marshal(specRaw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid spec: %v", err)), nil
	}
	var spec schema.BatchSpec
	if err := json.Unmarshal(specBytes, &spec); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid spec: %v", err)), nil
	}

	if s.validator != nil {
		for i, entry := range spec.Workflows {
			if result := s.validator.Validate(entry.Graph); !result.Valid() {
				return mcp.NewToolResultError(fmt.Sprintf(
					"workflow %d is invalid: %v", i, result.ToError())), nil
			}
		}
	}

	batchID, err := s.runner.ExecuteBatch(ctx, &spec)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("batch submission failed: %v", err)), nil
	}

	s.logger.InfoContext(ctx, "batch submitted via mcp", "batch_id", batchID)
	return marshalResult(map[string]any{
		"batch_id":  batchID,
		"workflows": len(spec.Workflows),
	})
}

// handleBatchStatus returns one batch snapshot or all tracked batches.
func (s *PageRunServer) handleBatchStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	batchID := req.GetString("batch_id", "")
	if batchID == "" {
		return marshalResult(map[string]any{"batches": s.runner.ListBatches()})
	}

	snap, err := s.runner.BatchStatus(ctx, batchID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", err)), nil
	}
	return marshalResult(snap)
}

// handleBatchStop cancels one batch.
func (s *PageRunServer) handleBatchStop(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	batchID, err := req.RequireString("batch_id")
	if err != nil {
		return mcp.NewToolResultError("batch_id is required"), nil
	}

	if err := s.runner.StopBatch(ctx, batchID); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("stop failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"ok": true, "batch_id": batchID})
}

// handleStopAll cancels every non-terminal batch.
func (s *PageRunServer) handleStopAll(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s.runner.StopAll(ctx)
	return marshalResult(map[string]any{"ok": true})
}

// handleBatchHistory serves persisted batch records.
func (s *PageRunServer) handleBatchHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.store == nil {
		return mcp.NewToolResultError("history store is not configured"), nil
	}

	if batchID := req.GetString("batch_id", ""); batchID != "" {
		rec, err := s.store.GetBatchHistory(ctx, batchID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("history lookup failed: %v", err)), nil
		}
		return marshalResult(rec)
	}

	filter := store.HistoryFilter{
		Status: schema.BatchStatus(req.GetString("status", "")),
		Limit:  req.GetInt("limit", 50),
		Offset: req.GetInt("offset", 0),
	}
	records, err := s.store.ListBatchHistory(ctx, filter)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("history query failed: %v", err)), nil
	}
	total, err := s.store.CountBatchHistory(ctx, filter.Status)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("history count failed: %v", err)), nil
	}
	return marshalResult(map[string]any{
		"batches": records,
		"total":   total,
	})
}

// handleClearHistory wipes persisted batch history.
func (s *PageRunServer) handleClearHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.store == nil {
		return mcp.NewToolResultError("history store is not configured"), nil
	}
	if err := s.store.ClearBatchHistory(ctx); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("clear failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"ok": true})
}

// handleScan discovers workflow files in a folder.
func (s *PageRunServer) handleScan(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError("path is required"), nil
	}
	if s.scanner == nil {
		return mcp.NewToolResultError("scanner is not configured"), nil
	}

	recursive := req.GetBool("recursive", false)
	pattern := req.GetString("pattern", "")

	files, err := s.scanner(path, recursive, pattern)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("scan failed: %v", err)), nil
	}
	return marshalResult(map[string]any{
		"files": files,
		"count": len(files),
	})
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
