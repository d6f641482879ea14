package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/sanchirEs/mns-chatbot-sub001/internal/engine"
	"github.com/sanchirEs/mns-chatbot-sub001/pkg/types"
)

// MCP error codes
const (
	ErrorCodeInvalidParams     = -32602 // Invalid method parameters
	ErrorCodeInternalError     = -32603 // Internal JSON-RPC error
	ErrorCodeStoreUnavailable  = -32001 // Neither search signal could be served
	ErrorCodeSyncUnavailable   = -32002 // Upstream failed for a whole page
	ErrorCodeSyncNotConfigured = -32003 // No upstream endpoint configured
	ErrorCodeEmptyQuery        = -32004 // Query parameter is empty
	ErrorCodeDimensionMismatch = -32005 // Embedding model does not match the stored index
)

// handleSearchProducts handles the search_products tool invocation
func (s *Server) handleSearchProducts(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid arguments", nil)
	}

	query, ok := args["query"].(string)
	if !ok || strings.TrimSpace(query) == "" {
		return nil, newMCPError(ErrorCodeEmptyQuery, "query parameter is required and cannot be empty", map[string]interface{}{
			"param":  "query",
			"reason": "missing or empty",
		})
	}

	opts := s.catalog.DefaultOptions()
	opts.Limit = getIntDefault(args, "limit", opts.Limit)
	if opts.Limit < 1 || opts.Limit > s.maxLimit {
		return nil, newMCPError(ErrorCodeInvalidParams, fmt.Sprintf("limit must be between 1 and %d", s.maxLimit), map[string]interface{}{
			"param": "limit",
			"value": opts.Limit,
		})
	}
	opts.Threshold = getFloatDefault(args, "threshold", opts.Threshold)
	if math.IsNaN(opts.Threshold) || opts.Threshold < 0 || opts.Threshold > 1 {
		return nil, newMCPError(ErrorCodeInvalidParams, "threshold must be between 0 and 1", map[string]interface{}{
			"param": "threshold",
			"value": opts.Threshold,
		})
	}
	opts.IncludeInactive = getBoolDefault(args, "include_inactive", false)

	resp, err := s.catalog.Search(ctx, query, opts)
	if err != nil {
		return nil, s.toMCPError("search failed", err)
	}

	products := make([]map[string]interface{}, 0, len(resp.Products))
	for _, r := range resp.Products {
		p := map[string]interface{}{
			"rank":         r.Rank,
			"id":           r.Product.ID,
			"name":         r.Product.Name,
			"price":        r.DisplayPrice,
			"available":    r.Product.Available,
			"stock_status": r.StockStatus,
			"stock_label":  r.StockLabel,
			"score":        fmt.Sprintf("%.3f", r.Score),
			"matched_by":   r.MatchedBy,
		}
		if r.Product.Category != "" {
			p["category"] = r.Product.Category
		}
		if !r.Product.Active {
			p["active"] = false
		}
		products = append(products, p)
	}

	response := map[string]interface{}{
		"query":               resp.Query,
		"total":               resp.Total,
		"products":            products,
		"degraded":            resp.Metadata.Degraded,
		"used_vector_search":  resp.Metadata.UsedVectorSearch,
		"used_lexical_search": resp.Metadata.UsedLexicalSearch,
		"threshold_applied":   resp.Metadata.ThresholdApplied,
		"cache_hit":           resp.Metadata.CacheHit,
		"duration_ms":         resp.Duration.Milliseconds(),
	}
	if len(resp.Metadata.DegradedReasons) > 0 {
		response["degraded_reasons"] = resp.Metadata.DegradedReasons
	}

	return mcp.NewToolResultText(formatJSON(response)), nil
}

// handleTriggerSync handles the trigger_sync tool invocation
func (s *Server) handleTriggerSync(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	summary, err := s.catalog.TriggerSync(ctx)
	if err != nil {
		return nil, s.toMCPError("sync failed", err)
	}

	if summary.AlreadyRunning {
		response := map[string]interface{}{
			"already_running": true,
			"message":         "A sync is already in progress. Try again once it finishes.",
		}
		return mcp.NewToolResultText(formatJSON(response)), nil
	}

	response := map[string]interface{}{
		"run_id":            summary.RunID,
		"pages":             summary.Pages,
		"records":           summary.Records,
		"created":           summary.Created,
		"updated":           summary.Updated,
		"unchanged":         summary.Unchanged,
		"failed":            summary.Failed,
		"embedded":          summary.Embedded,
		"deactivated":       summary.Deactivated,
		"completed":         summary.Completed,
		"truncated":         summary.Truncated,
		"cache_invalidated": summary.CacheInvalidated,
		"duration_ms":       summary.Duration().Milliseconds(),
	}

	if len(summary.ErrorMessages) > 0 {
		// Include first few errors
		errorCount := len(summary.ErrorMessages)
		if errorCount > 5 {
			response["errors"] = summary.ErrorMessages[:5]
			response["error_count"] = errorCount
		} else {
			response["errors"] = summary.ErrorMessages
		}
	}

	return mcp.NewToolResultText(formatJSON(response)), nil
}

// handleGetStatus handles the get_status tool invocation
func (s *Server) handleGetStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	status, err := s.catalog.Status(ctx)
	if err != nil {
		return nil, s.toMCPError("failed to get status", err)
	}
	return mcp.NewToolResultText(formatJSON(status)), nil
}

// Helper functions

// toMCPError maps engine errors onto MCP error codes
func (s *Server) toMCPError(message string, err error) error {
	data := map[string]interface{}{"error": err.Error()}

	switch {
	case errors.Is(err, types.ErrEmptyQuery):
		return newMCPError(ErrorCodeEmptyQuery, "query has no searchable characters", data)
	case errors.Is(err, types.ErrValidation):
		return newMCPError(ErrorCodeInvalidParams, err.Error(), data)
	case errors.Is(err, types.ErrStoreUnavailable):
		s.log.Error(message, "error", err)
		return newMCPError(ErrorCodeStoreUnavailable, "catalog temporarily unavailable", data)
	case errors.Is(err, engine.ErrSyncNotConfigured):
		return newMCPError(ErrorCodeSyncNotConfigured, "upstream catalog endpoint is not configured", data)
	case errors.Is(err, types.ErrDimensionMismatch):
		s.log.Error(message, "error", err)
		return newMCPError(ErrorCodeDimensionMismatch, "embedding dimension does not match the catalog index", data)
	case errors.Is(err, types.ErrSyncUnavailable):
		return newMCPError(ErrorCodeSyncUnavailable, "upstream catalog unavailable, previously synced data is intact", data)
	default:
		s.log.Error(message, "error", err)
		return newMCPError(ErrorCodeInternalError, message, data)
	}
}

// newMCPError creates a properly formatted MCP error
func newMCPError(code int, message string, data interface{}) error {
	// MCP errors are returned as regular errors, the framework handles encoding
	return &MCPError{
		Code:    code,
		Message: message,
		Data:    data,
	}
}

// MCPError represents an MCP protocol error
type MCPError struct {
	Code    int
	Message string
	Data    interface{}
}

func (e *MCPError) Error() string {
	return fmt.Sprintf("MCP error %d: %s", e.Code, e.Message)
}

// formatJSON formats a value as indented JSON
func formatJSON(data interface{}) string {
	bytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", data)
	}
	return string(bytes)
}

// getBoolDefault extracts a boolean parameter with a default value
func getBoolDefault(args map[string]interface{}, key string, defaultValue bool) bool {
	if val, ok := args[key].(bool); ok {
		return val
	}
	return defaultValue
}

// getIntDefault extracts an integer parameter with a default value
func getIntDefault(args map[string]interface{}, key string, defaultValue int) int {
	if val, ok := args[key].(float64); ok {
		return int(val)
	}
	if val, ok := args[key].(int); ok {
		return val
	}
	return defaultValue
}

// getFloatDefault extracts a number parameter with a default value
func getFloatDefault(args map[string]interface{}, key string, defaultValue float64) float64 {
	if val, ok := args[key].(float64); ok {
		return val
	}
	if val, ok := args[key].(int); ok {
		return float64(val)
	}
	return defaultValue
}
