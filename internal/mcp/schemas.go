package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"
)

// Tool names
const (
	ToolSearchProducts = "search_products"
	ToolTriggerSync    = "trigger_sync"
	ToolGetStatus      = "get_status"
)

// searchProductsTool returns the tool definition for search_products
func searchProductsTool(maxLimit int) mcp.Tool {
	return mcp.Tool{
		Name:        ToolSearchProducts,
		Description: "Search the product catalog by name, typo or transliteration. Returns ranked products with price and stock status.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"query": map[string]interface{}{
					"type":        "string",
					"description": "What the customer is looking for (Latin or Cyrillic)",
				},
				"limit": map[string]interface{}{
					"type":        "integer",
					"description": "Maximum number of products to return",
					"minimum":     1,
					"maximum":     maxLimit,
				},
				"threshold": map[string]interface{}{
					"type":        "number",
					"description": "Minimum combined relevance score (0.0-1.0)",
					"minimum":     0.0,
					"maximum":     1.0,
				},
				"include_inactive": map[string]interface{}{
					"type":        "boolean",
					"description": "If true, include products no longer listed upstream",
					"default":     false,
				},
			},
			Required: []string{"query"},
		},
	}
}

// triggerSyncTool returns the tool definition for trigger_sync
func triggerSyncTool() mcp.Tool {
	return mcp.Tool{
		Name:        ToolTriggerSync,
		Description: "Pull the latest catalog from the upstream business system. Reports already_running if a sync is in progress.",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{},
		},
	}
}

// getStatusTool returns the tool definition for get_status
func getStatusTool() mcp.Tool {
	return mcp.Tool{
		Name:        ToolGetStatus,
		Description: "Report catalog size, embedding coverage, last sync and scheduler state",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{},
		},
	}
}
