// Package mcp implements the Model Context Protocol (MCP) server for the
// product catalog.
//
// The server exposes three tools to the chat assistant and to operators:
//   - search_products: hybrid product search with price and stock status
//   - trigger_sync: pull the latest catalog from the upstream system
//   - get_status: catalog size, embedding coverage and last sync
//
// # Protocol Overview
//
// MCP is a JSON-RPC 2.0 protocol over stdio transport:
//
//	Client → Server: {"method": "tools/call", "params": {...}}
//	Server → Client: {"result": {...}}
//
// Logs go to stderr; stdout carries only protocol messages.
//
// # Tool: search_products
//
//	Request:
//	{
//	  "name": "search_products",
//	  "arguments": {
//	    "query": "парацетамол 500",
//	    "limit": 5,
//	    "threshold": 0.3
//	  }
//	}
//
//	Response:
//	{
//	  "query": "парацетамол 500",
//	  "total": 2,
//	  "degraded": false,
//	  "used_vector_search": true,
//	  "used_lexical_search": true,
//	  "threshold_applied": 0.3,
//	  "products": [
//	    {
//	      "rank": 1,
//	      "id": "10234",
//	      "name": "Paracetamol 500mg",
//	      "price": "2,500₮",
//	      "available": 120,
//	      "stock_status": "IN_STOCK",
//	      "stock_label": "In stock",
//	      "score": "0.842",
//	      "matched_by": "both"
//	    }
//	  ]
//	}
//
// limit and threshold default to SEARCH_DEFAULT_LIMIT and
// SEARCH_DEFAULT_THRESHOLD. A response with "degraded": true was served
// from lexical matching alone, usually because the embedding provider was
// unreachable.
//
// # Tool: trigger_sync
//
// Runs one sync cycle and returns its summary. While another sync runs, the
// call returns {"already_running": true} without doing anything.
//
// # Error Handling
//
// Errors are returned with MCP error codes:
//   - -32602: Invalid parameters (limit or threshold out of range)
//   - -32603: Internal error
//   - -32001: Catalog store unavailable for both search signals
//   - -32002: Upstream catalog unavailable, sync aborted
//   - -32003: No upstream endpoint configured
//   - -32004: Empty query
//   - -32005: Embedding dimension does not match the stored catalog
package mcp
