// Command pageengine-mcp exposes the page-lifecycle engine's control plane
// as MCP tools over stdio, so an agent harness can drive a navigation and
// read back milestones/hints without speaking the control-plane's HTTP
// shape directly.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

func main() {
	apiURL := os.Getenv("PAGEENGINE_API_URL")
	if apiURL == "" {
		apiURL = "http://127.0.0.1:8080"
	}
	apiKey := os.Getenv("PAGEENGINE_API_KEY")

	s := server.NewMCPServer(
		"pageengine",
		"1.0.0",
		server.WithToolCapabilities(false),
	)

	startNavigationTool := mcp.NewTool("start_navigation",
		mcp.WithDescription("Start a navigation to a URL and return the new epoch id. Resets the resource catalog and prefetch queue, warms the primary origin, and transitions the page to Loading."),
		mcp.WithString("url",
			mcp.Required(),
			mcp.Description("The URL to navigate to"),
		),
		mcp.WithString("kind",
			mcp.Description("Navigation kind: 'navigate' (default), 'reload', or 'back_forward'"),
			mcp.Enum("navigate", "reload", "back_forward"),
		),
	)
	s.AddTool(startNavigationTool, handleStartNavigation(apiURL, apiKey))

	stopTool := mcp.NewTool("stop",
		mcp.WithDescription("Cancel all in-flight fetches of the current navigation and stop the scheduler."),
	)
	s.AddTool(stopTool, handleStop(apiURL, apiKey))

	snapshotTool := mcp.NewTool("snapshot",
		mcp.WithDescription("Return the current page state: epoch, URL, load state, scroll position, form values, and selection."),
	)
	s.AddTool(snapshotTool, handleSnapshot(apiURL, apiKey))

	hintsTool := mcp.NewTool("hints",
		mcp.WithDescription("Return the current tick's resource hints: preload, preconnect, prefetch, and dns-prefetch directives."),
	)
	s.AddTool(hintsTool, handleHints(apiURL, apiKey))

	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}
}

func handleStartNavigation(apiURL, apiKey string) func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		url, err := req.RequireString("url")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		kind := req.GetString("kind", "navigate")

		body, err := apiPost(ctx, apiURL, apiKey, "/api/v1/navigate", map[string]string{
			"url": url, "kind": kind,
		})
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(string(body)), nil
	}
}

func handleStop(apiURL, apiKey string) func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		body, err := apiPost(ctx, apiURL, apiKey, "/api/v1/stop", map[string]string{})
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(string(body)), nil
	}
}

func handleSnapshot(apiURL, apiKey string) func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		body, err := apiGet(ctx, apiURL, apiKey, "/api/v1/snapshot")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(string(body)), nil
	}
}

func handleHints(apiURL, apiKey string) func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		body, err := apiGet(ctx, apiURL, apiKey, "/api/v1/hints")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(string(body)), nil
	}
}

func apiPost(ctx context.Context, apiURL, apiKey, path string, payload interface{}) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return doAPIRequest(req, apiKey)
}

func apiGet(ctx context.Context, apiURL, apiKey, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return doAPIRequest(req, apiKey)
}

func doAPIRequest(req *http.Request, apiKey string) ([]byte, error) {
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}
