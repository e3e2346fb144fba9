package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// taskRequest mirrors the Renderbox API request model.
type taskRequest struct {
	Kind         string `json:"kind"`
	URL          string `json:"url,omitempty"`
	Script       string `json:"script,omitempty"`
	Selector     string `json:"selector,omitempty"`
	ExtractMode  string `json:"extract_mode,omitempty"`
	OutputFormat string `json:"output_format,omitempty"`
	FullPage     bool   `json:"full_page,omitempty"`
	Stealth      bool   `json:"stealth,omitempty"`
	Timeout      int    `json:"timeout,omitempty"`
}

// taskResponse mirrors the Renderbox API response model.
type taskResponse struct {
	Success    bool            `json:"success"`
	Content    string          `json:"content"`
	Image      []byte          `json:"image"`
	Value      json.RawMessage `json:"value"`
	Title      string          `json:"title"`
	FinalURL   string          `json:"final_url"`
	StatusCode int             `json:"status_code"`
	Error      *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func main() {
	apiURL := os.Getenv("RENDERBOX_API_URL")
	if apiURL == "" {
		apiURL = "http://127.0.0.1:8080"
	}
	apiKey := os.Getenv("RENDERBOX_API_KEY")
	if apiKey == "" {
		fmt.Fprintln(os.Stderr, "RENDERBOX_API_KEY is required")
		os.Exit(1)
	}

	s := server.NewMCPServer(
		"renderbox",
		"1.0.0",
		server.WithToolCapabilities(false),
	)

	renderTool := mcp.NewTool("render_page",
		mcp.WithDescription("Render a web page in a headless browser and return its content. JavaScript-heavy pages render fully before extraction."),
		mcp.WithString("url",
			mcp.Required(),
			mcp.Description("The URL of the page to render"),
		),
		mcp.WithString("output_format",
			mcp.Description("Output format: 'html' (default), 'markdown', or 'text'"),
			mcp.Enum("html", "markdown", "text"),
		),
		mcp.WithBoolean("stealth",
			mcp.Description("Enable anti-bot-detection evasions"),
		),
	)
	s.AddTool(renderTool, handleRender(apiURL, apiKey))

	scrapeTool := mcp.NewTool("scrape_page",
		mcp.WithDescription("Render a page and extract content: either elements matching a CSS selector, or the main article body."),
		mcp.WithString("url",
			mcp.Required(),
			mcp.Description("The URL of the page to scrape"),
		),
		mcp.WithString("selector",
			mcp.Description("CSS selector to extract; omit to extract the main article"),
		),
		mcp.WithString("output_format",
			mcp.Description("Output format: 'html' (default), 'markdown', or 'text'"),
			mcp.Enum("html", "markdown", "text"),
		),
	)
	s.AddTool(scrapeTool, handleScrape(apiURL, apiKey))

	screenshotTool := mcp.NewTool("screenshot_page",
		mcp.WithDescription("Render a page and capture a PNG screenshot."),
		mcp.WithString("url",
			mcp.Required(),
			mcp.Description("The URL of the page to capture"),
		),
		mcp.WithBoolean("full_page",
			mcp.Description("Capture the full scroll height instead of the viewport"),
		),
	)
	s.AddTool(screenshotTool, handleScreenshot(apiURL, apiKey))

	executeTool := mcp.NewTool("execute_script",
		mcp.WithDescription("Evaluate a JavaScript function expression in a browser page and return its JSON result. Optionally navigates to a URL first."),
		mcp.WithString("script",
			mcp.Required(),
			mcp.Description("A JS function expression, e.g. '() => document.title'"),
		),
		mcp.WithString("url",
			mcp.Description("Optional URL to navigate to before evaluation"),
		),
	)
	s.AddTool(executeTool, handleExecute(apiURL, apiKey))

	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}
}

func handleRender(apiURL, apiKey string) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		url, err := request.RequireString("url")
		if err != nil {
			return mcp.NewToolResultError("url is required"), nil
		}

		resp, errResult := submitTask(ctx, apiURL, apiKey, taskRequest{
			Kind:         "render",
			URL:          url,
			OutputFormat: request.GetString("output_format", ""),
			Stealth:      request.GetBool("stealth", false),
		})
		if errResult != nil {
			return errResult, nil
		}
		return mcp.NewToolResultText(resp.Content), nil
	}
}

func handleScrape(apiURL, apiKey string) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		url, err := request.RequireString("url")
		if err != nil {
			return mcp.NewToolResultError("url is required"), nil
		}

		resp, errResult := submitTask(ctx, apiURL, apiKey, taskRequest{
			Kind:         "scrape",
			URL:          url,
			Selector:     request.GetString("selector", ""),
			OutputFormat: request.GetString("output_format", ""),
		})
		if errResult != nil {
			return errResult, nil
		}
		return mcp.NewToolResultText(resp.Content), nil
	}
}

func handleScreenshot(apiURL, apiKey string) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		url, err := request.RequireString("url")
		if err != nil {
			return mcp.NewToolResultError("url is required"), nil
		}

		resp, errResult := submitTask(ctx, apiURL, apiKey, taskRequest{
			Kind:     "screenshot",
			URL:      url,
			FullPage: request.GetBool("full_page", false),
		})
		if errResult != nil {
			return errResult, nil
		}
		// taskResponse.Image is already base64 from JSON decoding of []byte,
		// so re-encode for the image content block.
		return mcp.NewToolResultImage("screenshot of "+url,
			base64Encode(resp.Image), "image/png"), nil
	}
}

func handleExecute(apiURL, apiKey string) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		script, err := request.RequireString("script")
		if err != nil {
			return mcp.NewToolResultError("script is required"), nil
		}

		resp, errResult := submitTask(ctx, apiURL, apiKey, taskRequest{
			Kind:   "execute",
			Script: script,
			URL:    request.GetString("url", ""),
		})
		if errResult != nil {
			return errResult, nil
		}
		return mcp.NewToolResultText(string(resp.Value)), nil
	}
}

// submitTask posts a task to the Renderbox API and decodes the response.
// Failures come back as a tool error result rather than a Go error, so the
// MCP client sees them as structured tool output.
func submitTask(ctx context.Context, apiURL, apiKey string, task taskRequest) (*taskResponse, *mcp.CallToolResult) {
	client := &http.Client{Timeout: 150 * time.Second}

	body, err := json.Marshal(task)
	if err != nil {
		return nil, mcp.NewToolResultError(fmt.Sprintf("failed to marshal request: %v", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL+"/api/v1/tasks", bytes.NewReader(body))
	if err != nil {
		return nil, mcp.NewToolResultError(fmt.Sprintf("failed to create request: %v", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-API-Key", apiKey)

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, mcp.NewToolResultError(fmt.Sprintf("API request failed: %v", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, mcp.NewToolResultError(fmt.Sprintf("failed to read response: %v", err))
	}

	var taskResp taskResponse
	if err := json.Unmarshal(respBody, &taskResp); err != nil {
		return nil, mcp.NewToolResultError(fmt.Sprintf("failed to parse response: %v", err))
	}

	if !taskResp.Success {
		errMsg := "task failed"
		if taskResp.Error != nil {
			errMsg = fmt.Sprintf("%s: %s", taskResp.Error.Code, taskResp.Error.Message)
		}
		return nil, mcp.NewToolResultError(errMsg)
	}

	return &taskResp, nil
}

func base64Encode(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}
