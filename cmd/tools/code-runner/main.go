package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/michaelbrown/runbox/internal/client"
	"github.com/michaelbrown/runbox/internal/language"
)

const (
	maxOutput   = 4000
	waitTimeout = 2 * time.Minute
)

// errorPrefixes mark outputs that report a failed execution.
var errorPrefixes = []string{
	"Unsupported language.",
	"Compilation Error:",
	"Execution Error",
	"An unexpected error occurred:",
}

func main() {
	s := server.NewMCPServer("runbox-code-runner", "0.1.0")

	var langs []string
	for _, p := range language.NewRegistry().BatchProfiles() {
		langs = append(langs, p.Language)
	}

	s.AddTool(mcp.Tool{
		Name:        "code_run",
		Description: fmt.Sprintf("Execute code in a runbox sandbox. Supported languages: %s.", strings.Join(langs, ", ")),
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"language": map[string]any{
					"type":        "string",
					"description": "Programming language (" + strings.Join(langs, ", ") + ")",
				},
				"code": map[string]any{
					"type":        "string",
					"description": "Source code to execute",
				},
				"stdin": map[string]any{
					"type":        "string",
					"description": "Standard input to provide to the program (optional)",
				},
			},
			Required: []string{"language", "code"},
		},
	}, handleCodeRun)

	if err := server.ServeStdio(s); err != nil {
		fmt.Printf("server error: %v\n", err)
	}
}

func handleCodeRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := request.Params.Arguments.(map[string]any)
	if args == nil {
		return errResult("error: invalid arguments"), nil
	}

	lang, _ := args["language"].(string)
	code, _ := args["code"].(string)
	stdinArg, hasStdin := args["stdin"].(string)

	if lang == "" || code == "" {
		return errResult("error: 'language' and 'code' are required"), nil
	}

	c, err := client.New(envOr("RUNBOX_SERVER", "http://localhost:8080"), envOr("RUNBOX_USER", "mcp"))
	if err != nil {
		return errResult(fmt.Sprintf("error: %v", err)), nil
	}

	ctx, cancel := context.WithTimeout(ctx, waitTimeout)
	defer cancel()

	var stdin *string
	if hasStdin && stdinArg != "" {
		stdin = &stdinArg
	}
	job, err := c.Submit(ctx, code, lang, stdin)
	if err != nil {
		return errResult(fmt.Sprintf("error: %v", err)), nil
	}

	final, err := c.Watch(ctx, job.ID, nil)
	if err != nil {
		return errResult(fmt.Sprintf("error: job %s: %v", job.ID, err)), nil
	}

	var text string
	if final.Output != nil {
		text = *final.Output
	}
	isError := failed(text)
	if len(text) > maxOutput {
		text = text[:maxOutput] + "\n... (output truncated)"
	}
	if text == "" {
		text = "(no output)"
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: text}},
		IsError: isError,
	}, nil
}

func failed(output string) bool {
	for _, p := range errorPrefixes {
		if strings.HasPrefix(output, p) {
			return true
		}
	}
	return false
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func errResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: text}},
		IsError: true,
	}
}
