package main

import (
	"context"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
)

func TestFailed(t *testing.T) {
	cases := map[string]bool{
		"hello\n":                      false,
		"":                             false,
		"Unsupported language.":        true,
		"Compilation Error:\nmain.cpp": true,
		"Execution Error: Timeout (10s limit exceeded).": true,
		"Execution Error:\nTraceback":                    true,
		"An unexpected error occurred: boom":             true,
		"Execution finished":                             false,
	}
	for out, want := range cases {
		if got := failed(out); got != want {
			t.Errorf("failed(%q) = %v, want %v", out, got, want)
		}
	}
}

func TestHandleCodeRunRequiresArguments(t *testing.T) {
	var req mcp.CallToolRequest
	req.Params.Arguments = map[string]any{"language": "python"}

	res, err := handleCodeRun(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsError {
		t.Error("expected error result for missing code")
	}
}
