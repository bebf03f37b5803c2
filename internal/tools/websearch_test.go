// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package tools provides the agentic tool system for parley.
package tools

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jeranaias/parley/internal/model"
)

const sampleResultsPage = `
<div class="result">
  <a class="result__a" href="//duckduckgo.com/l/?uddg=https%3A%2F%2Fgo.dev%2Fdoc%2F">The <b>Go</b> Documentation</a>
  <a class="result__snippet">Official <b>Go</b> documentation and tutorials.</a>
</div>
<div class="result">
  <a class="result__a" href="https://pkg.go.dev/">Go Packages</a>
  <a class="result__snippet">Package discovery for Go.</a>
</div>
`

// =============================================================================
// WEB SEARCH TESTS
// =============================================================================

func TestWebSearch_ParsesResultsAndCitations(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.FormValue("q"); got != "golang docs" {
			t.Errorf("query = %q", got)
		}
		w.Write([]byte(sampleResultsPage))
	}))
	defer srv.Close()

	exec := &WebSearchExecutor{BaseURL: srv.URL}
	result, err := exec.Execute(context.Background(),
		model.ToolArgs{{Key: "query", Value: "golang docs"}})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if !strings.Contains(result.Content, "The Go Documentation") {
		t.Errorf("content missing title: %q", result.Content)
	}
	// Redirect links are unwrapped; tags are stripped.
	if !strings.Contains(result.Content, "https://go.dev/doc/") {
		t.Errorf("content missing unwrapped URL: %q", result.Content)
	}
	if strings.Contains(result.Content, "<b>") {
		t.Errorf("content keeps HTML tags: %q", result.Content)
	}

	if len(result.Citations) != 2 {
		t.Fatalf("citations = %v", result.Citations)
	}
	if result.Citations[0].URL != "https://go.dev/doc/" {
		t.Errorf("citation 0 URL = %q", result.Citations[0].URL)
	}
	if result.Citations[1].URL != "https://pkg.go.dev/" {
		t.Errorf("citation 1 URL = %q", result.Citations[1].URL)
	}
}

func TestWebSearch_RequiresQuery(t *testing.T) {
	exec := &WebSearchExecutor{BaseURL: "http://127.0.0.1:0"}
	if _, err := exec.Execute(context.Background(), nil); err == nil {
		t.Error("expected error for missing query")
	}
}

func TestWebSearch_MaxResultsClamped(t *testing.T) {
	var page strings.Builder
	for i := 0; i < 8; i++ {
		page.WriteString(`<a class="result__a" href="https://example.com/">Result</a>`)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(page.String()))
	}))
	defer srv.Close()

	exec := &WebSearchExecutor{BaseURL: srv.URL}
	result, err := exec.Execute(context.Background(), model.ToolArgs{
		{Key: "query", Value: "x"},
		{Key: "max_results", Value: float64(3)},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(result.Citations) != 3 {
		t.Errorf("citations = %d, want 3", len(result.Citations))
	}
}

func TestWebSearch_EmptyResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html><body>no results markup</body></html>"))
	}))
	defer srv.Close()

	exec := &WebSearchExecutor{BaseURL: srv.URL}
	result, err := exec.Execute(context.Background(),
		model.ToolArgs{{Key: "query", Value: "nothing"}})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(result.Content, "No results") {
		t.Errorf("content = %q", result.Content)
	}
	if len(result.Citations) != 0 {
		t.Errorf("citations = %v, want none", result.Citations)
	}
}

// =============================================================================
// READ FILE TESTS
// =============================================================================

func TestReadFile_ReadsWithinWorkDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hello file"), 0644); err != nil {
		t.Fatal(err)
	}

	exec := &ReadFileExecutor{WorkDir: dir}
	result, err := exec.Execute(context.Background(),
		model.ToolArgs{{Key: "path", Value: "notes.txt"}})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Content != "hello file" {
		t.Errorf("Content = %q", result.Content)
	}
}

func TestReadFile_RejectsEscapingPaths(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "work")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}

	exec := &ReadFileExecutor{WorkDir: dir}
	for _, path := range []string{"../secret.txt", "../../etc/passwd", "/etc/passwd"} {
		if _, err := exec.Execute(context.Background(),
			model.ToolArgs{{Key: "path", Value: path}}); err == nil {
			t.Errorf("path %q should be rejected", path)
		}
	}
}

func TestReadFile_RejectsDirectories(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "sub"), 0755); err != nil {
		t.Fatal(err)
	}

	exec := &ReadFileExecutor{WorkDir: dir}
	if _, err := exec.Execute(context.Background(),
		model.ToolArgs{{Key: "path", Value: "sub"}}); err == nil {
		t.Error("directory path should be rejected")
	}
}
