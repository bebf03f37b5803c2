// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package tools provides the agentic tool system for parley.
// websearch.go implements a DuckDuckGo HTML search tool for web search
// without API keys. Results feed the citation path on assistant messages.
package tools

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/jeranaias/parley/internal/model"
	"github.com/jeranaias/parley/internal/provider"
)

// =============================================================================
// PERFORMANCE: Pre-compiled regex (compiled once at startup)
// =============================================================================

var (
	// DuckDuckGo HTML parsing patterns
	ddgTitleRegex   = regexp.MustCompile(`(?s)<a[^>]+class="result__a"[^>]+href="([^"]+)"[^>]*>(.+?)</a>`)
	ddgSnippetRegex = regexp.MustCompile(`(?s)<a[^>]+class="result__snippet"[^>]*>(.+?)</a>`)

	// HTML cleaning patterns
	ddgTagRegex        = regexp.MustCompile(`<[^>]*>`)
	ddgWhitespaceRegex = regexp.MustCompile(`\s+`)
)

// =============================================================================
// WEB SEARCH EXECUTOR
// =============================================================================

// WebSearchExecutor implements web search using DuckDuckGo HTML.
type WebSearchExecutor struct {
	// BaseURL is the DuckDuckGo HTML search endpoint.
	BaseURL string

	// MaxResults is the maximum number of results to return (default: 5, max: 10).
	MaxResults int

	// Timeout is the maximum time for the request (default: 15s).
	Timeout time.Duration

	// UserAgent is the User-Agent header to send.
	UserAgent string
}

// NewWebSearchTool builds the builtin web search tool entry.
func NewWebSearchTool() *Tool {
	return &Tool{
		Name:        WebSearchToolName,
		Description: "Search the web and return titles, URLs, and snippets for the top results.",
		Builtin:     true,
		Parameters: provider.ToolParameters{
			Type: "object",
			Properties: map[string]provider.ToolProperty{
				"query": {
					Type:        "string",
					Description: "The search query",
				},
				"max_results": {
					Type:        "number",
					Description: "Maximum number of results to return (1-10, default 5)",
				},
			},
			Required: []string{"query"},
		},
		Executor: &WebSearchExecutor{},
	}
}

// searchResult is a single parsed search result.
type searchResult struct {
	Title   string
	URL     string
	Snippet string
}

// Execute performs a search and returns formatted results with citations.
func (e *WebSearchExecutor) Execute(ctx context.Context, args model.ToolArgs) (Result, error) {
	if e.BaseURL == "" {
		e.BaseURL = "https://html.duckduckgo.com/html/"
	}
	if e.MaxResults == 0 {
		e.MaxResults = 5
	}
	if e.Timeout == 0 {
		e.Timeout = 15 * time.Second
	}
	if e.UserAgent == "" {
		e.UserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	}

	query := strings.TrimSpace(args.String("query"))
	if query == "" {
		return Result{}, &ExecError{Tool: WebSearchToolName, Message: "query parameter is required"}
	}

	maxResults := e.MaxResults
	if v, ok := args.Get("max_results"); ok {
		if f, ok := v.(float64); ok {
			maxResults = int(f)
		}
	}
	if maxResults < 1 {
		maxResults = 1
	}
	if maxResults > 10 {
		maxResults = 10
	}

	ctx, cancel := context.WithTimeout(ctx, e.Timeout)
	defer cancel()

	results, err := e.search(ctx, query)
	if err != nil {
		return Result{}, &ExecError{Tool: WebSearchToolName, Message: "search failed", Cause: err}
	}
	if len(results) > maxResults {
		results = results[:maxResults]
	}

	return formatResults(query, results), nil
}

// search fetches and parses the DuckDuckGo HTML results page.
func (e *WebSearchExecutor) search(ctx context.Context, query string) ([]searchResult, error) {
	form := url.Values{}
	form.Set("q", query)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.BaseURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", e.UserAgent)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	// Result pages stay well under this even with tracking markup.
	body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return nil, err
	}

	return parseResults(string(body)), nil
}

// parseResults extracts titles, URLs, and snippets from the HTML page.
func parseResults(html string) []searchResult {
	titleMatches := ddgTitleRegex.FindAllStringSubmatch(html, -1)
	snippetMatches := ddgSnippetRegex.FindAllStringSubmatch(html, -1)

	var results []searchResult
	for i, match := range titleMatches {
		if len(match) < 3 {
			continue
		}
		result := searchResult{
			URL:   cleanResultURL(match[1]),
			Title: cleanHTML(match[2]),
		}
		if i < len(snippetMatches) && len(snippetMatches[i]) >= 2 {
			result.Snippet = cleanHTML(snippetMatches[i][1])
		}
		if result.URL != "" && result.Title != "" {
			results = append(results, result)
		}
	}
	return results
}

// cleanResultURL unwraps DuckDuckGo's redirect links to the target URL.
func cleanResultURL(raw string) string {
	if strings.HasPrefix(raw, "//duckduckgo.com/l/?") || strings.HasPrefix(raw, "/l/?") {
		if u, err := url.Parse(raw); err == nil {
			if target := u.Query().Get("uddg"); target != "" {
				if decoded, err := url.QueryUnescape(target); err == nil {
					return decoded
				}
				return target
			}
		}
	}
	return raw
}

// cleanHTML strips tags and collapses whitespace.
func cleanHTML(s string) string {
	s = ddgTagRegex.ReplaceAllString(s, "")
	s = ddgWhitespaceRegex.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// formatResults renders search results as text and collects citations.
func formatResults(query string, results []searchResult) Result {
	if len(results) == 0 {
		return Result{Content: "No results found for: " + query}
	}

	var sb strings.Builder
	sb.WriteString("Search results for: " + query + "\n\n")

	citations := make([]model.Citation, 0, len(results))
	for i, r := range results {
		sb.WriteString(strconv.Itoa(i+1) + ". " + r.Title + "\n")
		sb.WriteString("   " + r.URL + "\n")
		if r.Snippet != "" {
			sb.WriteString("   " + r.Snippet + "\n")
		}
		sb.WriteString("\n")
		citations = append(citations, model.Citation{Title: r.Title, URL: r.URL})
	}

	return Result{Content: strings.TrimSpace(sb.String()), Citations: citations}
}
