// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package tools provides the agentic tool system: a registry of callable
// tools, execution with timeouts, and the builtin web search tool whose
// results carry citations.
package tools

import (
	"context"
	"sync"
	"time"

	"github.com/jeranaias/parley/internal/model"
	"github.com/jeranaias/parley/internal/provider"
)

// WebSearchToolName is the reserved builtin tool name. Its results are not
// appended as tool messages; the orchestrator attaches them as citation
// metadata on the next assistant message instead.
const WebSearchToolName = "web_search"

// DefaultToolTimeout is applied when the execution context has no deadline.
const DefaultToolTimeout = 30 * time.Second

// =============================================================================
// TOOL TYPES
// =============================================================================

// Result is the outcome of a successful tool execution.
type Result struct {
	Content   string
	Citations []model.Citation
}

// Executor runs one tool. Implementations must honor context cancellation.
type Executor interface {
	Execute(ctx context.Context, args model.ToolArgs) (Result, error)
}

// Tool couples a schema with its executor.
type Tool struct {
	Name        string
	Description string
	Parameters  provider.ToolParameters

	// Builtin marks tools with citation handling (web search). General
	// tool-protocol tools leave this false.
	Builtin bool

	Executor Executor
}

// =============================================================================
// REGISTRY
// =============================================================================

// Registry holds the available tools. Registration order is preserved so
// tool definitions reach the model in a stable order.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
	order []string
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds a tool. A tool with a duplicate name replaces the previous
// registration but keeps its original position.
func (r *Registry) Register(tool *Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[tool.Name]; !exists {
		r.order = append(r.order, tool.Name)
	}
	r.tools[tool.Name] = tool
}

// Get returns the tool with the given name, or nil.
func (r *Registry) Get(name string) *Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// IsBuiltIn reports whether the named tool requires citation handling
// rather than the general tool-result protocol.
func (r *Registry) IsBuiltIn(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return ok && tool.Builtin
}

// Names returns the registered tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Definitions exports the registered tools as provider tool definitions.
func (r *Registry) Definitions() []provider.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]provider.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		tool := r.tools[name]
		defs = append(defs, provider.ToolDefinition{
			Type: "function",
			Function: provider.ToolSchema{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			},
		})
	}
	return defs
}

// =============================================================================
// EXECUTION
// =============================================================================

// Execute runs the named tool with a bounded lifetime. Unknown tools and
// executor failures come back as errors; the caller decides how to surface
// them. Execution runs in its own goroutine so the caller stays responsive
// to cancellation even if an executor misbehaves.
func (r *Registry) Execute(ctx context.Context, name string, args model.ToolArgs) (Result, error) {
	tool := r.Get(name)
	if tool == nil {
		return Result{}, &ExecError{Tool: name, Message: "unknown tool"}
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultToolTimeout)
		defer cancel()
	}

	type outcome struct {
		result Result
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		result, err := tool.Executor.Execute(ctx, args)
		done <- outcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			return Result{}, &ExecError{Tool: name, Message: "execution failed", Cause: out.err}
		}
		return out.result, nil
	case <-ctx.Done():
		return Result{}, &ExecError{Tool: name, Message: "execution timed out", Cause: ctx.Err()}
	}
}

// =============================================================================
// ERRORS
// =============================================================================

// ExecError represents a tool execution failure.
type ExecError struct {
	Tool    string
	Message string
	Cause   error
}

func (e *ExecError) Error() string {
	msg := e.Tool + ": " + e.Message
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *ExecError) Unwrap() error {
	return e.Cause
}
