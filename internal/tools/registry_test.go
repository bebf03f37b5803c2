// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package tools provides the agentic tool system for parley.
package tools

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jeranaias/parley/internal/model"
)

// stubExecutor adapts a function to the Executor interface.
type stubExecutor func(ctx context.Context, args model.ToolArgs) (Result, error)

func (f stubExecutor) Execute(ctx context.Context, args model.ToolArgs) (Result, error) {
	return f(ctx, args)
}

// =============================================================================
// REGISTRY TESTS
// =============================================================================

func TestRegistry_RegistrationOrder(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		r.Register(&Tool{Name: name, Executor: stubExecutor(func(context.Context, model.ToolArgs) (Result, error) {
			return Result{}, nil
		})})
	}

	names := r.Names()
	if len(names) != 3 || names[0] != "zeta" || names[1] != "alpha" || names[2] != "mid" {
		t.Errorf("Names() = %v, want registration order", names)
	}

	defs := r.Definitions()
	if len(defs) != 3 || defs[0].Function.Name != "zeta" {
		t.Errorf("Definitions() out of order: %v", defs)
	}
	if defs[0].Type != "function" {
		t.Errorf("definition type = %q", defs[0].Type)
	}
}

func TestRegistry_DuplicateKeepsPosition(t *testing.T) {
	r := NewRegistry()
	r.Register(&Tool{Name: "a", Description: "first"})
	r.Register(&Tool{Name: "b"})
	r.Register(&Tool{Name: "a", Description: "replaced"})

	names := r.Names()
	if len(names) != 2 || names[0] != "a" {
		t.Errorf("Names() = %v", names)
	}
	if got := r.Get("a").Description; got != "replaced" {
		t.Errorf("Get(a).Description = %q", got)
	}
}

func TestRegistry_IsBuiltIn(t *testing.T) {
	r := NewRegistry()
	r.Register(NewWebSearchTool())
	r.Register(&Tool{Name: "get_time"})

	if !r.IsBuiltIn(WebSearchToolName) {
		t.Error("web_search should be builtin")
	}
	if r.IsBuiltIn("get_time") {
		t.Error("get_time should not be builtin")
	}
	if r.IsBuiltIn("unknown") {
		t.Error("unknown tool should not be builtin")
	}
}

// =============================================================================
// EXECUTION TESTS
// =============================================================================

func TestRegistry_ExecuteUnknownTool(t *testing.T) {
	r := NewRegistry()
	_, err := r.Execute(context.Background(), "nope", nil)

	var execErr *ExecError
	if !errors.As(err, &execErr) {
		t.Fatalf("err = %v, want ExecError", err)
	}
	if execErr.Tool != "nope" {
		t.Errorf("Tool = %q", execErr.Tool)
	}
}

func TestRegistry_ExecutePassesArgs(t *testing.T) {
	r := NewRegistry()
	var gotCity string
	r.Register(&Tool{Name: "get_weather", Executor: stubExecutor(func(ctx context.Context, args model.ToolArgs) (Result, error) {
		gotCity = args.String("city")
		return Result{Content: "sunny"}, nil
	})})

	result, err := r.Execute(context.Background(), "get_weather",
		model.ToolArgs{{Key: "city", Value: "Paris"}})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Content != "sunny" {
		t.Errorf("Content = %q", result.Content)
	}
	if gotCity != "Paris" {
		t.Errorf("executor saw city = %q", gotCity)
	}
}

func TestRegistry_ExecuteWrapsExecutorError(t *testing.T) {
	r := NewRegistry()
	boom := errors.New("backend unreachable")
	r.Register(&Tool{Name: "flaky", Executor: stubExecutor(func(context.Context, model.ToolArgs) (Result, error) {
		return Result{}, boom
	})})

	_, err := r.Execute(context.Background(), "flaky", nil)
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want wrapped executor error", err)
	}
}

func TestRegistry_ExecuteRespectsDeadline(t *testing.T) {
	r := NewRegistry()
	r.Register(&Tool{Name: "sleepy", Executor: stubExecutor(func(ctx context.Context, _ model.ToolArgs) (Result, error) {
		select {
		case <-time.After(5 * time.Second):
			return Result{Content: "too late"}, nil
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	})})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := r.Execute(ctx, "sleepy", nil)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Execute blocked %v past the deadline", elapsed)
	}
}

func TestRegistry_ExecuteReturnsCitations(t *testing.T) {
	r := NewRegistry()
	r.Register(&Tool{Name: WebSearchToolName, Builtin: true, Executor: stubExecutor(func(context.Context, model.ToolArgs) (Result, error) {
		return Result{
			Content:   "results",
			Citations: []model.Citation{{Title: "Example", URL: "https://example.com"}},
		}, nil
	})})

	result, err := r.Execute(context.Background(), WebSearchToolName, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(result.Citations) != 1 || result.Citations[0].URL != "https://example.com" {
		t.Errorf("Citations = %v", result.Citations)
	}
}
