// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package tools provides the agentic tool system for parley.
package tools

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/jeranaias/parley/internal/model"
	"github.com/jeranaias/parley/internal/provider"
)

// maxReadFileSize caps tool output so a single file cannot flood the
// model context.
const maxReadFileSize = 256 * 1024

// =============================================================================
// READ FILE EXECUTOR
// =============================================================================

// ReadFileExecutor reads a file from the working directory tree.
type ReadFileExecutor struct {
	// WorkDir confines reads; paths escaping it are rejected.
	WorkDir string
}

// NewReadFileTool builds the general-protocol file reading tool.
func NewReadFileTool(workDir string) *Tool {
	return &Tool{
		Name:        "read_file",
		Description: "Read a text file from the working directory and return its contents.",
		Parameters: provider.ToolParameters{
			Type: "object",
			Properties: map[string]provider.ToolProperty{
				"path": {
					Type:        "string",
					Description: "Path of the file to read, relative to the working directory",
				},
			},
			Required: []string{"path"},
		},
		Executor: &ReadFileExecutor{WorkDir: workDir},
	}
}

// Execute reads and returns the file contents.
func (e *ReadFileExecutor) Execute(ctx context.Context, args model.ToolArgs) (Result, error) {
	path := strings.TrimSpace(args.String("path"))
	if path == "" {
		return Result{}, &ExecError{Tool: "read_file", Message: "path parameter is required"}
	}

	workDir := e.WorkDir
	if workDir == "" {
		workDir = "."
	}
	absWork, err := filepath.Abs(workDir)
	if err != nil {
		return Result{}, &ExecError{Tool: "read_file", Message: "resolve working directory", Cause: err}
	}

	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(absWork, path)
	}
	abs = filepath.Clean(abs)
	if abs != absWork && !strings.HasPrefix(abs, absWork+string(filepath.Separator)) {
		return Result{}, &ExecError{Tool: "read_file", Message: "path escapes working directory"}
	}

	info, err := os.Stat(abs)
	if err != nil {
		return Result{}, &ExecError{Tool: "read_file", Message: "stat file", Cause: err}
	}
	if info.IsDir() {
		return Result{}, &ExecError{Tool: "read_file", Message: "path is a directory"}
	}
	if info.Size() > maxReadFileSize {
		return Result{}, &ExecError{Tool: "read_file", Message: "file too large"}
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return Result{}, &ExecError{Tool: "read_file", Message: "read file", Cause: err}
	}

	return Result{Content: string(data)}, nil
}
