// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package engine implements the conversation orchestration core: the
// per-turn tool-call state machine, the multi-model dispatcher, the chunk
// batcher, and response group selection.
package engine

import (
	"strings"
	"sync"
	"time"
)

// =============================================================================
// CHUNK BATCHER
// =============================================================================

// DefaultBatchWindow is the flush window applied when none is configured.
const DefaultBatchWindow = 100 * time.Millisecond

// ChunkBatcher coalesces rapid text deltas into periodic updates without
// dropping or reordering data. Deltas are concatenated in arrival order and
// drained either when the window has elapsed since the last flush or when a
// terminal signal forces an immediate drain.
//
// This decouples network delivery cadence from message-store update cadence:
// a fast stream produces one store write per window instead of one per
// packet.
//
// Thread-safety: deltas arrive from the stream reader goroutine while
// flushes run on the turn's event loop, so all operations take the mutex.
type ChunkBatcher struct {
	mu        sync.Mutex
	buffer    strings.Builder
	window    time.Duration
	lastFlush time.Time
}

// NewChunkBatcher creates a batcher with the given flush window.
func NewChunkBatcher(window time.Duration) *ChunkBatcher {
	if window <= 0 {
		window = DefaultBatchWindow
	}
	return &ChunkBatcher{
		window:    window,
		lastFlush: time.Now(),
	}
}

// Write appends a delta to the buffer.
func (b *ChunkBatcher) Write(delta string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buffer.WriteString(delta)
}

// Flush drains the buffer if the window has elapsed since the last flush.
// Returns the concatenated deltas and whether anything was drained.
func (b *ChunkBatcher) Flush() (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.buffer.Len() == 0 {
		return "", false
	}
	if time.Since(b.lastFlush) < b.window {
		return "", false
	}
	return b.drainLocked()
}

// ForceFlush drains the buffer regardless of the window. Terminal signals
// (completion, cancel, error) must call this before reporting the terminal
// state so no buffered output is lost.
func (b *ChunkBatcher) ForceFlush() (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.buffer.Len() == 0 {
		return "", false
	}
	return b.drainLocked()
}

// drainLocked extracts and resets the buffer. Caller must hold the lock.
func (b *ChunkBatcher) drainLocked() (string, bool) {
	content := b.buffer.String()
	b.buffer.Reset()
	b.lastFlush = time.Now()
	return content, true
}

// Pending returns the number of buffered bytes awaiting flush.
func (b *ChunkBatcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buffer.Len()
}

// Reset clears the buffer without flushing.
func (b *ChunkBatcher) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buffer.Reset()
	b.lastFlush = time.Now()
}

// Window returns the configured flush window.
func (b *ChunkBatcher) Window() time.Duration {
	return b.window
}
