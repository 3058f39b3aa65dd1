// Package llm defines the model capabilities the memory engine and
// sheet processor depend on, plus a slot that lets callers swap
// providers at runtime without invalidating in-flight work.
package llm

import (
	"context"
	"errors"
	"sync"
)

// ErrNotConfigured is returned when a capability is used before a
// provider has been installed.
var ErrNotConfigured = errors.New("llm: not configured")

// LLM produces one chat completion for a system/user prompt pair.
type LLM interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// Embedder turns text into a fixed-dimension vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dim() int
}

// Slot holds the current LLM and Embedder behind a mutex. Callers
// snapshot the capability before use, so reconfiguring never breaks
// an operation already underway.
type Slot struct {
	mu       sync.RWMutex
	llm      LLM
	embedder Embedder
}

// NewSlot creates a slot; either capability may be nil.
func NewSlot(llm LLM, embedder Embedder) *Slot {
	return &Slot{llm: llm, embedder: embedder}
}

// Reconfigure swaps the chat-completion provider.
func (s *Slot) Reconfigure(llm LLM) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.llm = llm
}

// ReconfigureEmbedder swaps the embedding provider.
func (s *Slot) ReconfigureEmbedder(e Embedder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.embedder = e
}

// LLM returns the current chat provider, or nil.
func (s *Slot) LLM() LLM {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.llm
}

// Embedder returns the current embedding provider, or nil.
func (s *Slot) Embedder() Embedder {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.embedder
}

// Configured reports whether a chat provider is installed.
func (s *Slot) Configured() bool {
	return s.LLM() != nil
}

// EmbedderConfigured reports whether an embedding provider is
// installed.
func (s *Slot) EmbedderConfigured() bool {
	return s.Embedder() != nil
}

// Complete snapshots the provider and runs the completion.
func (s *Slot) Complete(ctx context.Context, system, user string) (string, error) {
	llm := s.LLM()
	if llm == nil {
		return "", ErrNotConfigured
	}
	return llm.Complete(ctx, system, user)
}

// Embed snapshots the provider and embeds the text.
func (s *Slot) Embed(ctx context.Context, text string) ([]float32, error) {
	e := s.Embedder()
	if e == nil {
		return nil, ErrNotConfigured
	}
	return e.Embed(ctx, text)
}
