package expert

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// FakeAnswerer is an in-memory stand-in for a real LLM completion
// client, the same scripted-stub treatment as provider.FakeProvider.
// Tests script exact completions by prompt substring; unscripted
// prompts fall back to echoing the prompt so the caller's parsing
// logic still has something to exercise.
type FakeAnswerer struct {
	mu     sync.Mutex
	byHint []hintedCompletion
}

type hintedCompletion struct {
	hint       string
	completion string
}

// NewFakeAnswerer returns an empty FakeAnswerer.
func NewFakeAnswerer() *FakeAnswerer {
	return &FakeAnswerer{}
}

// Script registers a completion to return for the first future prompt
// containing hint. Call before the prompt-producing operation runs.
func (f *FakeAnswerer) Script(hint, completion string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byHint = append(f.byHint, hintedCompletion{hint: hint, completion: completion})
}

// Complete implements Answerer.
func (f *FakeAnswerer) Complete(_ context.Context, prompt string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, hc := range f.byHint {
		if strings.Contains(prompt, hc.hint) {
			f.byHint = append(f.byHint[:i], f.byHint[i+1:]...)
			return hc.completion, nil
		}
	}
	return fmt.Sprintf("unscripted completion for prompt: %s", prompt), nil
}
