package provider

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// FakeProvider is an in-memory stand-in for a real provider adapter,
// used by tests and local development. Scripted runs let a test drive
// the exact poll sequence a scenario needs (spec §8 end-to-end cases).
type FakeProvider struct {
	mu   sync.Mutex
	runs map[string]*fakeRun
}

type fakeRun struct {
	script   []PollResult // sequence of Poll responses to return, repeating the last
	cursor   int
	result   Result
	canceled bool
}

// NewFakeProvider returns an empty FakeProvider.
func NewFakeProvider() *FakeProvider {
	return &FakeProvider{runs: make(map[string]*fakeRun)}
}

// Script registers the poll sequence and final result for
// providerJobID, replacing any run already recorded under that id.
// Submit mints a fresh id with its own default run, so scripting a
// submitted job means calling Script with the id Submit returned.
func (f *FakeProvider) Script(providerJobID string, script []PollResult, result Result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs[providerJobID] = &fakeRun{script: script, result: result}
}

func (f *FakeProvider) Submit(_ context.Context, req Request) (string, error) {
	id := "fake-" + uuid.NewString()
	f.mu.Lock()
	f.runs[id] = &fakeRun{
		script: []PollResult{{Status: StatusCompleted, ProgressFraction: 1}},
		result: Result{Markdown: "# " + req.Prompt},
	}
	f.mu.Unlock()
	return id, nil
}

func (f *FakeProvider) Poll(_ context.Context, ids []string) ([]PollResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]PollResult, 0, len(ids))
	for _, id := range ids {
		run, ok := f.runs[id]
		if !ok {
			out = append(out, PollResult{ProviderJobID: id, Status: StatusUnknown})
			continue
		}
		if run.canceled {
			out = append(out, PollResult{ProviderJobID: id, Status: StatusFailed,
				Error: &Error{Kind: ErrInvalidRequest, Message: "cancelled"}})
			continue
		}
		var step PollResult
		if run.cursor < len(run.script) {
			step = run.script[run.cursor]
			run.cursor++
		} else if len(run.script) > 0 {
			step = run.script[len(run.script)-1]
		} else {
			step = PollResult{Status: StatusCompleted, ProgressFraction: 1}
		}
		step.ProviderJobID = id
		out = append(out, step)
	}
	return out, nil
}

func (f *FakeProvider) FetchResult(_ context.Context, id string) (Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[id]
	if !ok {
		return Result{}, fmt.Errorf("fake provider: unknown job %s", id)
	}
	return run.result, nil
}

func (f *FakeProvider) Cancel(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if run, ok := f.runs[id]; ok {
		run.canceled = true
	}
	return nil
}
