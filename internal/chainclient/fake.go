package chainclient

import (
	"context"
	"sync"
)

// Fake is an in-memory Client used by orchestrator/registry/secrets tests so
// they never need a live chain RPC endpoint.
type Fake struct {
	mu sync.Mutex

	AccessKeys map[string][]string
	Balances   map[string]int64
	FtResults  map[string][]byte

	SubmittedOutputs map[int64][]byte
	Resolutions      []ResumeResponse

	ViewFunctionErr error

	PendingEvents []ExecutionRequestedEvent
}

func NewFake() *Fake {
	return &Fake{
		AccessKeys:       map[string][]string{},
		Balances:         map[string]int64{},
		FtResults:        map[string][]byte{},
		SubmittedOutputs: map[int64][]byte{},
	}
}

func (f *Fake) ListAccessKeys(_ context.Context, account string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.AccessKeys[account], nil
}

func (f *Fake) ViewAccount(_ context.Context, account string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Balances[account], nil
}

func (f *Fake) ViewFunctionCall(_ context.Context, contract, method string, _ []byte) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ViewFunctionErr != nil {
		return nil, f.ViewFunctionErr
	}
	return f.FtResults[contract+"/"+method], nil
}

func (f *Fake) SubmitExecutionOutput(_ context.Context, requestID int64, output []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SubmittedOutputs[requestID] = output
	return nil
}

func (f *Fake) ResolveExecution(_ context.Context, _ int64, _ bool, resp ResumeResponse) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Resolutions = append(f.Resolutions, resp)
	return nil
}

func (f *Fake) PollExecutionRequested(_ context.Context, afterRequestID int64, limit int) ([]ExecutionRequestedEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ExecutionRequestedEvent
	for _, evt := range f.PendingEvents {
		if evt.RequestID <= afterRequestID {
			continue
		}
		out = append(out, evt)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}
