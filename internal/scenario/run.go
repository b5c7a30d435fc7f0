package scenario

import (
	"sync"
	"time"

	"chainlab/internal/chain"
	"chainlab/internal/check"
)

// Status is the run lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusAborted   Status = "aborted"
)

func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusAborted
}

// Outcome classifies a single step. assertion_failed is data describing what
// the scenario observed; error means the infrastructure broke underneath it.
type Outcome string

const (
	OutcomeOK              Outcome = "ok"
	OutcomeAssertionFailed Outcome = "assertion_failed"
	OutcomeError           Outcome = "error"
)

// StepResult is the immutable record of one executed step. Results are
// appended in step order and never rewritten.
type StepResult struct {
	Index       int         `json:"index"`
	Kind        Kind        `json:"kind"`
	Description string      `json:"description,omitempty"`
	Outcome     Outcome     `json:"outcome"`
	Detail      string      `json:"detail,omitempty"`
	Return      []any       `json:"return,omitempty"`
	TxHash      string      `json:"tx_hash,omitempty"`
	GasUsed     uint64      `json:"gas_used,omitempty"`
	Logs        []chain.Log `json:"logs,omitempty"`
	Reverted    bool        `json:"reverted,omitempty"`
	StartedAt   time.Time   `json:"started_at"`
	FinishedAt  time.Time   `json:"finished_at"`
}

// Run binds a scenario document to a workspace and a chain instance and
// accumulates step results as the engine works through the steps.
type Run struct {
	ID          string
	WorkspaceID string
	Scenario    string

	mu      sync.Mutex
	status  Status
	results []StepResult
	errMsg  string
	created time.Time
	ended   time.Time
	steps   int

	cancel    func()
	cancelled bool
}

func newRun(id, workspaceID string, doc *Document) *Run {
	return &Run{
		ID:          id,
		WorkspaceID: workspaceID,
		Scenario:    doc.Name,
		status:      StatusPending,
		created:     time.Now(),
		steps:       len(doc.Steps),
	}
}

func (r *Run) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Err is the run-level failure detail, set when a run fails before or outside
// of step execution (validation, compile, chain acquisition).
func (r *Run) Err() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.errMsg
}

// Results returns a copy of the recorded step results, in step order.
func (r *Run) Results() []StepResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]StepResult, len(r.results))
	copy(out, r.results)
	return out
}

func (r *Run) CreatedAt() time.Time { return r.created }

func (r *Run) FinishedAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ended
}

func (r *Run) setStatus(s Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	check.Assert(!r.status.Terminal(), "run already terminal")
	r.status = s
	if s.Terminal() {
		r.ended = time.Now()
	}
}

func (r *Run) failWith(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status.Terminal() {
		return
	}
	r.status = StatusFailed
	r.errMsg = msg
	r.ended = time.Now()
}

func (r *Run) append(res StepResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	check.Assert(len(r.results) < r.steps, "more results than steps")
	check.Assert(res.Index == len(r.results), "step result out of order")
	r.results = append(r.results, res)
}

func (r *Run) requestCancel() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status.Terminal() || r.cancelled {
		return false
	}
	r.cancelled = true
	if r.cancel != nil {
		r.cancel()
	}
	return true
}

func (r *Run) cancelRequested() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}
