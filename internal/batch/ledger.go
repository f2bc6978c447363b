package batch

import (
	"sync"
	"time"

	"github.com/bioflow-dev/bioflow/internal/dispatch"
)

// Ledger is the ordered outcome record of one batch run. Slots are reserved
// up front so each worker writes its outcome at its request's submission
// index, keeping outcome order equal to input order regardless of completion
// order. Append-only during the run; read-only once finalized.
type Ledger struct {
	RunID      string
	Capability string
	Started    time.Time

	mu        sync.RWMutex
	slots     []*dispatch.Outcome
	filled    int
	finalized bool
	finished  time.Time
}

func NewLedger(runID string, n int) *Ledger {
	return &Ledger{
		RunID:   runID,
		Started: time.Now(),
		slots:   make([]*dispatch.Outcome, n),
	}
}

// put writes the outcome for submission index i. Writing twice to a slot or
// writing after finalization indicates an orchestrator bug.
func (l *Ledger) put(i int, o *dispatch.Outcome) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.finalized || l.slots[i] != nil {
		panic("ledger: slot written twice or after finalization")
	}
	l.slots[i] = o
	l.filled++
}

// Len is the batch's input count.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.slots)
}

// Completed reports how many outcomes have landed so far.
func (l *Ledger) Completed() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.filled
}

// Snapshot returns the outcomes recorded so far in submission order. Pending
// slots are skipped, so a snapshot taken mid-run may be shorter than Len.
func (l *Ledger) Snapshot() []dispatch.Outcome {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]dispatch.Outcome, 0, l.filled)
	for _, o := range l.slots {
		if o != nil {
			out = append(out, *o)
		}
	}
	return out
}

// finalize marks the run complete.
func (l *Ledger) finalize() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.finalized = true
	l.finished = time.Now()
}

// Finalized reports whether the batch has completed.
func (l *Ledger) Finalized() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.finalized
}

// Finished is the completion time of a finalized ledger.
func (l *Ledger) Finished() time.Time {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.finished
}

// Outcomes returns all outcomes in submission order. Only meaningful on a
// finalized ledger, where every slot is filled.
func (l *Ledger) Outcomes() []dispatch.Outcome {
	return l.Snapshot()
}
