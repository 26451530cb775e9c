package synchronizer

import (
	"fmt"
	"slices"
	"sync"
	"time"
)

const reportBufferSize = 16

type State string

const (
	StateIdle                  State = "idle"
	StateFetchingDelta         State = "fetchingDelta"
	StateApplyingRemoteChanges State = "applyingRemoteChanges"
	StatePushingLocalChanges   State = "pushingLocalChanges"
	StateFinalizing            State = "finalizing"
	StateCancelling            State = "cancelling"
	StateError                 State = "error"
)

// Report describes a sync run. Snapshots are broadcast to subscribers after
// every item and at phase boundaries.
type Report struct {
	CreateLocal       int `json:"createLocal"`
	UpdateLocal       int `json:"updateLocal"`
	DeleteLocal       int `json:"deleteLocal"`
	CreateRemote      int `json:"createRemote"`
	UpdateRemote      int `json:"updateRemote"`
	DeleteRemote      int `json:"deleteRemote"`
	FetchingTotal     int `json:"fetchingTotal"`
	FetchingProcessed int `json:"fetchingProcessed"`
	Conflicts         int `json:"conflicts"`
	Skipped           int `json:"skipped"`

	State     State        `json:"state"`
	Cancelled bool         `json:"cancelled,omitempty"`
	Errors    []*ItemError `json:"errors,omitempty"`
	// Warning explains a phase that was not run, e.g. push blocked because
	// the target is encrypted with a key this client cannot unlock.
	Warning string `json:"warning,omitempty"`

	StartTime     time.Time `json:"startTime"`
	CompletedTime time.Time `json:"completedTime"`
}

func (r *Report) HasChanges() bool {
	return r.CreateLocal+r.UpdateLocal+r.DeleteLocal+r.CreateRemote+r.UpdateRemote+r.DeleteRemote > 0
}

func (r *Report) String() string {
	return fmt.Sprintf("local +%d ~%d -%d, remote +%d ~%d -%d, conflicts %d, skipped %d, errors %d",
		r.CreateLocal, r.UpdateLocal, r.DeleteLocal,
		r.CreateRemote, r.UpdateRemote, r.DeleteRemote,
		r.Conflicts, r.Skipped, len(r.Errors))
}

func (r *Report) clone() *Report {
	cp := *r
	cp.Errors = slices.Clone(r.Errors)
	return &cp
}

// progress guards the current report and fans snapshots out to subscribers.
type progress struct {
	mu     sync.RWMutex
	report *Report
	state  State

	subMu sync.RWMutex
	subs  []chan *Report
}

func newProgress() *progress {
	return &progress{report: &Report{State: StateIdle}, state: StateIdle}
}

func (p *progress) reset(now time.Time) {
	p.mu.Lock()
	p.report = &Report{State: StateIdle, StartTime: now}
	p.mu.Unlock()
}

// update applies fn to the report and broadcasts the result.
func (p *progress) update(fn func(r *Report)) {
	p.mu.Lock()
	fn(p.report)
	snap := p.report.clone()
	p.mu.Unlock()
	p.broadcast(snap)
}

func (p *progress) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.report.State = s
	snap := p.report.clone()
	p.mu.Unlock()
	p.broadcast(snap)
}

func (p *progress) currentState() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

func (p *progress) snapshot() *Report {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.report.clone()
}

func (p *progress) subscribe() <-chan *Report {
	p.subMu.Lock()
	defer p.subMu.Unlock()
	ch := make(chan *Report, reportBufferSize)
	p.subs = append(p.subs, ch)
	return ch
}

func (p *progress) unsubscribe(ch <-chan *Report) {
	p.subMu.Lock()
	defer p.subMu.Unlock()
	for i, sub := range p.subs {
		if sub == ch {
			close(sub)
			p.subs = append(p.subs[:i], p.subs[i+1:]...)
			return
		}
	}
}

func (p *progress) broadcast(r *Report) {
	p.subMu.RLock()
	defer p.subMu.RUnlock()
	for _, sub := range p.subs {
		select {
		case sub <- r:
		default:
			// slow subscriber, drop
		}
	}
}
