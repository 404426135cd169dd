package registry

import (
	"sync"
	"sync/atomic"

	"github.com/you-humble/framesync/uploader/internal/domain"
)

// Run is the handle an upload loop holds while it is active. Continue turns
// false once the run has been cancelled or preempted.
type Run struct {
	ID string

	proceed atomic.Bool
}

func (r *Run) Continue() bool {
	return r.proceed.Load()
}

// Registry tracks the single active upload and the continuation flag of every
// run it has handed out.
type Registry struct {
	preempt bool

	mu     sync.Mutex
	active *Run
	runs   map[string]*Run
}

// New returns a registry. With preempt set, beginning an upload for another
// submission cancels the active one; otherwise it is refused.
func New(preempt bool) *Registry {
	return &Registry{
		preempt: preempt,
		runs:    make(map[string]*Run),
	}
}

// Begin makes id the active upload. It returns the preempted run, if any.
func (r *Registry) Begin(id string) (*Run, *Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var preempted *Run
	if r.active != nil {
		if r.active.ID == id {
			return nil, nil, domain.ErrAlreadyUploading
		}
		if !r.preempt {
			return nil, nil, domain.ErrUploadInProgress
		}
		r.active.proceed.Store(false)
		preempted = r.active
	}

	run := &Run{ID: id}
	run.proceed.Store(true)
	r.runs[id] = run
	r.active = run

	return run, preempted, nil
}

// Finish releases run. It is a no-op when run is no longer the active one.
func (r *Registry) Finish(run *Run) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.runs[run.ID] == run {
		delete(r.runs, run.ID)
	}
	if r.active == run {
		r.active = nil
	}
}

// Cancel flips the continuation flag of id's run and releases the active slot
// when it held it. It reports whether a run was found.
func (r *Registry) Cancel(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	run, ok := r.runs[id]
	if !ok {
		return false
	}
	run.proceed.Store(false)
	if r.active == run {
		r.active = nil
	}
	return true
}

func (r *Registry) Active() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active == nil {
		return "", false
	}
	return r.active.ID, true
}

func (r *Registry) IsActive(id string) bool {
	active, ok := r.Active()
	return ok && active == id
}
