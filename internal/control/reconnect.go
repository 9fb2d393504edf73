package control

import (
	"sync"
	"time"
)

// reconnectState mirrors the retry policy's schedule so the health
// surface can report how many dials have failed and when the next one
// happens.
type reconnectState struct {
	mu       sync.Mutex
	base     time.Duration
	attempts int
	next     time.Duration
}

func newReconnectState(base time.Duration) *reconnectState {
	if base <= 0 {
		base = time.Second
	}
	return &reconnectState{base: base, next: base}
}

// scheduled records one retry the policy has queued.
func (r *reconnectState) scheduled(attempts int, next time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = attempts
	r.next = next
}

// connected resets the schedule after a successful dial.
func (r *reconnectState) connected() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = 0
	r.next = r.base
}

// State reports the attempt count and the next scheduled delay.
func (r *reconnectState) State() (attempts int, next time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts, r.next
}
