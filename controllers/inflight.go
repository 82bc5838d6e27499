package controllers

import (
	"sync"

	"k8s.io/apimachinery/pkg/types"
)

// inflightTracker holds a token per Application with a reconciliation cycle
// in progress, enforcing at most one in-flight cycle per Application.
type inflightTracker struct {
	mu     sync.Mutex
	tokens map[types.NamespacedName]struct{}
}

// tryAcquire takes the token for the Application, returning false if a cycle
// already holds it.
func (t *inflightTracker) tryAcquire(key types.NamespacedName) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.tokens == nil {
		t.tokens = map[types.NamespacedName]struct{}{}
	}
	if _, busy := t.tokens[key]; busy {
		return false
	}
	t.tokens[key] = struct{}{}

	return true
}

func (t *inflightTracker) release(key types.NamespacedName) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.tokens, key)
}
