package chat

import "context"

// ShowPlaceholder runs the placeholder timer callback for the current
// round-trip immediately.
func (r *Reconciler) ShowPlaceholder() {
	r.mu.Lock()
	gen := r.generation
	r.mu.Unlock()
	r.showPlaceholder(context.Background(), gen)
}
