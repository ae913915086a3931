// Package auth resolves who is making a request and exposes that identity to
// the chat core.
package auth

import (
	"context"
	"errors"
	"sync"
)

// ErrNotAuthenticated is returned when an operation needs a signed-in user.
var ErrNotAuthenticated = errors.New("not authenticated")

// User is a signed-in account.
type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
}

// Identity exposes the current user (if any) and notifies subscribers when
// it changes.
type Identity interface {
	Current() (User, bool)
	Subscribe(fn func(user User, signedIn bool)) (unsubscribe func())
}

// Watcher is a mutable Identity. The zero value is signed out.
type Watcher struct {
	mu       sync.RWMutex
	user     User
	signedIn bool
	nextID   int
	subs     map[int]func(User, bool)
}

// NewWatcher returns a Watcher already signed in as user.
func NewWatcher(user User) *Watcher {
	w := &Watcher{}
	w.SignIn(user)
	return w
}

func (w *Watcher) Current() (User, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.user, w.signedIn
}

func (w *Watcher) Subscribe(fn func(User, bool)) func() {
	w.mu.Lock()
	if w.subs == nil {
		w.subs = make(map[int]func(User, bool))
	}
	id := w.nextID
	w.nextID++
	w.subs[id] = fn
	w.mu.Unlock()

	return func() {
		w.mu.Lock()
		delete(w.subs, id)
		w.mu.Unlock()
	}
}

// SignIn switches the current identity to user.
func (w *Watcher) SignIn(user User) {
	w.set(user, user.ID != "")
}

// SignOut clears the current identity.
func (w *Watcher) SignOut() {
	w.set(User{}, false)
}

func (w *Watcher) set(user User, signedIn bool) {
	w.mu.Lock()
	w.user, w.signedIn = user, signedIn
	subs := make([]func(User, bool), 0, len(w.subs))
	for _, fn := range w.subs {
		subs = append(subs, fn)
	}
	w.mu.Unlock()

	for _, fn := range subs {
		fn(user, signedIn)
	}
}

type ctxKey struct{}

// WithUser stores the authenticated user on ctx.
func WithUser(ctx context.Context, user User) context.Context {
	return context.WithValue(ctx, ctxKey{}, user)
}

// FromContext returns the user stored by WithUser.
func FromContext(ctx context.Context) (User, bool) {
	user, ok := ctx.Value(ctxKey{}).(User)
	return user, ok && user.ID != ""
}

// RequireUser is FromContext that fails with ErrNotAuthenticated.
func RequireUser(ctx context.Context) (User, error) {
	user, ok := FromContext(ctx)
	if !ok {
		return User{}, ErrNotAuthenticated
	}
	return user, nil
}
