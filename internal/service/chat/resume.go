package chat

import (
	"context"

	"go.uber.org/zap"

	"github.com/zhouzirui/promptdeck/backend/internal/model/chat"
)

// pendingUserTurn reports the trailing user turn that still needs a reply.
// It matches only when the last user turn is the final turn, so no
// assistant turn follows it.
func pendingUserTurn(turns []chat.Turn) (chat.Turn, bool) {
	lastUser := -1
	for i, t := range turns {
		if t.Sender == chat.SenderUser {
			lastUser = i
		}
	}
	if lastUser < 0 || lastUser != len(turns)-1 {
		return chat.Turn{}, false
	}
	return turns[lastUser], true
}

// Resume answers a trailing user turn left unanswered by an earlier load.
// Only the first call per Reconciler evaluates the rule; later calls report
// false. The existing turn is reused, no new user turn is appended.
func (r *Reconciler) Resume(ctx context.Context) (Result, bool, error) {
	r.mu.Lock()
	if r.resumeChecked {
		r.mu.Unlock()
		return Result{}, false, nil
	}
	r.resumeChecked = true
	turn, ok := pendingUserTurn(r.session.Turns())
	r.mu.Unlock()
	if !ok {
		return Result{}, false, nil
	}

	user, err := r.currentUser()
	if err != nil {
		return Result{}, true, err
	}

	r.mu.Lock()
	if turn, ok = pendingUserTurn(r.session.Turns()); !ok {
		r.mu.Unlock()
		return Result{}, false, nil
	}
	if err := r.beginLocked(user); err != nil {
		r.mu.Unlock()
		return Result{}, true, err
	}
	gen := r.generation
	r.mu.Unlock()

	r.logger.Info("resuming unanswered turn", zap.String("turn", turn.ID))
	res, err := r.roundTrip(ctx, gen)
	return res, true, err
}
