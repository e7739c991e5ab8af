package coordinator

import (
	"context"
	"errors"

	"github.com/looplab/fsm"
	"go.uber.org/zap"
)

// Status describes the freshness of a coordinator's data
type Status string

const (
	// StatusPending means no refresh has succeeded yet
	StatusPending Status = "pending"
	// StatusReady means the last refresh succeeded
	StatusReady Status = "ready"
	// StatusStale means data exists but the last refresh failed
	StatusStale Status = "stale"
	// StatusAuthFailed means the API key was rejected and polling is paused
	StatusAuthFailed Status = "auth_failed"
)

const (
	eventSucceed  = "succeed"
	eventFail     = "fail"
	eventAuthFail = "auth_fail"
)

func newStatusMachine(logger *zap.Logger) *fsm.FSM {
	all := []string{string(StatusPending), string(StatusReady), string(StatusStale), string(StatusAuthFailed)}

	return fsm.NewFSM(
		string(StatusPending),
		fsm.Events{
			{Name: eventSucceed, Src: all, Dst: string(StatusReady)},
			{Name: eventFail, Src: []string{string(StatusPending)}, Dst: string(StatusPending)},
			{Name: eventFail, Src: []string{string(StatusReady), string(StatusStale)}, Dst: string(StatusStale)},
			{Name: eventFail, Src: []string{string(StatusAuthFailed)}, Dst: string(StatusAuthFailed)},
			{Name: eventAuthFail, Src: all, Dst: string(StatusAuthFailed)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				logger.Info("Status changed",
					zap.String("from", e.Src),
					zap.String("to", e.Dst),
					zap.String("event", e.Event))
			},
		},
	)
}

// fire applies an event, treating self-transitions as no-ops
func (c *Coordinator) fire(ctx context.Context, event string) {
	err := c.status.Event(ctx, event)
	if err == nil {
		return
	}
	var noTransition fsm.NoTransitionError
	if errors.As(err, &noTransition) {
		return
	}
	c.logger.Warn("Unexpected status transition error",
		zap.String("event", event),
		zap.String("current", c.status.Current()),
		zap.Error(err))
}
