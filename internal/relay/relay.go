// Package relay projects runner events into tracker activities and fans them
// out on the event bus for live observers.
package relay

import (
	"context"

	"go.uber.org/zap"

	"github.com/sylasdev/sylas/internal/common/logger"
	"github.com/sylasdev/sylas/internal/events/bus"
	"github.com/sylasdev/sylas/internal/procedure"
	"github.com/sylasdev/sylas/internal/runner"
	"github.com/sylasdev/sylas/internal/tracker"
)

// Relay posts activities for one tracker service. It is shared across the
// sessions of that tracker.
type Relay struct {
	svc    tracker.Service
	bus    bus.EventBus
	logger *logger.Logger
}

// New builds a relay over a tracker service. The bus may be nil; fan-out is
// then skipped.
func New(svc tracker.Service, eventBus bus.EventBus, log *logger.Logger) *Relay {
	return &Relay{svc: svc, bus: eventBus, logger: log.WithFields(zap.String("component", "relay"))}
}

// Post sends one activity to the tracker and mirrors it on the bus. Tracker
// failures are logged, never fatal to the session.
func (r *Relay) Post(ctx context.Context, activity tracker.Activity) {
	if err := r.svc.CreateAgentActivity(ctx, &activity); err != nil {
		r.logger.Warn("activity post failed",
			zap.String("session_id", activity.SessionID),
			zap.String("kind", string(activity.Kind)),
			zap.Error(err))
	}
	if r.bus != nil {
		subject := "session." + activity.SessionID + ".activity"
		ev := bus.NewEvent("activity", "relay", map[string]interface{}{
			"session_id": activity.SessionID,
			"kind":       string(activity.Kind),
			"body":       activity.Body,
			"action":     activity.Action,
			"parameter":  activity.Parameter,
			"is_error":   activity.IsError,
		})
		if err := r.bus.Publish(ctx, subject, ev); err != nil {
			r.logger.Debug("activity fan-out failed", zap.Error(err))
		}
	}
}

// Pump consumes a runner's event stream until it closes, posting activities
// per the subroutine's policy, and returns the final result.
//
// Rules: assistant text posts a response; tool use posts an action and
// thought text posts a thought, both dropped when the subroutine suppresses
// thought posting; for single-turn summary subroutines the final result is
// the only activity posted.
func (r *Relay) Pump(ctx context.Context, trackerSessionID string, sub *procedure.Subroutine, events <-chan runner.Event) (string, bool) {
	suppress := sub != nil && sub.SuppressThoughtPosting
	summaryOnly := sub != nil && sub.SingleTurn

	var resultText string
	var lastAssistant string
	var resultErr bool

	for ev := range events {
		switch ev.Type {
		case runner.EventAssistant:
			resultText = ev.Text
			lastAssistant = ev.Text
			if summaryOnly {
				continue
			}
			r.Post(ctx, tracker.Activity{
				SessionID: trackerSessionID,
				Kind:      tracker.ActivityResponse,
				Body:      ev.Text,
			})
		case runner.EventText:
			if suppress || summaryOnly || ev.Role != "thought" {
				continue
			}
			r.Post(ctx, tracker.Activity{
				SessionID: trackerSessionID,
				Kind:      tracker.ActivityThought,
				Body:      ev.Text,
			})
		case runner.EventToolUse:
			if suppress || summaryOnly {
				continue
			}
			r.Post(ctx, tracker.Activity{
				SessionID: trackerSessionID,
				Kind:      tracker.ActivityAction,
				Action:    ev.ToolName,
				Parameter: string(ev.ToolInput),
			})
		case runner.EventComplete:
			if ev.Result != nil {
				if ev.Result.Text != "" {
					resultText = ev.Result.Text
				}
				resultErr = ev.Result.IsError
			}
			// The final response is posted unless it would repeat the last
			// assistant message verbatim.
			if resultText != "" && (summaryOnly || resultText != lastAssistant) {
				r.Post(ctx, tracker.Activity{
					SessionID: trackerSessionID,
					Kind:      tracker.ActivityResponse,
					Body:      resultText,
					IsError:   resultErr,
				})
			}
		case runner.EventError:
			resultErr = true
			body := "runner failed"
			if ev.Err != nil {
				body = ev.Err.Error()
			}
			r.Post(ctx, tracker.Activity{
				SessionID: trackerSessionID,
				Kind:      tracker.ActivityResponse,
				Body:      body,
				IsError:   true,
			})
		}
	}
	return resultText, resultErr
}
