// Package dispatch performs the post-intake side effects: assign a simulated
// appointment slot, format the booking summary, and notify the clinic. The
// owning session guarantees at most one Dispatch call per call session; the
// dispatcher itself guarantees bounded attempts and honest outcome reporting.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/aurelia-health/voice-intake/internal/appointments"
	"github.com/aurelia-health/voice-intake/internal/intake"
	"github.com/aurelia-health/voice-intake/internal/notify"
	"github.com/aurelia-health/voice-intake/internal/observability/metrics"
	"github.com/aurelia-health/voice-intake/internal/validation"
	"github.com/aurelia-health/voice-intake/pkg/logging"
)

// Outcome classifies a dispatch attempt.
type Outcome int

const (
	// OutcomeSuccess: slot assigned and notification delivered.
	OutcomeSuccess Outcome = iota
	// OutcomePartialFailure: one side effect landed, the other did not.
	// Reported distinctly so the closing message never overstates.
	OutcomePartialFailure
	// OutcomeFailure: no slot could be assigned; nothing was sent.
	OutcomeFailure
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomePartialFailure:
		return "partial_failure"
	case OutcomeFailure:
		return "failure"
	default:
		return "unknown"
	}
}

// Result reports what actually happened during dispatch.
type Result struct {
	Outcome   Outcome
	Slot      *appointments.Slot
	SlotErr   error
	NotifyErr error
}

// ClosingMessage is the instruction handed back to the agent so the caller
// hears an accurate summary of what was and wasn't done.
func (r Result) ClosingMessage() string {
	switch r.Outcome {
	case OutcomeSuccess:
		return fmt.Sprintf(
			"Tell the caller their appointment is booked with %s on %s, a confirmation has been sent, and say goodbye.",
			r.Slot.Doctor, r.Slot.Start.Format("Monday, January 2 at 3:04 PM"))
	case OutcomePartialFailure:
		return fmt.Sprintf(
			"Tell the caller their appointment with %s on %s is reserved, but the confirmation message could not be sent and the clinic will follow up directly. Then say goodbye.",
			r.Slot.Doctor, r.Slot.Start.Format("Monday, January 2 at 3:04 PM"))
	default:
		return "Apologize: no appointment could be booked right now. Tell the caller the clinic will call them back to finish scheduling, and say goodbye."
	}
}

// Dispatcher wires the side-effect collaborators.
type Dispatcher struct {
	availability validation.AvailabilityChecker
	sender       notify.EmailSender
	recipients   []string
	retry        validation.RetryPolicy
	logger       *logging.Logger
	metrics      *metrics.CallMetrics
	now          func() time.Time
}

// Config configures a Dispatcher.
type Config struct {
	Availability validation.AvailabilityChecker
	Sender       notify.EmailSender
	Recipients   []string
	Retry        validation.RetryPolicy
	Logger       *logging.Logger
	Metrics      *metrics.CallMetrics
	Now          func() time.Time // test hook
}

// New creates a Dispatcher.
func New(cfg Config) *Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = validation.DefaultRetryPolicy()
	}
	return &Dispatcher{
		availability: cfg.Availability,
		sender:       cfg.Sender,
		recipients:   cfg.Recipients,
		retry:        cfg.Retry,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
		now:          cfg.Now,
	}
}

// Dispatch assigns a slot and sends the booking summary. The record must be
// complete; callers serialize invocations per session.
func (d *Dispatcher) Dispatch(ctx context.Context, rec *intake.Record) Result {
	res := d.dispatch(ctx, rec)
	d.metrics.ObserveDispatch(res.Outcome.String())
	return res
}

func (d *Dispatcher) dispatch(ctx context.Context, rec *intake.Record) Result {
	preferredRaw, _ := rec.Confirmed(intake.FieldPreferredTime)
	preferred := validation.ParsePreferredTime(preferredRaw, d.now())

	lookup := validation.Retry(ctx, d.retry, func(ctx context.Context) validation.Result[appointments.Slot] {
		return d.availability.CheckAvailability(ctx, preferred)
	})
	switch lookup.Status {
	case validation.StatusValid:
	case validation.StatusInvalid:
		d.logger.Warn("dispatch: no slot offered", "reason", lookup.Reason)
		return Result{Outcome: OutcomeFailure, SlotErr: fmt.Errorf("dispatch: availability rejected: %s", lookup.Reason)}
	default:
		d.logger.Error("dispatch: availability unreachable", "error", lookup.Err)
		return Result{Outcome: OutcomeFailure, SlotErr: fmt.Errorf("dispatch: availability unavailable: %w", lookup.Err)}
	}

	slot := lookup.Value
	if err := rec.AssignSlot(slot); err != nil {
		return Result{Outcome: OutcomeFailure, SlotErr: err}
	}

	msg := BuildSummaryEmail(rec, slot, d.recipients)
	if err := d.send(ctx, msg); err != nil {
		d.logger.Error("dispatch: notification failed after slot assignment", "error", err, "doctor", slot.Doctor)
		return Result{Outcome: OutcomePartialFailure, Slot: &slot, NotifyErr: err}
	}

	d.logger.Info("dispatch complete", "doctor", slot.Doctor, "start", slot.Start)
	return Result{Outcome: OutcomeSuccess, Slot: &slot}
}

// send retries delivery on error, backing off between attempts and stopping at
// the first success so a flaky provider never produces duplicate notifications.
func (d *Dispatcher) send(ctx context.Context, msg notify.EmailMessage) error {
	var lastErr error
	for attempt := 0; attempt < d.retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d.retry.Backoff(attempt - 1)):
			}
		}
		if lastErr = d.sender.Send(ctx, msg); lastErr == nil {
			return nil
		}
	}
	return lastErr
}
