// Package session orchestrates one live call: it owns the call's state
// machine, routes telephony envelopes and AI events through a single event
// loop, and triggers dispatch exactly once when intake finalizes. All
// mutation happens on the loop goroutine, which is what lets the intake
// record stay lock-free.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aurelia-health/voice-intake/internal/appointments"
	"github.com/aurelia-health/voice-intake/internal/bridge"
	"github.com/aurelia-health/voice-intake/internal/dispatch"
	"github.com/aurelia-health/voice-intake/internal/intake"
	"github.com/aurelia-health/voice-intake/internal/observability/metrics"
	"github.com/aurelia-health/voice-intake/internal/realtime"
	"github.com/aurelia-health/voice-intake/internal/telephony"
	"github.com/aurelia-health/voice-intake/internal/validation"
	"github.com/aurelia-health/voice-intake/pkg/logging"
)

// State is the lifecycle position of a call session.
type State int

const (
	StateConnecting State = iota
	StateActive
	StateCompleting
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateCompleting:
		return "completing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ErrCallerHangup marks a stream that ended before intake finished.
var ErrCallerHangup = errors.New("session: caller hung up")

// Turn is one entry in the append-only conversation log. Interim marks a
// partial transcript later superseded by a final one; nothing is ever
// rewritten in place.
type Turn struct {
	Role    string // "caller", "agent" or "system"
	Text    string
	Interim bool
	At      time.Time
}

// agentConn is the slice of the realtime client the session drives.
type agentConn interface {
	InitSession() error
	SendToolResult(toolCallID string, result any) error
	SendClosingInstruction(text string) error
	Close() error
}

// phoneConn is the slice of the telephony connection the session drives
// directly. Outbound audio goes through the bridge sink instead.
type phoneConn interface {
	SendClear(streamSID string) error
	OutstandingMarks() int
	Close() error
}

type addressValidator interface {
	ValidateAddress(ctx context.Context, raw string) validation.Result[validation.Address]
}

type slotLister interface {
	List() []appointments.Slot
}

type bookingDispatcher interface {
	Dispatch(ctx context.Context, rec *intake.Record) dispatch.Result
}

// Config wires a session's collaborators.
type Config struct {
	CallID     string
	Agent      agentConn
	Phone      phoneConn
	Bridge     *bridge.Bridge
	Machine    *intake.Machine
	Validator  addressValidator
	Slots      slotLister
	Dispatcher bookingDispatcher
	Retry      validation.RetryPolicy
	Logger     *logging.Logger
	Metrics    *metrics.CallMetrics
	Now        func() time.Time // test hook
}

type op func(ctx context.Context)

// Session is one call in flight. Public methods enqueue work onto the event
// loop; Run executes it. Methods are safe to call from the transport read
// goroutines.
type Session struct {
	callID  string
	agent   agentConn
	phone   phoneConn
	bridge  *bridge.Bridge
	machine *intake.Machine
	valid   addressValidator
	slots   slotLister
	disp    bookingDispatcher
	retry   validation.RetryPolicy
	logger  *logging.Logger
	metrics *metrics.CallMetrics
	now     func() time.Time

	ops  chan op
	done chan struct{}

	// lifeCtx scopes background lookups (address validation, dispatch) to the
	// session; teardown cancels it so a hangup never waits on an external call.
	lifeCtx    context.Context
	lifeCancel context.CancelFunc

	mu        sync.Mutex
	state     State
	streamSID string
	turns     []Turn
	startedAt time.Time
	endErr    error

	dispatchOnce sync.Once
	dispatched   bool
	endStatus    string
	abandonErr   error
}

// New creates a session in the connecting state.
func New(cfg Config) *Session {
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Machine == nil {
		cfg.Machine = intake.NewMachine(nil)
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = validation.DefaultRetryPolicy()
	}
	s := &Session{
		callID:    cfg.CallID,
		agent:     cfg.Agent,
		phone:     cfg.Phone,
		bridge:    cfg.Bridge,
		machine:   cfg.Machine,
		valid:     cfg.Validator,
		slots:     cfg.Slots,
		disp:      cfg.Dispatcher,
		retry:     cfg.Retry,
		logger:    cfg.Logger.With("call_id", cfg.CallID),
		metrics:   cfg.Metrics,
		now:       cfg.Now,
		ops:       make(chan op, 512),
		done:      make(chan struct{}),
		state:     StateConnecting,
		startedAt: cfg.Now(),
	}
	s.lifeCtx, s.lifeCancel = context.WithCancel(context.Background())
	s.metrics.ObserveCallStarted()
	return s
}

// CallID returns the call identifier.
func (s *Session) CallID() string { return s.callID }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// StreamSID returns the media stream id, empty until the start envelope.
func (s *Session) StreamSID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamSID
}

// Turns returns a copy of the conversation log.
func (s *Session) Turns() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Turn, len(s.turns))
	copy(out, s.turns)
	return out
}

// Err returns the terminal error, nil for a clean close.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endErr
}

// Done closes when the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} { return s.done }

// Run is the session event loop. It returns when the session reaches a
// terminal state or ctx is cancelled. Exactly one Run per session.
func (s *Session) Run(ctx context.Context) error {
	defer s.finish()

	var bridgeEvents <-chan bridge.Event
	if s.bridge != nil {
		bridgeEvents = s.bridge.Events()
	}
	for {
		select {
		case <-ctx.Done():
			s.fail(ctx.Err())
			return ctx.Err()
		case <-s.done:
			return s.Err()
		case ev, ok := <-bridgeEvents:
			if !ok {
				bridgeEvents = nil
				continue
			}
			if ev.Err != nil {
				s.logger.Error("bridge transport failed", "leg", ev.Leg, "error", ev.Err)
				s.fail(fmt.Errorf("session: %s leg failed: %w", ev.Leg, ev.Err))
				return s.Err()
			}
		case fn := <-s.ops:
			fn(ctx)
			if s.State() == StateClosed || s.State() == StateFailed {
				return s.Err()
			}
		}
	}
}

// HandleTelephonyMessage enqueues one media-stream envelope.
func (s *Session) HandleTelephonyMessage(msg telephony.Message) {
	switch msg.Event {
	case telephony.EventStart:
		start := msg.Start
		s.enqueue(func(ctx context.Context) { s.handleStart(start) })
	case telephony.EventMedia:
		if msg.Media == nil {
			return
		}
		payload := msg.Media.Payload
		s.enqueue(func(ctx context.Context) { s.handleInboundAudio(payload) })
	case telephony.EventStop:
		s.enqueue(func(ctx context.Context) { s.handleStop() })
	}
}

// HandleAgentEvent enqueues one AI engine event.
func (s *Session) HandleAgentEvent(ev realtime.ServerEvent) {
	s.enqueue(func(ctx context.Context) { s.handleAgentEvent(ev) })
}

// Fail terminates the session from outside the loop, e.g. when a transport
// read loop errors out.
func (s *Session) Fail(err error) {
	s.enqueue(func(ctx context.Context) { s.fail(err) })
}

// Abort terminates a session whose Run loop never started, releasing its
// transports and balancing the metrics recorded at construction. Sessions
// with a running loop use Fail instead.
func (s *Session) Abort(err error) {
	s.fail(err)
	s.finish()
}

func (s *Session) enqueue(fn op) {
	select {
	case <-s.done:
	case s.ops <- fn:
	}
}

func (s *Session) handleStart(start *telephony.StartPayload) {
	if s.State() != StateConnecting {
		return
	}
	if start != nil {
		s.mu.Lock()
		s.streamSID = start.StreamSID
		s.mu.Unlock()
	}
	if s.bridge != nil {
		s.bridge.Open()
	}
	if err := s.agent.InitSession(); err != nil {
		s.fail(fmt.Errorf("session: init agent: %w", err))
		return
	}
	s.setState(StateActive)
	s.logger.Info("call active", "stream_sid", s.StreamSID())
}

// handleInboundAudio forwards caller audio. Once the session begins
// completing, caller audio no longer influences the call and is discarded.
func (s *Session) handleInboundAudio(payload string) {
	if s.State() != StateActive {
		return
	}
	if s.bridge == nil {
		return
	}
	if err := s.bridge.ForwardInbound([]byte(payload)); err != nil && !errors.Is(err, bridge.ErrClosed) {
		s.logger.Warn("inbound forward failed", "error", err)
	}
}

func (s *Session) handleStop() {
	switch s.State() {
	case StateConnecting, StateActive:
		// Hangup before finalize abandons the intake; nothing dispatches.
		s.logger.Info("caller hung up before intake completed")
		s.fail(ErrCallerHangup)
	case StateCompleting:
		if !s.closingSent() {
			// Dispatch still in flight. The hangup aborts it through lifeCtx
			// rather than waiting for a result nobody will hear.
			s.fail(ErrCallerHangup)
			return
		}
		s.finishCompleting()
	}
}

func (s *Session) handleAgentEvent(ev realtime.ServerEvent) {
	switch ev.Type {
	case realtime.EventTypeAudioDelta:
		if s.State() != StateActive && s.State() != StateCompleting {
			return
		}
		if s.bridge == nil {
			return
		}
		if err := s.bridge.ForwardOutbound([]byte(ev.Delta)); err != nil && !errors.Is(err, bridge.ErrClosed) {
			s.logger.Warn("outbound forward failed", "error", err)
		}
	case realtime.EventTypeSpeechStarted:
		s.bargeIn()
	case realtime.EventTypeTranscriptDelta:
		if ev.Delta != "" {
			s.appendInterim("agent", ev.Delta)
		}
	case realtime.EventTypeTranscriptDone:
		if ev.Transcript != "" {
			s.appendTurn("agent", ev.Transcript)
		}
	case realtime.EventTypeInputTranscript:
		if ev.Transcript != "" {
			s.appendTurn("caller", ev.Transcript)
		}
	case realtime.EventTypeFunctionCall:
		s.handleToolCall(ev)
	case realtime.EventTypeResponseDone:
		// The closing message finished rendering; nothing more to say.
		if s.State() == StateCompleting && s.closingSent() {
			s.finishCompleting()
		}
	case realtime.EventTypeError:
		if ev.Error != nil {
			s.logger.Error("agent reported error", "code", ev.Error.Code, "message", ev.Error.Message)
		}
	}
}

// bargeIn flushes queued agent audio when the caller starts speaking. When
// the mark ledger shows nothing queued or playing there is nothing to flush.
func (s *Session) bargeIn() {
	if s.State() != StateActive {
		return
	}
	if s.phone == nil {
		return
	}
	if s.phone.OutstandingMarks() == 0 {
		return
	}
	if err := s.phone.SendClear(s.StreamSID()); err != nil {
		s.logger.Warn("barge-in clear failed", "error", err)
	}
}

func (s *Session) handleToolCall(ev realtime.ServerEvent) {
	if s.State() != StateActive {
		return
	}
	args, err := realtime.ParseToolArguments(ev.Arguments)
	if err != nil {
		s.logger.Warn("unparseable tool arguments", "tool", ev.Name, "error", err)
		s.sendToolResult(ev.ToolCallID(), map[string]any{"status": "error", "error": "arguments not understood"})
		return
	}
	s.appendTurn("system", fmt.Sprintf("tool %s invoked", ev.Name))

	switch ev.Name {
	case realtime.ToolUpdateIntake:
		s.toolUpdateIntake(ev.ToolCallID(), args)
	case realtime.ToolConfirmFields:
		s.toolConfirmFields(ev.ToolCallID(), args)
	case realtime.ToolValidateAddress:
		s.toolValidateAddress(ev.ToolCallID(), args)
	case realtime.ToolListAppointments:
		s.toolListAppointments(ev.ToolCallID())
	case realtime.ToolFinalizeIntake:
		s.toolFinalize(ev.ToolCallID())
	default:
		s.logger.Warn("unknown tool", "tool", ev.Name)
		s.sendToolResult(ev.ToolCallID(), map[string]any{"status": "error", "error": "unknown tool"})
	}
}

// toolArgFields maps tool-schema argument names onto intake fields. The
// schema exposes full_name for ergonomics; the form stores patient_name.
var toolArgFields = map[string]intake.Field{
	"full_name":            intake.FieldPatientName,
	"patient_name":         intake.FieldPatientName,
	"date_of_birth":        intake.FieldDateOfBirth,
	"phone":                intake.FieldContactPhone,
	"email":                intake.FieldContactEmail,
	"address":              intake.FieldAddress,
	"insurance_payer_name": intake.FieldInsurancePayerName,
	"insurance_payer_id":   intake.FieldInsurancePayerID,
	"has_referral":         intake.FieldHasReferral,
	"referring_physician":  intake.FieldReferringPhysician,
	"chief_complaint":      intake.FieldChiefComplaint,
	"preferred_datetime":   intake.FieldPreferredTime,
}

func (s *Session) toolUpdateIntake(callID string, args map[string]any) {
	values := make(map[intake.Field]string, len(args))
	for key, raw := range args {
		field, ok := toolArgFields[key]
		if !ok {
			continue
		}
		switch v := raw.(type) {
		case string:
			values[field] = v
		case bool:
			values[field] = fmt.Sprintf("%t", v)
		case float64:
			values[field] = strings.TrimSuffix(fmt.Sprintf("%f", v), ".000000")
		}
	}

	prompt, err := s.machine.HandleExtraction(values)
	if err != nil {
		s.sendToolResult(callID, map[string]any{"status": "error", "error": err.Error()})
		return
	}
	s.sendToolResult(callID, map[string]any{
		"status":      "ok",
		"instruction": prompt,
	})
}

func (s *Session) toolConfirmFields(callID string, args map[string]any) {
	affirmed := fieldList(args["affirmed"])
	corrected := fieldList(args["corrected"])

	// An empty affirmed list means "everything read back was right", but only
	// when nothing was corrected; a correction-only report affirms nothing.
	if len(affirmed) > 0 || len(corrected) == 0 {
		if err := s.machine.HandleAffirmation(affirmed); err != nil {
			s.sendToolResult(callID, map[string]any{"status": "error", "error": err.Error()})
			return
		}
	}
	if len(corrected) > 0 {
		if err := s.machine.HandleCorrection(corrected); err != nil {
			if errors.Is(err, intake.ErrUnresolvable) {
				s.abandonForCallback()
				return
			}
			s.sendToolResult(callID, map[string]any{"status": "error", "error": err.Error()})
			return
		}
	}

	result := map[string]any{"status": "ok"}
	if prompt := s.machine.NextPrompt(); prompt != "" {
		result["instruction"] = prompt
	} else {
		result["instruction"] = "All details are confirmed. Offer available appointment times, then finalize."
	}
	s.sendToolResult(callID, result)
}

// toolValidateAddress runs the Geoapify lookup off the event loop so audio
// keeps flowing while the provider answers. The result comes back as a
// follow-up op, keeping all intake mutation on the loop goroutine.
func (s *Session) toolValidateAddress(callID string, args map[string]any) {
	raw, _ := args["address_text"].(string)
	go func() {
		res := validation.Retry(s.lifeCtx, s.retry, func(ctx context.Context) validation.Result[validation.Address] {
			return s.valid.ValidateAddress(ctx, raw)
		})
		s.enqueue(func(ctx context.Context) { s.finishValidateAddress(callID, res) })
	}()
}

func (s *Session) finishValidateAddress(callID string, res validation.Result[validation.Address]) {
	if s.State() != StateActive {
		return
	}
	switch res.Status {
	case validation.StatusValid:
		s.machine.Record().SetValidatedAddress(res.Value)
		s.sendToolResult(callID, map[string]any{
			"status":     "valid",
			"normalized": res.Value.String(),
			"confidence": res.Value.Confidence,
		})
	case validation.StatusInvalid:
		s.sendToolResult(callID, map[string]any{
			"status": "invalid",
			"reason": res.Reason,
		})
	default:
		s.logger.Warn("address validation unavailable", "error", res.Err)
		s.sendToolResult(callID, map[string]any{
			"status":      "unavailable",
			"instruction": "Address validation is temporarily unavailable. Apologize and continue with the remaining questions; try validating again before finalizing.",
		})
	}
}

func (s *Session) toolListAppointments(callID string) {
	slots := s.slots.List()
	out := make([]map[string]string, 0, len(slots))
	for _, slot := range slots {
		out = append(out, map[string]string{
			"doctor":    slot.Doctor,
			"specialty": slot.Specialty,
			"start":     slot.Start.Format(time.RFC3339),
			"end":       slot.End.Format(time.RFC3339),
		})
	}
	s.sendToolResult(callID, map[string]any{"status": "ok", "appointments": out})
}

// toolFinalize completes intake. Dispatch runs at most once per session no
// matter how many finalize calls the agent issues, and it runs off the event
// loop so the caller keeps hearing the agent while the booking lands.
func (s *Session) toolFinalize(callID string) {
	if !s.machine.Complete() {
		result := map[string]any{"status": "incomplete"}
		if prompt := s.machine.NextPrompt(); prompt != "" {
			result["instruction"] = prompt
		} else {
			result["instruction"] = "The caller's address still needs validation. Validate it, then finalize again."
		}
		s.sendToolResult(callID, result)
		return
	}

	s.setState(StateCompleting)
	s.sendToolResult(callID, map[string]any{"status": "ok"})
	s.dispatchOnce.Do(func() {
		// Once completing, tool calls are gated off, so the dispatch goroutine
		// is the only writer of the intake record until its result op runs.
		go func() {
			res := s.disp.Dispatch(s.lifeCtx, s.machine.Record())
			s.enqueue(func(ctx context.Context) { s.finishDispatch(res) })
		}()
	})
}

func (s *Session) finishDispatch(res dispatch.Result) {
	if s.State() != StateCompleting {
		return
	}
	s.mu.Lock()
	s.dispatched = true
	switch res.Outcome {
	case dispatch.OutcomeSuccess:
		s.endStatus = "completed"
	case dispatch.OutcomePartialFailure:
		s.endStatus = "completed_partial"
	default:
		s.endStatus = "dispatch_failed"
	}
	s.mu.Unlock()
	s.appendTurn("system", "dispatch "+res.Outcome.String())
	if err := s.agent.SendClosingInstruction(res.ClosingMessage()); err != nil {
		s.logger.Warn("closing instruction failed", "error", err)
		s.finishCompleting()
	}
}

// abandonForCallback ends intake after a field exceeded its correction
// ceiling. No dispatch happens; the caller hears a graceful goodbye and the
// session then fails so the unresolved intake is flagged for a human.
func (s *Session) abandonForCallback() {
	s.logger.Warn("intake unresolvable, offering human callback")
	s.setState(StateCompleting)
	s.mu.Lock()
	s.dispatched = true
	s.endStatus = "abandoned"
	s.abandonErr = intake.ErrUnresolvable
	s.mu.Unlock()
	msg := "Apologize that you could not capture that detail reliably. Tell the caller a staff member will call them back shortly to finish scheduling, and say goodbye."
	if err := s.agent.SendClosingInstruction(msg); err != nil {
		s.logger.Warn("closing instruction failed", "error", err)
		s.finishCompleting()
	}
}

// finishCompleting settles a completing session once the closing response has
// been spoken (or cannot be). An unresolvable intake ends failed; everything
// else closes with the dispatch outcome.
func (s *Session) finishCompleting() {
	s.mu.Lock()
	abandonErr := s.abandonErr
	s.mu.Unlock()
	if abandonErr != nil {
		s.fail(abandonErr)
		return
	}
	s.close(s.endStatusLocked())
}

func (s *Session) sendToolResult(callID string, result any) {
	if err := s.agent.SendToolResult(callID, result); err != nil {
		s.logger.Error("tool result failed", "error", err)
		s.fail(fmt.Errorf("session: tool result: %w", err))
	}
}

func (s *Session) appendTurn(role, text string) {
	s.mu.Lock()
	s.turns = append(s.turns, Turn{Role: role, Text: text, At: s.now()})
	s.mu.Unlock()
}

func (s *Session) appendInterim(role, text string) {
	s.mu.Lock()
	s.turns = append(s.turns, Turn{Role: role, Text: text, Interim: true, At: s.now()})
	s.mu.Unlock()
}

func (s *Session) setState(next State) {
	s.mu.Lock()
	s.state = next
	s.mu.Unlock()
}

func (s *Session) closingSent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dispatched
}

func (s *Session) endStatusLocked() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.endStatus == "" {
		return "completed"
	}
	return s.endStatus
}

// fail moves the session to the failed state. The intake record is never
// dispatched on this path.
func (s *Session) fail(err error) {
	s.mu.Lock()
	if s.state == StateClosed || s.state == StateFailed {
		s.mu.Unlock()
		return
	}
	s.state = StateFailed
	s.endErr = err
	if s.endStatus == "" {
		s.endStatus = "failed"
	}
	s.mu.Unlock()
	s.teardown()
	s.logger.Info("call failed", "error", err)
}

func (s *Session) close(status string) {
	s.mu.Lock()
	if s.state == StateClosed || s.state == StateFailed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	s.endStatus = status
	s.mu.Unlock()
	s.teardown()
	s.logger.Info("call closed", "status", status)
}

func (s *Session) teardown() {
	s.lifeCancel()
	if s.bridge != nil {
		s.bridge.Close()
	}
	if s.agent != nil {
		_ = s.agent.Close()
	}
	if s.phone != nil {
		_ = s.phone.Close()
	}
	close(s.done)
}

func (s *Session) finish() {
	s.mu.Lock()
	status := s.endStatus
	if status == "" {
		status = "completed"
	}
	started := s.startedAt
	s.mu.Unlock()
	s.metrics.ObserveCallEnded(status, s.now().Sub(started).Seconds())
}

func fieldList(raw any) []intake.Field {
	items, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]intake.Field, 0, len(items))
	for _, item := range items {
		name, ok := item.(string)
		if !ok {
			continue
		}
		f := intake.Field(name)
		if name == "full_name" {
			f = intake.FieldPatientName
		}
		if intake.Known(f) {
			out = append(out, f)
		}
	}
	return out
}
