package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aurelia-health/voice-intake/internal/appointments"
	"github.com/aurelia-health/voice-intake/internal/bridge"
	"github.com/aurelia-health/voice-intake/internal/dispatch"
	"github.com/aurelia-health/voice-intake/internal/intake"
	"github.com/aurelia-health/voice-intake/internal/observability/metrics"
	"github.com/aurelia-health/voice-intake/internal/realtime"
	"github.com/aurelia-health/voice-intake/internal/telephony"
	"github.com/aurelia-health/voice-intake/internal/validation"
)

const waitFor = 2 * time.Second

type fakeAgent struct {
	mu       sync.Mutex
	inited   bool
	results  []any
	closings []string
	closed   bool
}

func (f *fakeAgent) InitSession() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inited = true
	return nil
}

func (f *fakeAgent) SendToolResult(toolCallID string, result any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, result)
	return nil
}

func (f *fakeAgent) SendClosingInstruction(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closings = append(f.closings, text)
	return nil
}

func (f *fakeAgent) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeAgent) resultCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.results)
}

func (f *fakeAgent) lastResult() map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.results) == 0 {
		return nil
	}
	m, _ := f.results[len(f.results)-1].(map[string]any)
	return m
}

func (f *fakeAgent) closingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.closings)
}

type fakePhone struct {
	mu     sync.Mutex
	clears []string
	marks  int
	closed bool
}

func (f *fakePhone) SendClear(streamSID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clears = append(f.clears, streamSID)
	f.marks = 0
	return nil
}

func (f *fakePhone) OutstandingMarks() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.marks
}

func (f *fakePhone) setMarks(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marks = n
}

func (f *fakePhone) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakePhone) clearCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clears)
}

type fakeValidator struct {
	result validation.Result[validation.Address]
}

func (f *fakeValidator) ValidateAddress(ctx context.Context, raw string) validation.Result[validation.Address] {
	return f.result
}

type fakeDispatcher struct {
	calls  atomic.Int64
	result dispatch.Result
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, rec *intake.Record) dispatch.Result {
	f.calls.Add(1)
	if f.result.Slot != nil {
		_ = rec.AssignSlot(*f.result.Slot)
	}
	return f.result
}

// blockingValidator parks until released or cancelled, standing in for a slow
// geocoding provider.
type blockingValidator struct {
	entered   chan struct{}
	release   chan struct{}
	cancelled atomic.Bool
}

func newBlockingValidator() *blockingValidator {
	return &blockingValidator{entered: make(chan struct{}, 1), release: make(chan struct{})}
}

func (b *blockingValidator) ValidateAddress(ctx context.Context, raw string) validation.Result[validation.Address] {
	select {
	case b.entered <- struct{}{}:
	default:
	}
	select {
	case <-b.release:
		return validation.Valid(validation.Address{Line1: "350 5th Ave", City: "New York", State: "NY", PostalCode: "10118"})
	case <-ctx.Done():
		b.cancelled.Store(true)
		return validation.Unavailable[validation.Address](ctx.Err())
	}
}

// blockingDispatcher parks until its context is cancelled.
type blockingDispatcher struct {
	entered   chan struct{}
	cancelled atomic.Bool
}

func newBlockingDispatcher() *blockingDispatcher {
	return &blockingDispatcher{entered: make(chan struct{}, 1)}
}

func (b *blockingDispatcher) Dispatch(ctx context.Context, rec *intake.Record) dispatch.Result {
	select {
	case b.entered <- struct{}{}:
	default:
	}
	<-ctx.Done()
	b.cancelled.Store(true)
	return dispatch.Result{Outcome: dispatch.OutcomeFailure, SlotErr: ctx.Err()}
}

type capture struct {
	mu       sync.Mutex
	payloads []string
}

func (c *capture) sink(f bridge.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.payloads = append(c.payloads, string(f.Payload))
	return nil
}

func (c *capture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.payloads)
}

type harness struct {
	sess    *Session
	agent   *fakeAgent
	phone   *fakePhone
	disp    *fakeDispatcher
	toAI    *capture
	toPhone *capture
	cancel  context.CancelFunc
}

func newHarness(t *testing.T) *harness {
	return newHarnessWith(t, nil, nil)
}

// newHarnessWith builds a running session; nil validator/dispatcher select the
// well-behaved fakes.
func newHarnessWith(t *testing.T, validator addressValidator, dispatcher bookingDispatcher) *harness {
	t.Helper()
	agent := &fakeAgent{}
	phone := &fakePhone{}
	toAI := &capture{}
	toPhone := &capture{}
	slot := appointments.Slot{
		Doctor:    "Dr. Frank Smith",
		Specialty: "Primary Care",
		Start:     time.Date(2025, 8, 22, 9, 0, 0, 0, time.UTC),
		End:       time.Date(2025, 8, 22, 9, 20, 0, 0, time.UTC),
	}
	if validator == nil {
		validator = &fakeValidator{result: validation.Valid(validation.Address{Line1: "350 5th Ave", City: "New York", State: "NY", PostalCode: "10118"})}
	}
	disp, _ := dispatcher.(*fakeDispatcher)
	if dispatcher == nil {
		disp = &fakeDispatcher{result: dispatch.Result{Outcome: dispatch.OutcomeSuccess, Slot: &slot}}
		dispatcher = disp
	}

	br := bridge.New(bridge.Config{
		CallID: "CA-test",
		ToAI:   toAI.sink, ToTelephony: toPhone.sink,
	})
	sess := New(Config{
		CallID:     "CA-test",
		Agent:      agent,
		Phone:      phone,
		Bridge:     br,
		Machine:    intake.NewMachine(intake.NewRecord(2)),
		Validator:  validator,
		Slots:      appointments.NewService(nil),
		Dispatcher: dispatcher,
		Retry:      validation.RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond},
	})
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = sess.Run(ctx) }()
	t.Cleanup(cancel)

	return &harness{sess: sess, agent: agent, phone: phone, disp: disp, toAI: toAI, toPhone: toPhone, cancel: cancel}
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	h.sess.HandleTelephonyMessage(telephony.Message{
		Event: telephony.EventStart,
		Start: &telephony.StartPayload{StreamSID: "MZ-test", CallSID: "CA-test"},
	})
	require.Eventually(t, func() bool { return h.sess.State() == StateActive }, waitFor, 5*time.Millisecond)
}

func fcEvent(name, id, args string) realtime.ServerEvent {
	return realtime.ServerEvent{
		Type:      realtime.EventTypeFunctionCall,
		Name:      name,
		CallID:    id,
		Arguments: json.RawMessage(args),
	}
}

const fullIntakeArgs = `{
	"full_name": "Jane Doe",
	"date_of_birth": "1985-03-14",
	"insurance_payer_name": "Acme Health",
	"insurance_payer_id": "AH-12345",
	"has_referral": false,
	"chief_complaint": "persistent cough",
	"address": "350 5th Ave, New York NY",
	"preferred_datetime": "2025-08-22T09:00:00Z",
	"phone": "+15550100"
}`

// completeIntake drives the agent-side tool sequence a finished call produces.
func (h *harness) completeIntake(t *testing.T) {
	t.Helper()
	h.sess.HandleAgentEvent(fcEvent(realtime.ToolUpdateIntake, "c1", fullIntakeArgs))
	require.Eventually(t, func() bool { return h.agent.resultCount() >= 1 }, waitFor, 5*time.Millisecond)
	h.sess.HandleAgentEvent(fcEvent(realtime.ToolConfirmFields, "c2", `{"affirmed":[]}`))
	h.sess.HandleAgentEvent(fcEvent(realtime.ToolValidateAddress, "c3", `{"address_text":"350 5th Ave, New York NY"}`))
	require.Eventually(t, func() bool { return h.agent.resultCount() >= 3 }, waitFor, 5*time.Millisecond)
}

func TestStartActivatesSession(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.agent.mu.Lock()
	inited := h.agent.inited
	h.agent.mu.Unlock()
	assert.True(t, inited)
	assert.Equal(t, "MZ-test", h.sess.StreamSID())
}

func TestInboundAudioForwarded(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.sess.HandleTelephonyMessage(telephony.Message{
		Event: telephony.EventMedia,
		Media: &telephony.MediaPayload{Payload: "bXVsYXc="},
	})
	require.Eventually(t, func() bool { return h.toAI.count() == 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, "bXVsYXc=", h.toAI.payloads[0])
}

func TestAgentAudioForwardedToCaller(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.sess.HandleAgentEvent(realtime.ServerEvent{Type: realtime.EventTypeAudioDelta, Delta: "YWdlbnQ="})
	require.Eventually(t, func() bool { return h.toPhone.count() == 1 }, waitFor, 5*time.Millisecond)
}

func TestBargeInClearsPlayback(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	// Two payloads queued at Twilio, none played back yet.
	h.phone.setMarks(2)
	h.sess.HandleAgentEvent(realtime.ServerEvent{Type: realtime.EventTypeSpeechStarted})
	require.Eventually(t, func() bool { return h.phone.clearCount() == 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, "MZ-test", h.phone.clears[0])
}

func TestBargeInSkippedWhenNothingPlaying(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.sess.HandleAgentEvent(realtime.ServerEvent{Type: realtime.EventTypeSpeechStarted})
	// The transcript lands after speech_started on the ordered loop, proving
	// the barge-in was processed without a clear.
	h.sess.HandleAgentEvent(realtime.ServerEvent{Type: realtime.EventTypeTranscriptDone, Transcript: "hello"})
	require.Eventually(t, func() bool { return len(h.sess.Turns()) == 1 }, waitFor, 5*time.Millisecond)
	assert.Zero(t, h.phone.clearCount(), "nothing queued means nothing to flush")
}

func TestHangupMidIntakeFailsWithoutDispatch(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	// Most of the form is filled when the caller hangs up.
	h.sess.HandleAgentEvent(fcEvent(realtime.ToolUpdateIntake, "c1", fullIntakeArgs))
	h.sess.HandleAgentEvent(fcEvent(realtime.ToolConfirmFields, "c2", `{"affirmed":[]}`))
	h.sess.HandleTelephonyMessage(telephony.Message{Event: telephony.EventStop})

	require.Eventually(t, func() bool { return h.sess.State() == StateFailed }, waitFor, 5*time.Millisecond)
	assert.ErrorIs(t, h.sess.Err(), ErrCallerHangup)
	assert.Zero(t, h.disp.calls.Load(), "abandoned intake must never dispatch")
}

func TestFinalizeBeforeCompleteIsRejected(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.sess.HandleAgentEvent(fcEvent(realtime.ToolFinalizeIntake, "c1", `{}`))
	require.Eventually(t, func() bool { return h.agent.resultCount() == 1 }, waitFor, 5*time.Millisecond)

	res := h.agent.lastResult()
	assert.Equal(t, "incomplete", res["status"])
	assert.Zero(t, h.disp.calls.Load())
	assert.Equal(t, StateActive, h.sess.State())
}

func TestFinalizeDispatchesOnce(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	h.completeIntake(t)

	h.sess.HandleAgentEvent(fcEvent(realtime.ToolFinalizeIntake, "c4", `{}`))
	h.sess.HandleAgentEvent(fcEvent(realtime.ToolFinalizeIntake, "c5", `{}`))

	require.Eventually(t, func() bool { return h.agent.closingCount() >= 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, int64(1), h.disp.calls.Load(), "dispatch is at most once per call")
	assert.Contains(t, h.agent.closings[0], "booked")
	assert.Equal(t, StateCompleting, h.sess.State())
}

func TestInboundAudioIgnoredWhileCompleting(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	h.completeIntake(t)

	h.sess.HandleAgentEvent(fcEvent(realtime.ToolFinalizeIntake, "c4", `{}`))
	require.Eventually(t, func() bool { return h.sess.State() == StateCompleting }, waitFor, 5*time.Millisecond)

	before := h.toAI.count()
	h.sess.HandleTelephonyMessage(telephony.Message{
		Event: telephony.EventMedia,
		Media: &telephony.MediaPayload{Payload: "bGF0ZQ=="},
	})
	h.sess.HandleAgentEvent(realtime.ServerEvent{Type: realtime.EventTypeTranscriptDone, Transcript: "goodbye"})
	require.Eventually(t, func() bool {
		for _, turn := range h.sess.Turns() {
			if turn.Text == "goodbye" {
				return true
			}
		}
		return false
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, before, h.toAI.count(), "caller audio after completion is discarded")
}

func TestResponseDoneAfterClosingClosesSession(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	h.completeIntake(t)

	h.sess.HandleAgentEvent(fcEvent(realtime.ToolFinalizeIntake, "c4", `{}`))
	require.Eventually(t, func() bool { return h.agent.closingCount() == 1 }, waitFor, 5*time.Millisecond)
	h.sess.HandleAgentEvent(realtime.ServerEvent{Type: realtime.EventTypeResponseDone})

	require.Eventually(t, func() bool { return h.sess.State() == StateClosed }, waitFor, 5*time.Millisecond)
	h.agent.mu.Lock()
	closed := h.agent.closed
	h.agent.mu.Unlock()
	assert.True(t, closed)
}

func TestCorrectionCeilingOffersCallback(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	// The record allows two corrections; the third exceeds the ceiling.
	for i := 0; i < 3; i++ {
		h.sess.HandleAgentEvent(fcEvent(realtime.ToolUpdateIntake, "u", `{"full_name":"Jane Doe"}`))
		h.sess.HandleAgentEvent(fcEvent(realtime.ToolConfirmFields, "k", `{"corrected":["patient_name"]}`))
	}

	require.Eventually(t, func() bool { return h.agent.closingCount() == 1 }, waitFor, 5*time.Millisecond)
	assert.Contains(t, h.agent.closings[0], "call them back")
	assert.Zero(t, h.disp.calls.Load())
	assert.Equal(t, StateCompleting, h.sess.State())

	// The goodbye finishes rendering; the unresolved intake then surfaces as
	// a failed session rather than a clean close.
	h.sess.HandleAgentEvent(realtime.ServerEvent{Type: realtime.EventTypeResponseDone})
	require.Eventually(t, func() bool { return h.sess.State() == StateFailed }, waitFor, 5*time.Millisecond)
	assert.ErrorIs(t, h.sess.Err(), intake.ErrUnresolvable)
}

func TestValidationRunsOffTheEventLoop(t *testing.T) {
	v := newBlockingValidator()
	h := newHarnessWith(t, v, nil)
	h.start(t)

	h.sess.HandleAgentEvent(fcEvent(realtime.ToolValidateAddress, "c1", `{"address_text":"350 5th Ave"}`))
	select {
	case <-v.entered:
	case <-time.After(waitFor):
		t.Fatal("validator was never invoked")
	}

	// Caller audio keeps flowing while the lookup is in flight.
	h.sess.HandleTelephonyMessage(telephony.Message{
		Event: telephony.EventMedia,
		Media: &telephony.MediaPayload{Payload: "bXVsYXc="},
	})
	require.Eventually(t, func() bool { return h.toAI.count() == 1 }, waitFor, 5*time.Millisecond)

	close(v.release)
	require.Eventually(t, func() bool { return h.agent.resultCount() >= 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, "valid", h.agent.lastResult()["status"])
}

func TestHangupCancelsInFlightValidation(t *testing.T) {
	v := newBlockingValidator()
	h := newHarnessWith(t, v, nil)
	h.start(t)

	h.sess.HandleAgentEvent(fcEvent(realtime.ToolValidateAddress, "c1", `{"address_text":"350 5th Ave"}`))
	select {
	case <-v.entered:
	case <-time.After(waitFor):
		t.Fatal("validator was never invoked")
	}

	h.sess.HandleTelephonyMessage(telephony.Message{Event: telephony.EventStop})
	require.Eventually(t, func() bool { return h.sess.State() == StateFailed }, waitFor, 5*time.Millisecond)
	assert.ErrorIs(t, h.sess.Err(), ErrCallerHangup)
	require.Eventually(t, func() bool { return v.cancelled.Load() }, waitFor, 5*time.Millisecond)
}

func TestHangupCancelsInFlightDispatch(t *testing.T) {
	d := newBlockingDispatcher()
	h := newHarnessWith(t, nil, d)
	h.start(t)
	h.completeIntake(t)

	h.sess.HandleAgentEvent(fcEvent(realtime.ToolFinalizeIntake, "c4", `{}`))
	select {
	case <-d.entered:
	case <-time.After(waitFor):
		t.Fatal("dispatcher was never invoked")
	}

	h.sess.HandleTelephonyMessage(telephony.Message{Event: telephony.EventStop})
	require.Eventually(t, func() bool { return h.sess.State() == StateFailed }, waitFor, 5*time.Millisecond)
	assert.ErrorIs(t, h.sess.Err(), ErrCallerHangup)
	require.Eventually(t, func() bool { return d.cancelled.Load() }, waitFor, 5*time.Millisecond)
}

func TestTurnLogRecordsBothSpeakers(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.sess.HandleAgentEvent(realtime.ServerEvent{Type: realtime.EventTypeTranscriptDelta, Delta: "Let's sched"})
	h.sess.HandleAgentEvent(realtime.ServerEvent{Type: realtime.EventTypeTranscriptDone, Transcript: "Let's schedule your doctor's visit."})
	h.sess.HandleAgentEvent(realtime.ServerEvent{Type: realtime.EventTypeInputTranscript, Transcript: "My name is Jane Doe."})

	require.Eventually(t, func() bool { return len(h.sess.Turns()) == 3 }, waitFor, 5*time.Millisecond)
	turns := h.sess.Turns()
	assert.Equal(t, "agent", turns[0].Role)
	assert.True(t, turns[0].Interim)
	assert.Equal(t, "agent", turns[1].Role)
	assert.False(t, turns[1].Interim)
	assert.Equal(t, "caller", turns[2].Role)
	assert.Equal(t, "My name is Jane Doe.", turns[2].Text)
}

func TestAbortReleasesSessionAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewCallMetrics(reg)
	agent := &fakeAgent{}
	phone := &fakePhone{}
	sess := New(Config{CallID: "CA-abort", Agent: agent, Phone: phone, Metrics: m})

	sess.Abort(errors.New("duplicate call id"))

	assert.Equal(t, StateFailed, sess.State())
	select {
	case <-sess.Done():
	default:
		t.Fatal("done must be closed after abort")
	}
	agent.mu.Lock()
	closed := agent.closed
	agent.mu.Unlock()
	assert.True(t, closed)
	assert.Zero(t, gaugeValue(t, reg, "voiceintake_calls_active"), "an aborted session must not count as active")
}

func gaugeValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			return mf.GetMetric()[0].GetGauge().GetValue()
		}
	}
	t.Fatalf("metric %s not registered", name)
	return 0
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	h := newHarness(t)

	require.NoError(t, reg.Add(h.sess))
	assert.Error(t, reg.Add(h.sess), "duplicate call ids are rejected")

	got, ok := reg.Lookup("CA-test")
	require.True(t, ok)
	assert.Same(t, h.sess, got)

	reg.Remove("CA-test")
	assert.Equal(t, 0, reg.Len())
}
