// Package handlers exposes the HTTP surface: the Twilio voice webhook that
// answers a call with TwiML, and the websocket endpoint the media stream
// connects back to.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/aurelia-health/voice-intake/internal/appointments"
	"github.com/aurelia-health/voice-intake/internal/bridge"
	"github.com/aurelia-health/voice-intake/internal/dispatch"
	"github.com/aurelia-health/voice-intake/internal/intake"
	"github.com/aurelia-health/voice-intake/internal/observability/metrics"
	"github.com/aurelia-health/voice-intake/internal/realtime"
	"github.com/aurelia-health/voice-intake/internal/session"
	"github.com/aurelia-health/voice-intake/internal/telephony"
	"github.com/aurelia-health/voice-intake/internal/validation"
	"github.com/aurelia-health/voice-intake/pkg/logging"
)

// VoiceHandler owns the call intake endpoints.
type VoiceHandler struct {
	cfg      VoiceHandlerConfig
	logger   *logging.Logger
	upgrader websocket.Upgrader
}

// VoiceHandlerConfig configures the VoiceHandler.
type VoiceHandlerConfig struct {
	// PublicHost is the externally reachable host used in the TwiML stream
	// URL. Empty falls back to the request's Host header.
	PublicHost string

	Realtime        realtime.Config
	Registry        *session.Registry
	Validator       *validation.AddressValidator
	Appointments    *appointments.Service
	Dispatcher      *dispatch.Dispatcher
	Retry           validation.RetryPolicy
	MaxFieldRetries int
	QueueSize       int

	Logger  *logging.Logger
	Metrics *metrics.CallMetrics
}

// NewVoiceHandler creates a VoiceHandler.
func NewVoiceHandler(cfg VoiceHandlerConfig) *VoiceHandler {
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.Registry == nil {
		cfg.Registry = session.NewRegistry()
	}
	return &VoiceHandler{
		cfg:    cfg,
		logger: cfg.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The media stream connects from Twilio's servers, not a browser.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Status reports that the server is up. Twilio never calls this; people do.
func (h *VoiceHandler) Status(w http.ResponseWriter, r *http.Request) {
	writeResponse(w, http.StatusOK, map[string]string{
		"service": "voice-intake",
		"status":  "ok",
		"message": "Voice intake media stream server is running",
	})
}

// Health is the load balancer health check.
func (h *VoiceHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeResponse(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// IncomingCall answers the Twilio voice webhook with TwiML that connects the
// call to our media-stream websocket.
func (h *VoiceHandler) IncomingCall(w http.ResponseWriter, r *http.Request) {
	host := h.cfg.PublicHost
	if host == "" {
		host = r.Host
	}
	twiml, err := telephony.AnswerTwiML(host)
	if err != nil {
		h.logger.Error("render answer twiml", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/xml")
	_, _ = w.Write([]byte(twiml))
}

// MediaStream upgrades the media-stream websocket and runs the call until it
// reaches a terminal state.
func (h *VoiceHandler) MediaStream(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("media-stream upgrade failed", "error", err)
		return
	}
	h.runStream(r.Context(), telephony.NewConn(ws))
}

// runStream drives one call end to end: wait for the start envelope, dial the
// AI engine, assemble the bridge and session, then shuttle envelopes and
// events until the session finishes.
func (h *VoiceHandler) runStream(ctx context.Context, conn *telephony.Conn) {
	startMsg, ok := h.awaitStart(conn)
	if !ok {
		_ = conn.Close()
		return
	}
	callID := startMsg.Start.CallSID
	if callID == "" {
		callID = uuid.NewString()
	}
	streamSID := startMsg.Start.StreamSID

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	agent, err := realtime.Dial(ctx, h.cfg.Realtime)
	if err != nil {
		h.logger.Error("agent dial failed", "call_id", callID, "error", err)
		_ = conn.Close()
		return
	}

	br := bridge.New(bridge.Config{
		CallID:    callID,
		QueueSize: h.cfg.QueueSize,
		ToAI: func(f bridge.Frame) error {
			return agent.AppendAudio(string(f.Payload))
		},
		ToTelephony: func(f bridge.Frame) error {
			return conn.SendMedia(streamSID, string(f.Payload))
		},
		Logger:  h.logger,
		Metrics: h.cfg.Metrics,
	})

	sess := session.New(session.Config{
		CallID:     callID,
		Agent:      agent,
		Phone:      conn,
		Bridge:     br,
		Machine:    intake.NewMachine(intake.NewRecord(h.cfg.MaxFieldRetries)),
		Validator:  h.cfg.Validator,
		Slots:      h.cfg.Appointments,
		Dispatcher: h.cfg.Dispatcher,
		Retry:      h.cfg.Retry,
		Logger:     h.logger,
		Metrics:    h.cfg.Metrics,
	})
	if err := h.cfg.Registry.Add(sess); err != nil {
		h.logger.Error("session registration failed", "call_id", callID, "error", err)
		sess.Abort(err)
		return
	}
	defer h.cfg.Registry.Remove(callID)

	go func() { _ = sess.Run(ctx) }()
	go h.agentReadLoop(sess, agent)

	sess.HandleTelephonyMessage(startMsg)
	h.telephonyReadLoop(sess, conn)
	<-sess.Done()
	h.logger.Info("media stream finished", "call_id", callID, "state", sess.State().String())
}

// awaitStart reads envelopes until the start event arrives. Twilio sends a
// connected envelope first, which carries nothing we need.
func (h *VoiceHandler) awaitStart(conn *telephony.Conn) (telephony.Message, bool) {
	for {
		msg, err := conn.Read()
		if err != nil {
			h.logger.Warn("stream ended before start envelope", "error", err)
			return telephony.Message{}, false
		}
		switch msg.Event {
		case telephony.EventStart:
			if msg.Start == nil {
				return telephony.Message{}, false
			}
			return msg, true
		case telephony.EventStop:
			return telephony.Message{}, false
		}
	}
}

func (h *VoiceHandler) agentReadLoop(sess *session.Session, agent *realtime.Client) {
	for {
		ev, err := agent.ReadEvent()
		if err != nil {
			select {
			case <-sess.Done():
			default:
				sess.Fail(err)
			}
			return
		}
		sess.HandleAgentEvent(ev)
	}
}

func (h *VoiceHandler) telephonyReadLoop(sess *session.Session, conn *telephony.Conn) {
	for {
		msg, err := conn.Read()
		if err != nil {
			select {
			case <-sess.Done():
			default:
				sess.Fail(err)
			}
			return
		}
		sess.HandleTelephonyMessage(msg)
		if msg.Event == telephony.EventStop {
			return
		}
	}
}

func writeResponse(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
