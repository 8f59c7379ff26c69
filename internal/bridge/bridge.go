// Package bridge relays audio frames between the telephony transport and the
// conversational AI transport. It has no understanding of the audio content:
// frames go downstream in arrival order per direction, and a slow leg sheds
// the oldest buffered frames rather than blocking or growing without bound.
package bridge

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/aurelia-health/voice-intake/internal/observability/metrics"
	"github.com/aurelia-health/voice-intake/pkg/logging"
)

// Leg identifies one side of the bridge.
type Leg string

const (
	LegTelephony Leg = "telephony"
	LegAI        Leg = "ai"
)

// ErrClosed is returned when forwarding through a closed bridge.
var ErrClosed = errors.New("bridge: closed")

// Frame is one audio chunk with its per-direction sequence number.
type Frame struct {
	Seq     uint64
	Payload []byte
}

// Sink delivers a frame to a transport leg. A returned error is treated as a
// transport failure on that leg.
type Sink func(Frame) error

// Event reports an asynchronous transport failure. Failures surface here
// instead of on the forward calls because they happen on the background
// delivery path.
type Event struct {
	CallID string
	Leg    Leg
	Err    error
}

// Config configures a Bridge.
type Config struct {
	CallID    string
	QueueSize int // frames buffered per direction before drop-oldest kicks in
	// ToAI receives caller audio; ToTelephony receives agent audio.
	ToAI        Sink
	ToTelephony Sink
	Logger      *logging.Logger
	Metrics     *metrics.CallMetrics
}

const defaultQueueSize = 256

// Bridge is one call's duplex frame relay.
type Bridge struct {
	callID  string
	logger  *logging.Logger
	metrics *metrics.CallMetrics

	inbound  *direction // caller -> AI
	outbound *direction // AI -> caller

	events chan Event

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// New creates a bridge. Open must be called before forwarding.
func New(cfg Config) *Bridge {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	return &Bridge{
		callID:   cfg.CallID,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		inbound:  newDirection(LegAI, cfg.ToAI, cfg.QueueSize),
		outbound: newDirection(LegTelephony, cfg.ToTelephony, cfg.QueueSize),
		events:   make(chan Event, 4),
		done:     make(chan struct{}),
	}
}

// Open starts the delivery pumps, one per direction.
func (b *Bridge) Open() {
	b.wg.Add(2)
	go b.pump(b.inbound)
	go b.pump(b.outbound)
}

// Events exposes asynchronous bridge failures.
func (b *Bridge) Events() <-chan Event {
	return b.events
}

// ForwardInbound relays caller audio toward the AI leg.
func (b *Bridge) ForwardInbound(payload []byte) error {
	return b.forward(b.inbound, payload)
}

// ForwardOutbound relays agent audio toward the telephony leg.
func (b *Bridge) ForwardOutbound(payload []byte) error {
	return b.forward(b.outbound, payload)
}

func (b *Bridge) forward(d *direction, payload []byte) error {
	select {
	case <-b.done:
		return ErrClosed
	default:
	}
	frame := Frame{Seq: d.seq.Add(1), Payload: payload}
	if dropped := d.enqueue(frame); dropped {
		b.metrics.ObserveFrameDropped(string(d.leg))
		b.logger.Debug("bridge dropped oldest frame", "call_id", b.callID, "leg", d.leg)
	}
	return nil
}

// Overflows reports how many frames were dropped toward the given leg.
func (b *Bridge) Overflows(leg Leg) uint64 {
	switch leg {
	case LegAI:
		return b.inbound.overflow.Load()
	case LegTelephony:
		return b.outbound.overflow.Load()
	}
	return 0
}

// Close stops both pumps. It is idempotent and never blocks on in-flight
// deliveries.
func (b *Bridge) Close() {
	b.closeOnce.Do(func() {
		close(b.done)
		b.inbound.close()
		b.outbound.close()
		go func() {
			b.wg.Wait()
			close(b.events)
		}()
	})
}

func (b *Bridge) pump(d *direction) {
	defer b.wg.Done()
	for {
		frame, ok := d.next(b.done)
		if !ok {
			return
		}
		if d.sink == nil {
			continue
		}
		if err := d.sink(frame); err != nil {
			select {
			case b.events <- Event{CallID: b.callID, Leg: d.leg, Err: err}:
			case <-b.done:
			}
			return
		}
	}
}

// direction is one ordered, bounded frame queue plus its downstream sink.
type direction struct {
	leg      Leg
	sink     Sink
	seq      atomic.Uint64
	overflow atomic.Uint64

	mu     sync.Mutex
	queue  []Frame
	max    int
	notify chan struct{}
	closed bool
}

func newDirection(leg Leg, sink Sink, max int) *direction {
	return &direction{
		leg:    leg,
		sink:   sink,
		max:    max,
		notify: make(chan struct{}, 1),
	}
}

// enqueue appends the frame, evicting the oldest when full. Eviction keeps
// the remaining frames in order. Reports whether a frame was dropped.
func (d *direction) enqueue(f Frame) bool {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return false
	}
	dropped := false
	if len(d.queue) >= d.max {
		d.queue = d.queue[1:]
		d.overflow.Add(1)
		dropped = true
	}
	d.queue = append(d.queue, f)
	d.mu.Unlock()

	select {
	case d.notify <- struct{}{}:
	default:
	}
	return dropped
}

// next blocks until a frame is available or done closes.
func (d *direction) next(done <-chan struct{}) (Frame, bool) {
	for {
		d.mu.Lock()
		if len(d.queue) > 0 {
			f := d.queue[0]
			d.queue = d.queue[1:]
			d.mu.Unlock()
			return f, true
		}
		closed := d.closed
		d.mu.Unlock()
		if closed {
			return Frame{}, false
		}

		select {
		case <-done:
			return Frame{}, false
		case <-d.notify:
		}
	}
}

func (d *direction) close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	select {
	case d.notify <- struct{}{}:
	default:
	}
}
