package intake

import (
	"fmt"
	"strings"
)

// Machine drives the ask, extract, then confirm walk over the record. Extraction
// and affirmation detection are the conversational agent's job; the machine
// only enforces ordering, confirmation, and the correction ceiling.
type Machine struct {
	rec *Record

	// awaiting holds fields proposed in the last extraction, in form order.
	// Confirmation is batched into one prompt but resolved per field.
	awaiting []Field
}

// NewMachine wraps a record. A nil record gets default settings.
func NewMachine(rec *Record) *Machine {
	if rec == nil {
		rec = NewRecord(0)
	}
	return &Machine{rec: rec}
}

// Record exposes the underlying record for read access and dispatch.
func (m *Machine) Record() *Record {
	return m.rec
}

// Awaiting returns the fields currently waiting on caller confirmation.
func (m *Machine) Awaiting() []Field {
	out := make([]Field, len(m.awaiting))
	copy(out, m.awaiting)
	return out
}

// HandleExtraction ingests values the agent extracted from a caller turn.
// All extracted fields become pending together and the returned prompt asks
// the caller to confirm them in one breath.
func (m *Machine) HandleExtraction(values map[Field]string) (string, error) {
	marked, err := m.rec.Propose(values)
	if err != nil {
		return "", err
	}
	if len(marked) == 0 {
		return m.NextPrompt(), nil
	}
	m.awaiting = marked
	return m.confirmationPrompt(marked), nil
}

// HandleAffirmation confirms fields the caller affirmed. An empty list means
// the caller affirmed everything awaiting confirmation.
func (m *Machine) HandleAffirmation(fields []Field) error {
	if len(fields) == 0 {
		fields = m.awaiting
	}
	for _, f := range fields {
		if err := m.rec.Confirm(f); err != nil {
			return err
		}
	}
	m.awaiting = m.remaining(fields)
	return nil
}

// HandleCorrection discards the named fields' values so the agent can
// re-extract them. Exceeding a field's ceiling surfaces ErrUnresolvable,
// which is terminal for the session.
func (m *Machine) HandleCorrection(fields []Field) error {
	if len(fields) == 0 {
		fields = m.awaiting
	}
	for _, f := range fields {
		if err := m.rec.Correct(f); err != nil {
			return err
		}
	}
	m.awaiting = m.remaining(fields)
	return nil
}

// NextPrompt returns what the agent should ask about next, or an empty string
// when the form is finished.
func (m *Machine) NextPrompt() string {
	if len(m.awaiting) > 0 {
		return m.confirmationPrompt(m.awaiting)
	}
	f, ok := m.rec.NextUnconfirmed()
	if !ok {
		return ""
	}
	return fmt.Sprintf("Ask the caller for their %s.", f.Label())
}

// Complete reports whether intake has everything it needs.
func (m *Machine) Complete() bool {
	return m.rec.Complete()
}

func (m *Machine) confirmationPrompt(fields []Field) string {
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		if v, ok := m.rec.Pending(f); ok {
			parts = append(parts, fmt.Sprintf("%s: %s", f.Label(), v))
		}
	}
	if len(parts) == 0 {
		return ""
	}
	return fmt.Sprintf("Read back and ask the caller to confirm — %s.", strings.Join(parts, "; "))
}

// remaining filters handled fields out of the awaiting list, preserving order.
func (m *Machine) remaining(handled []Field) []Field {
	done := make(map[Field]bool, len(handled))
	for _, f := range handled {
		done[f] = true
	}
	var out []Field
	for _, f := range m.awaiting {
		if !done[f] {
			out = append(out, f)
		}
	}
	return out
}
