package intake

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/aurelia-health/voice-intake/internal/appointments"
	"github.com/aurelia-health/voice-intake/internal/validation"
)

var (
	// ErrUnresolvable is returned when a field exceeds its correction ceiling.
	// It is terminal for the session.
	ErrUnresolvable = errors.New("intake: field correction ceiling exceeded")
	// ErrNotPending is returned when confirming a field that has no pending value.
	ErrNotPending = errors.New("intake: field has no pending value to confirm")
	// ErrIncomplete is returned when a slot is assigned before the form is done.
	ErrIncomplete = errors.New("intake: record not complete")
	// ErrUnknownField is returned for extraction writes outside the form.
	ErrUnknownField = errors.New("intake: unknown field")
)

// DefaultMaxFieldRetries bounds corrections per field before the session
// gives up and offers a human callback.
const DefaultMaxFieldRetries = 3

// Record is the intake form for one call. It is not safe for concurrent use;
// the owning session serializes all mutations through its event loop.
type Record struct {
	maxRetries int

	pending     map[Field]string
	confirmed   map[Field]string
	corrections map[Field]int

	validatedAddress *validation.Address
	appointmentSlot  *appointments.Slot
}

// NewRecord creates an empty record. maxRetries <= 0 uses the default ceiling.
func NewRecord(maxRetries int) *Record {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxFieldRetries
	}
	return &Record{
		maxRetries:  maxRetries,
		pending:     make(map[Field]string),
		confirmed:   make(map[Field]string),
		corrections: make(map[Field]int),
	}
}

// Propose records extracted values as pending. Fields already confirmed are
// skipped: a confirmed value is only replaced through Correct. Returns the
// fields actually marked pending, in form order, for the confirmation prompt.
func (r *Record) Propose(values map[Field]string) ([]Field, error) {
	var marked []Field
	for f, v := range values {
		if !Known(f) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownField, f)
		}
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, done := r.confirmed[f]; done {
			continue
		}
		r.pending[f] = v
		marked = append(marked, f)
	}
	sortFields(marked)
	return marked, nil
}

// Confirm moves a pending value into the confirmed set.
func (r *Record) Confirm(f Field) error {
	v, ok := r.pending[f]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotPending, f)
	}
	delete(r.pending, f)
	r.confirmed[f] = v

	// A corrected address must be re-validated.
	if f == FieldAddress {
		r.validatedAddress = nil
	}
	return nil
}

// Correct discards the field's pending value, and removes the field from the
// confirmed set if present, so a replacement can be proposed. Each correction
// counts against the field's ceiling; exceeding it returns ErrUnresolvable.
func (r *Record) Correct(f Field) error {
	delete(r.pending, f)
	delete(r.confirmed, f)
	if f == FieldAddress {
		r.validatedAddress = nil
	}

	r.corrections[f]++
	if r.corrections[f] > r.maxRetries {
		return fmt.Errorf("%w: %s after %d attempts", ErrUnresolvable, f, r.corrections[f])
	}
	return nil
}

// Confirmed returns the confirmed value for a field.
func (r *Record) Confirmed(f Field) (string, bool) {
	v, ok := r.confirmed[f]
	return v, ok
}

// Pending returns the pending (extracted, unconfirmed) value for a field.
func (r *Record) Pending(f Field) (string, bool) {
	v, ok := r.pending[f]
	return v, ok
}

// ConfirmedFields returns the set of confirmed field names in form order.
func (r *Record) ConfirmedFields() []Field {
	out := make([]Field, 0, len(r.confirmed))
	for f := range r.confirmed {
		out = append(out, f)
	}
	sortFields(out)
	return out
}

// SetValidatedAddress stores the normalized address after a Valid lookup.
func (r *Record) SetValidatedAddress(addr validation.Address) {
	r.validatedAddress = &addr
}

// ValidatedAddress returns the normalized address, or nil before validation.
func (r *Record) ValidatedAddress() *validation.Address {
	return r.validatedAddress
}

// requiredFields returns the required set given what is known so far. The
// referring physician only becomes required once the caller confirms they
// have a referral.
func (r *Record) requiredFields() []Field {
	out := make([]Field, 0, len(requiredOrder))
	for _, f := range requiredOrder {
		if f == FieldReferringPhysician && !r.hasReferral() {
			continue
		}
		out = append(out, f)
	}
	return out
}

func (r *Record) hasReferral() bool {
	v, ok := r.confirmed[FieldHasReferral]
	if !ok {
		v = r.pending[FieldHasReferral]
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "yes", "y":
		return true
	}
	return false
}

// NextUnconfirmed returns the first required field that is not yet confirmed,
// or false when every required field is confirmed.
func (r *Record) NextUnconfirmed() (Field, bool) {
	for _, f := range r.requiredFields() {
		if _, ok := r.confirmed[f]; !ok {
			return f, true
		}
	}
	return "", false
}

// Complete reports whether every required field is confirmed and the address
// has been validated.
func (r *Record) Complete() bool {
	if _, missing := r.NextUnconfirmed(); missing {
		return false
	}
	return r.validatedAddress != nil
}

// AssignSlot sets the appointment slot. It refuses until the record is
// complete, which keeps partial intakes from ever reaching dispatch effects.
func (r *Record) AssignSlot(slot appointments.Slot) error {
	if !r.Complete() {
		return ErrIncomplete
	}
	r.appointmentSlot = &slot
	return nil
}

// Slot returns the assigned appointment slot, or nil before assignment.
func (r *Record) Slot() *appointments.Slot {
	return r.appointmentSlot
}

func sortFields(fields []Field) {
	pos := make(map[Field]int, len(requiredOrder))
	for i, f := range requiredOrder {
		pos[f] = i
	}
	pos[FieldContactEmail] = len(requiredOrder)
	sort.Slice(fields, func(i, j int) bool { return pos[fields[i]] < pos[fields[j]] })
}
