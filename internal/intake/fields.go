// Package intake tracks the structured form filled during a call. Values
// extracted from conversation are held as pending until the caller
// affirmatively confirms them; nothing downstream ever sees an unconfirmed
// value.
package intake

// Field names one slot on the intake form. Values mirror the tool-schema
// property names the conversational agent uses.
type Field string

const (
	FieldPatientName        Field = "patient_name"
	FieldDateOfBirth        Field = "date_of_birth"
	FieldInsurancePayerName Field = "insurance_payer_name"
	FieldInsurancePayerID   Field = "insurance_payer_id"
	FieldHasReferral        Field = "has_referral"
	FieldReferringPhysician Field = "referring_physician"
	FieldChiefComplaint     Field = "chief_complaint"
	FieldAddress            Field = "address"
	FieldPreferredTime      Field = "preferred_datetime"
	FieldContactPhone       Field = "phone"
	FieldContactEmail       Field = "email"
)

// requiredOrder is the fixed order intake walks the form. FieldReferringPhysician
// is required only when the caller reports a referral; FieldContactEmail is
// always optional.
var requiredOrder = []Field{
	FieldPatientName,
	FieldDateOfBirth,
	FieldInsurancePayerName,
	FieldInsurancePayerID,
	FieldHasReferral,
	FieldReferringPhysician,
	FieldChiefComplaint,
	FieldAddress,
	FieldPreferredTime,
	FieldContactPhone,
}

// knownFields gates what extraction may write.
var knownFields = map[Field]bool{
	FieldPatientName:        true,
	FieldDateOfBirth:        true,
	FieldInsurancePayerName: true,
	FieldInsurancePayerID:   true,
	FieldHasReferral:        true,
	FieldReferringPhysician: true,
	FieldChiefComplaint:     true,
	FieldAddress:            true,
	FieldPreferredTime:      true,
	FieldContactPhone:       true,
	FieldContactEmail:       true,
}

// Known reports whether f is a recognized intake field.
func Known(f Field) bool {
	return knownFields[f]
}

// Label returns the caller-facing name used in confirmation prompts.
func (f Field) Label() string {
	switch f {
	case FieldPatientName:
		return "name"
	case FieldDateOfBirth:
		return "date of birth"
	case FieldInsurancePayerName:
		return "insurance provider"
	case FieldInsurancePayerID:
		return "insurance member ID"
	case FieldHasReferral:
		return "referral"
	case FieldReferringPhysician:
		return "referring physician"
	case FieldChiefComplaint:
		return "reason for the visit"
	case FieldAddress:
		return "address"
	case FieldPreferredTime:
		return "preferred appointment time"
	case FieldContactPhone:
		return "phone number"
	case FieldContactEmail:
		return "email address"
	default:
		return string(f)
	}
}
