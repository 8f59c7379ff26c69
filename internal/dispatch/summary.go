package dispatch

import (
	"fmt"
	"strings"
	"time"

	"github.com/aurelia-health/voice-intake/internal/appointments"
	"github.com/aurelia-health/voice-intake/internal/intake"
	"github.com/aurelia-health/voice-intake/internal/notify"
)

// BuildSummaryEmail formats the booking confirmation sent to the clinic's
// booking inbox.
func BuildSummaryEmail(rec *intake.Record, slot appointments.Slot, recipients []string) notify.EmailMessage {
	field := func(f intake.Field) string {
		if v, ok := rec.Confirmed(f); ok {
			return v
		}
		return "—"
	}
	addr := "—"
	if a := rec.ValidatedAddress(); a != nil {
		addr = a.String()
	}

	subject := fmt.Sprintf("New Appointment — %s @ %s", slot.Doctor, slot.Start.Format(time.RFC3339))

	var text strings.Builder
	fmt.Fprintf(&text, "New appointment reserved.\n\n")
	fmt.Fprintf(&text, "Patient: %s\n", field(intake.FieldPatientName))
	fmt.Fprintf(&text, "DOB: %s\n", field(intake.FieldDateOfBirth))
	fmt.Fprintf(&text, "Phone: %s\n", field(intake.FieldContactPhone))
	fmt.Fprintf(&text, "Email: %s\n", field(intake.FieldContactEmail))
	fmt.Fprintf(&text, "Insurance: %s (ID: %s)\n", field(intake.FieldInsurancePayerName), field(intake.FieldInsurancePayerID))
	fmt.Fprintf(&text, "Referral: %s\n", field(intake.FieldHasReferral))
	fmt.Fprintf(&text, "Referring Physician: %s\n", field(intake.FieldReferringPhysician))
	fmt.Fprintf(&text, "Chief Complaint: %s\n", field(intake.FieldChiefComplaint))
	fmt.Fprintf(&text, "Address: %s\n\n", addr)
	fmt.Fprintf(&text, "Doctor: %s\nSpecialty: %s\nStart: %s\nEnd: %s\n",
		slot.Doctor, slot.Specialty, slot.Start.Format(time.RFC3339), slot.End.Format(time.RFC3339))

	html := fmt.Sprintf(`<h2>Voice Intake — New Appointment Reserved</h2>
<p><strong>Patient:</strong> %s<br/>
<strong>DOB:</strong> %s<br/>
<strong>Phone:</strong> %s<br/>
<strong>Email:</strong> %s<br/>
<strong>Insurance:</strong> %s (ID: %s)<br/>
<strong>Referral:</strong> %s<br/>
<strong>Referring Physician:</strong> %s<br/>
<strong>Chief Complaint:</strong> %s<br/>
<strong>Address:</strong> %s</p>
<p><strong>Doctor:</strong> %s<br/>
<strong>Specialty:</strong> %s<br/>
<strong>Start:</strong> %s<br/>
<strong>End:</strong> %s</p>`,
		field(intake.FieldPatientName),
		field(intake.FieldDateOfBirth),
		field(intake.FieldContactPhone),
		field(intake.FieldContactEmail),
		field(intake.FieldInsurancePayerName),
		field(intake.FieldInsurancePayerID),
		field(intake.FieldHasReferral),
		field(intake.FieldReferringPhysician),
		field(intake.FieldChiefComplaint),
		addr,
		slot.Doctor,
		slot.Specialty,
		slot.Start.Format(time.RFC3339),
		slot.End.Format(time.RFC3339),
	)

	return notify.EmailMessage{
		To:      recipients,
		Subject: subject,
		Body:    text.String(),
		HTML:    html,
	}
}
