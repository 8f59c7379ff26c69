package realtime

// Tool names the agent may invoke during a call.
const (
	ToolValidateAddress  = "validate_address"
	ToolUpdateIntake     = "update_intake_state"
	ToolConfirmFields    = "confirm_intake_fields"
	ToolListAppointments = "get_available_appointments"
	ToolFinalizeIntake   = "finalize_appointment"
)

// systemPrompt steers the intake conversation. Field collection order and the
// read-back-then-confirm discipline match what the intake state machine
// enforces server-side.
const systemPrompt = "You are a medical intake voice agent for a clinic.\n" +
	"CRITICAL: Always acknowledge user responses immediately and proceed without pausing.\n" +
	"Your goals:\n" +
	"1) Collect: patient first name, last name and date of birth.\n" +
	"2) Collect insurance info: payer name and payer ID.\n" +
	"3) Ask if they have a referral; if yes, capture the referring physician.\n" +
	"4) Collect chief medical complaint / reason for visit.\n" +
	"5) Collect demographics: full street address, city, state, ZIP.\n" +
	"   - After the caller provides an address, call the `validate_address` tool.\n" +
	"   - If invalid or missing components, politely ask for corrections.\n" +
	"6) Collect contact info: phone (required) and email (optional).\n" +
	"7) Whenever the caller provides information, persist it with `update_intake_state`,\n" +
	"   read it back, and after the caller's reply report the outcome with\n" +
	"   `confirm_intake_fields` — affirmed fields in `affirmed`, corrected ones in `corrected`.\n" +
	"8) Offer best available providers and times. Use the `get_available_appointments` tool.\n" +
	"9) The call is *not resolved* until all items are captured and confirmed.\n" +
	"Use short, respectful prompts. When everything is gathered, call `finalize_appointment`."

const greetingInstruction = "Greet the caller: 'Let's schedule your doctor's visit.'"

// toolSchemas declares the function tools for the session.update payload.
func toolSchemas() []map[string]any {
	strProp := func(desc string) map[string]any {
		return map[string]any{"type": "string", "description": desc}
	}
	fieldArray := map[string]any{
		"type":  "array",
		"items": map[string]any{"type": "string"},
	}
	return []map[string]any{
		{
			"type":        "function",
			"name":        ToolValidateAddress,
			"description": "Validate and normalize a US mailing address string; returns missing fields if any.",
			"parameters": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"address_text": strProp("The raw address as provided by caller"),
				},
				"required": []string{"address_text"},
			},
		},
		{
			"type":        "function",
			"name":        ToolUpdateIntake,
			"description": "Persist one or more collected intake fields into the server-side call state.",
			"parameters": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"full_name":            strProp("Patient full legal name."),
					"date_of_birth":        strProp("YYYY-MM-DD."),
					"phone":                strProp("E.164 preferred, but free-form accepted."),
					"email":                map[string]any{"type": "string", "format": "email"},
					"address":              strProp("Free-form street address."),
					"insurance_payer_name": strProp("Insurance payer name."),
					"insurance_payer_id":   strProp("Insurance member/payer ID."),
					"has_referral":         map[string]any{"type": "boolean", "description": "Whether the patient has a referral."},
					"referring_physician":  strProp("Doctor or clinic name, if any."),
					"chief_complaint":      strProp("Reason for visit in patient's words."),
					"preferred_datetime":   strProp("The caller's preferred appointment time."),
				},
				"additionalProperties": false,
			},
		},
		{
			"type":        "function",
			"name":        ToolConfirmFields,
			"description": "Report the caller's reaction to the read-back: which fields they affirmed and which they corrected.",
			"parameters": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"affirmed":  fieldArray,
					"corrected": fieldArray,
				},
			},
		},
		{
			"type":        "function",
			"name":        ToolListAppointments,
			"description": "List available appointment slots.",
			"parameters":  map[string]any{"type": "object", "properties": map[string]any{}},
		},
		{
			"type":        "function",
			"name":        ToolFinalizeIntake,
			"description": "Complete intake and send confirmations. Include {doctor,start,end}.",
			"parameters": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"appointment": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"doctor":    map[string]any{"type": "string"},
							"specialty": map[string]any{"type": "string"},
							"start":     map[string]any{"type": "string"},
							"end":       map[string]any{"type": "string"},
						},
						"required": []string{"doctor", "start", "end"},
					},
				},
				"required": []string{"appointment"},
			},
		},
	}
}

// sessionUpdate builds the session.update payload: mu-law audio both ways,
// server-side voice activity detection, and the intake tool set.
func sessionUpdate(voice string, temperature float64) map[string]any {
	return map[string]any{
		"type": "session.update",
		"session": map[string]any{
			"input_audio_format":  "g711_ulaw",
			"output_audio_format": "g711_ulaw",
			"input_audio_transcription": map[string]any{
				"model": "whisper-1",
			},
			"turn_detection": map[string]any{
				"type":                "server_vad",
				"create_response":     true,
				"interrupt_response":  true,
				"threshold":           0.5,
				"silence_duration_ms": 800,
				"prefix_padding_ms":   300,
			},
			"voice":        voice,
			"instructions": systemPrompt,
			"modalities":   []string{"text", "audio"},
			"temperature":  temperature,
			"tools":        toolSchemas(),
		},
	}
}
