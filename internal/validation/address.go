package validation

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aurelia-health/voice-intake/internal/observability/metrics"
	"github.com/aurelia-health/voice-intake/pkg/logging"
)

const defaultGeoapifyBaseURL = "https://api.geoapify.com/v1/geocode/search"

// Address is a normalized US mailing address returned by the geocoder.
type Address struct {
	Line1      string  `json:"line1"`
	Line2      string  `json:"line2,omitempty"`
	City       string  `json:"city"`
	State      string  `json:"state"`
	PostalCode string  `json:"postal_code"`
	Country    string  `json:"country"`
	Confidence float64 `json:"confidence"`
}

// String renders the address on one line for summaries and prompts.
func (a Address) String() string {
	parts := []string{a.Line1}
	if a.Line2 != "" {
		parts = append(parts, a.Line2)
	}
	parts = append(parts, a.City, a.State, a.PostalCode)
	return strings.Join(parts, ", ")
}

// AddressValidator validates free-text addresses against the Geoapify
// forward-geocoding API.
type AddressValidator struct {
	apiKey  string
	baseURL string
	client  *http.Client
	logger  *logging.Logger
	metrics *metrics.CallMetrics
}

// AddressValidatorConfig configures the AddressValidator.
type AddressValidatorConfig struct {
	APIKey  string
	BaseURL string // optional override, used by tests
	Client  *http.Client
	Logger  *logging.Logger
	Metrics *metrics.CallMetrics
}

// NewAddressValidator creates a Geoapify-backed address validator.
func NewAddressValidator(cfg AddressValidatorConfig) *AddressValidator {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultGeoapifyBaseURL
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	return &AddressValidator{
		apiKey:  cfg.APIKey,
		baseURL: cfg.BaseURL,
		client:  cfg.Client,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}
}

// geoapifyResponse is the subset of the geocoder payload we read.
type geoapifyResponse struct {
	Features []struct {
		Properties struct {
			AddressLine1 string  `json:"address_line1"`
			AddressLine2 string  `json:"address_line2"`
			City         string  `json:"city"`
			State        string  `json:"state"`
			StateCode    string  `json:"state_code"`
			Postcode     string  `json:"postcode"`
			CountryCode  string  `json:"country_code"`
			Confidence   float64 `json:"confidence"`
			Rank         struct {
				Confidence float64 `json:"confidence"`
			} `json:"rank"`
		} `json:"properties"`
	} `json:"features"`
}

// ValidateAddress geocodes the raw address. A reachable geocoder that finds no
// match, or a match missing required components, is Invalid; transport-level
// failures are Unavailable.
func (v *AddressValidator) ValidateAddress(ctx context.Context, raw string) Result[Address] {
	start := time.Now()
	res := v.validate(ctx, raw)
	v.metrics.ObserveLookup("address", res.Status.String(), time.Since(start).Seconds())
	return res
}

func (v *AddressValidator) validate(ctx context.Context, raw string) Result[Address] {
	if strings.TrimSpace(raw) == "" {
		return Invalid[Address]("empty_address")
	}
	if v.apiKey == "" {
		return Unavailable[Address](fmt.Errorf("validation: geoapify API key not configured"))
	}

	q := url.Values{}
	q.Set("text", raw)
	q.Set("apiKey", v.apiKey)
	q.Set("limit", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return Unavailable[Address](fmt.Errorf("validation: build geocode request: %w", err))
	}

	resp, err := v.client.Do(req)
	if err != nil {
		v.logger.Warn("geocode request failed", "error", err)
		return Unavailable[Address](fmt.Errorf("validation: geocode request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		v.logger.Warn("geocode returned non-200", "status", resp.StatusCode)
		return Unavailable[Address](fmt.Errorf("validation: geocode returned status %d", resp.StatusCode))
	}

	var payload geoapifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Unavailable[Address](fmt.Errorf("validation: decode geocode response: %w", err))
	}

	if len(payload.Features) == 0 {
		return Invalid[Address]("no_match")
	}

	props := payload.Features[0].Properties
	state := props.StateCode
	if state == "" {
		state = props.State
	}
	confidence := props.Rank.Confidence
	if confidence == 0 {
		confidence = props.Confidence
	}
	addr := Address{
		Line1:      props.AddressLine1,
		Line2:      props.AddressLine2,
		City:       props.City,
		State:      state,
		PostalCode: props.Postcode,
		Country:    props.CountryCode,
		Confidence: confidence,
	}

	if missing := addr.missingComponents(); len(missing) > 0 {
		return Invalid[Address]("missing_components: " + strings.Join(missing, ","))
	}
	return Valid(addr)
}

func (a Address) missingComponents() []string {
	var missing []string
	if a.Line1 == "" {
		missing = append(missing, "line1")
	}
	if a.City == "" {
		missing = append(missing, "city")
	}
	if a.State == "" {
		missing = append(missing, "state")
	}
	if a.PostalCode == "" {
		missing = append(missing, "postal_code")
	}
	return missing
}
