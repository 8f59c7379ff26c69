package validation

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestValidator(t *testing.T, handler http.HandlerFunc) *AddressValidator {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewAddressValidator(AddressValidatorConfig{
		APIKey:  "test-key",
		BaseURL: srv.URL,
		Client:  srv.Client(),
	})
}

func TestValidateAddress_Valid(t *testing.T) {
	v := newTestValidator(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1", r.URL.Query().Get("limit"))
		assert.Equal(t, "test-key", r.URL.Query().Get("apiKey"))
		w.Write([]byte(`{"features":[{"properties":{
			"address_line1":"350 5th Ave",
			"city":"New York","state_code":"NY","postcode":"10118",
			"country_code":"us","rank":{"confidence":0.95}}}]}`))
	})

	res := v.ValidateAddress(context.Background(), "350 5th ave nyc")
	require.Equal(t, StatusValid, res.Status)
	assert.Equal(t, "350 5th Ave", res.Value.Line1)
	assert.Equal(t, "NY", res.Value.State)
	assert.Equal(t, 0.95, res.Value.Confidence)
	assert.Equal(t, "350 5th Ave, New York, NY, 10118", res.Value.String())
}

func TestValidateAddress_NoMatch(t *testing.T) {
	v := newTestValidator(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"features":[]}`))
	})

	res := v.ValidateAddress(context.Background(), "123 Fake St, Nowhere")
	require.Equal(t, StatusInvalid, res.Status)
	assert.Equal(t, "no_match", res.Reason)
}

func TestValidateAddress_MissingComponents(t *testing.T) {
	v := newTestValidator(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"features":[{"properties":{"city":"Austin","state":"Texas"}}]}`))
	})

	res := v.ValidateAddress(context.Background(), "somewhere in austin")
	require.Equal(t, StatusInvalid, res.Status)
	assert.Contains(t, res.Reason, "line1")
	assert.Contains(t, res.Reason, "postal_code")
}

func TestValidateAddress_ServerErrorIsUnavailable(t *testing.T) {
	v := newTestValidator(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	res := v.ValidateAddress(context.Background(), "350 5th ave")
	assert.Equal(t, StatusUnavailable, res.Status)
	assert.Error(t, res.Err)
}

func TestValidateAddress_TimeoutIsUnavailable(t *testing.T) {
	v := newTestValidator(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		w.Write([]byte(`{"features":[]}`))
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	res := v.ValidateAddress(ctx, "350 5th ave")
	assert.Equal(t, StatusUnavailable, res.Status)
}

func TestValidateAddress_MissingAPIKey(t *testing.T) {
	v := NewAddressValidator(AddressValidatorConfig{})
	res := v.ValidateAddress(context.Background(), "350 5th ave")
	assert.Equal(t, StatusUnavailable, res.Status)
}

func TestValidateAddress_EmptyInput(t *testing.T) {
	v := NewAddressValidator(AddressValidatorConfig{APIKey: "k"})
	res := v.ValidateAddress(context.Background(), "   ")
	require.Equal(t, StatusInvalid, res.Status)
	assert.Equal(t, "empty_address", res.Reason)
}
