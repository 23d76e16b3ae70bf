package auth

import (
	"math"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T { return &v }

func TestFormFields_Canonical(t *testing.T) {
	tests := []struct {
		name   string
		fields FormFields
		want   string
	}{
		{
			name:   "defaults",
			fields: FormFields{},
			want:   `{"model":"whisper-1","response_format":"json","temperature":0}`,
		},
		{
			name:   "all fields sorted",
			fields: FormFields{Model: "whisper-1", Language: "en", Prompt: "names: Ada", ResponseFormat: ptr("srt"), Temperature: ptr(0.2)},
			want:   `{"language":"en","model":"whisper-1","prompt":"names: Ada","response_format":"srt","temperature":0.2}`,
		},
		{
			name:   "non ascii escaped",
			fields: FormFields{Language: "ja", Prompt: "日本語 😀"},
			want:   `{"language":"ja","model":"whisper-1","prompt":"\u65e5\u672c\u8a9e \ud83d\ude00","response_format":"json","temperature":0}`,
		},
		{
			name:   "control characters and quotes",
			fields: FormFields{Prompt: "say \"hi\"\n\tback\\slash\x01/"},
			want:   `{"model":"whisper-1","prompt":"say \"hi\"\n\tback\\slash\u0001/","response_format":"json","temperature":0}`,
		},
		{
			name:   "supplied zero temperature",
			fields: FormFields{Temperature: ptr(0.0)},
			want:   `{"model":"whisper-1","response_format":"json","temperature":0.0}`,
		},
		{
			name:   "whole temperature",
			fields: FormFields{Temperature: ptr(1.0)},
			want:   `{"model":"whisper-1","response_format":"json","temperature":1.0}`,
		},
		{
			name:   "empty response format omitted",
			fields: FormFields{ResponseFormat: ptr("")},
			want:   `{"model":"whisper-1","temperature":0}`,
		},
		{
			name:   "explicit json response format",
			fields: FormFields{ResponseFormat: ptr("json")},
			want:   `{"model":"whisper-1","response_format":"json","temperature":0}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, string(tt.fields.Canonical()))
		})
	}
}

func TestFormFields_UpstreamDefaults(t *testing.T) {
	assert.Equal(t, "json", FormFields{}.Format())
	assert.Equal(t, "json", FormFields{ResponseFormat: ptr("")}.Format())
	assert.Equal(t, "srt", FormFields{ResponseFormat: ptr("srt")}.Format())
	assert.Zero(t, FormFields{}.Temp())
	assert.Equal(t, 0.4, FormFields{Temperature: ptr(0.4)}.Temp())
}

// sum adds at run time; constant folding would give exactly 0.3.
func sum(a, b float64) float64 { return a + b }

func TestFormatFloat(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{0, "0.0"},
		{math.Copysign(0, -1), "-0.0"},
		{0.5, "0.5"},
		{1, "1.0"},
		{0.0001, "0.0001"},
		{0.00001, "1e-05"},
		{1234567.25, "1234567.25"},
		{1e16, "1e+16"},
		{1.5e16, "1.5e+16"},
		{sum(0.1, 0.2), "0.30000000000000004"},
		{math.Inf(1), "Infinity"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, formatFloat(tt.in))
		})
	}
}

func TestVerifier_AuthenticateForm(t *testing.T) {
	v := newTestVerifier(nil)
	path := "/v1/audio/transcriptions/acme"
	fields := FormFields{Language: "ja", Temperature: ptr(0.0)}
	timestamp := strconv.FormatInt(testNow.Unix(), 10)

	sign := func(f FormFields) string {
		return Sign("s3cret", timestamp, http.MethodPost, path, f.Canonical())
	}

	r := httptest.NewRequest(http.MethodPost, path, nil)
	r.Header.Set(HeaderTimestamp, timestamp)
	r.Header.Set(HeaderClientID, "svc-a")
	r.Header.Set(HeaderSignature, sign(fields))

	ac, err := v.AuthenticateForm(r, "acme", fields)
	require.NoError(t, err)
	assert.Equal(t, MethodHMAC, ac.Method)
	assert.Equal(t, "svc-a", ac.Identity)

	// A client that signed an explicit default gets the same canonical form.
	r.Header.Set(HeaderSignature, sign(FormFields{Model: "whisper-1", Language: "ja", ResponseFormat: ptr("json"), Temperature: ptr(0.0)}))
	_, err = v.AuthenticateForm(r, "acme", fields)
	assert.NoError(t, err)

	// Omitting temperature signs as integer 0, which differs from a supplied 0.0.
	_, err = v.AuthenticateForm(r, "acme", FormFields{Language: "ja"})
	assert.Equal(t, "Signature mismatch", errMessage(err))

	_, err = v.AuthenticateForm(r, "acme", FormFields{Language: "en"})
	assert.Equal(t, "Signature mismatch", errMessage(err))
}
