package auth

import (
	"math"
	"strconv"
	"strings"
	"unicode/utf16"
)

const (
	DefaultTranscriptionModel  = "whisper-1"
	DefaultTranscriptionFormat = "json"
)

// FormFields are the non-file fields of a transcription upload. Clients sign
// their canonical JSON in place of the multipart body.
type FormFields struct {
	Model    string
	Language string
	Prompt   string
	// ResponseFormat and Temperature are nil when the upload left them out.
	ResponseFormat *string
	Temperature    *float64
}

// Normalize fills the default model.
func (f FormFields) Normalize() FormFields {
	if f.Model == "" {
		f.Model = DefaultTranscriptionModel
	}
	return f
}

// Format is the response format to request upstream.
func (f FormFields) Format() string {
	if f.ResponseFormat == nil || *f.ResponseFormat == "" {
		return DefaultTranscriptionFormat
	}
	return *f.ResponseFormat
}

// Temp is the sampling temperature to request upstream.
func (f FormFields) Temp() float64 {
	if f.Temperature == nil {
		return 0
	}
	return *f.Temperature
}

// Canonical renders the fields as compact JSON with sorted keys and
// ASCII-only strings, e.g.
//
//	{"language":"ja","model":"whisper-1","response_format":"json","temperature":0.2}
//
// Empty language and prompt are omitted. An absent response_format signs as
// "json" and an empty one is omitted. A supplied temperature is a float
// literal (0.0, 1.0) and an absent one is the integer 0.
func (f FormFields) Canonical() []byte {
	f = f.Normalize()

	var b strings.Builder
	b.WriteByte('{')
	if f.Language != "" {
		writeField(&b, "language", quoteASCII(f.Language))
	}
	writeField(&b, "model", quoteASCII(f.Model))
	if f.Prompt != "" {
		writeField(&b, "prompt", quoteASCII(f.Prompt))
	}
	switch {
	case f.ResponseFormat == nil:
		writeField(&b, "response_format", quoteASCII(DefaultTranscriptionFormat))
	case *f.ResponseFormat != "":
		writeField(&b, "response_format", quoteASCII(*f.ResponseFormat))
	}
	if f.Temperature == nil {
		writeField(&b, "temperature", "0")
	} else {
		writeField(&b, "temperature", formatFloat(*f.Temperature))
	}
	b.WriteByte('}')
	return []byte(b.String())
}

func writeField(b *strings.Builder, key, value string) {
	if b.Len() > 1 {
		b.WriteByte(',')
	}
	b.WriteString(quoteASCII(key))
	b.WriteByte(':')
	b.WriteString(value)
}

// quoteASCII escapes every rune outside printable ASCII as \uXXXX, using
// surrogate pairs above the BMP.
func quoteASCII(s string) string {
	const hex = "0123456789abcdef"
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range s {
		switch {
		case r == '"':
			b.WriteString(`\"`)
		case r == '\\':
			b.WriteString(`\\`)
		case r == '\n':
			b.WriteString(`\n`)
		case r == '\r':
			b.WriteString(`\r`)
		case r == '\t':
			b.WriteString(`\t`)
		case r == '\b':
			b.WriteString(`\b`)
		case r == '\f':
			b.WriteString(`\f`)
		case r >= 0x20 && r < 0x7f:
			b.WriteRune(r)
		default:
			units := []rune{r}
			if r > 0xffff {
				hi, lo := utf16.EncodeRune(r)
				units = []rune{hi, lo}
			}
			for _, u := range units {
				b.WriteString(`\u`)
				b.WriteByte(hex[(u>>12)&0xf])
				b.WriteByte(hex[(u>>8)&0xf])
				b.WriteByte(hex[(u>>4)&0xf])
				b.WriteByte(hex[u&0xf])
			}
		}
	}
	b.WriteByte('"')
	return b.String()
}

// formatFloat renders f the way a float repr does: shortest round-trip
// digits, always with a fractional part or exponent, and scientific notation
// below 1e-4 or from 1e16.
func formatFloat(f float64) string {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	}

	sci := strconv.FormatFloat(f, 'e', -1, 64)
	exp := 0
	if i := strings.IndexByte(sci, 'e'); i >= 0 {
		exp, _ = strconv.Atoi(sci[i+1:])
	}
	if f != 0 && (exp < -4 || exp >= 16) {
		return sci
	}

	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.ContainsAny(s, ".") {
		s += ".0"
	}
	return s
}
