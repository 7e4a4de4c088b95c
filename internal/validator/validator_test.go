package validator

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inletworks/inlet/internal/models"
)

func newEnvelope(body string) *models.RawEnvelope {
	return &models.RawEnvelope{
		SourceChannel:  models.ChannelWebhook,
		ReceivedAt:     time.Now(),
		RemoteIdentity: "203.0.113.10",
		ContentType:    "application/json",
		SizeBytes:      int64(len(body)),
		RawBody:        []byte(body),
	}
}

func TestValidate_HappyPath(t *testing.T) {
	v := New(Options{}, nil)

	res := v.Validate(newEnvelope(`{"title":"Build Complete","source":"ci","priority":2}`))

	require.True(t, res.Valid)
	assert.Empty(t, res.Violations)
	assert.Empty(t, res.Suspicious)
	assert.Equal(t, "Build Complete", res.Sanitized["title"])
	assert.Equal(t, float64(2), res.Sanitized["priority"])
}

func TestValidate_OversizedPayloadNotParsed(t *testing.T) {
	v := New(Options{MaxPayloadBytes: 100}, nil)

	// Deliberately invalid JSON: a parse attempt would also fail, so a
	// PAYLOAD_TOO_LARGE result proves nothing was parsed.
	env := newEnvelope("{" + strings.Repeat("x", 200))

	res := v.Validate(env)
	require.False(t, res.Valid)
	assert.Equal(t, CodePayloadTooLarge, res.Code)
	require.Len(t, res.Violations, 1)
	assert.Contains(t, res.Violations[0], "exceeds")
}

func TestValidate_ContentTypeAllowList(t *testing.T) {
	v := New(Options{}, nil)

	env := newEnvelope(`{"title":"t"}`)
	env.ContentType = "text/xml"

	res := v.Validate(env)
	require.False(t, res.Valid)
	assert.Equal(t, CodeValidationFailed, res.Code)
	assert.Contains(t, res.Violations[0], "text/xml")
}

func TestValidate_ContentTypeWithCharset(t *testing.T) {
	v := New(Options{}, nil)

	env := newEnvelope(`{"title":"t"}`)
	env.ContentType = "application/json; charset=utf-8"

	res := v.Validate(env)
	assert.True(t, res.Valid)
}

func TestValidate_NotAnObject(t *testing.T) {
	v := New(Options{}, nil)

	for _, body := range []string{`[1,2,3]`, `"text"`, `not json`} {
		res := v.Validate(newEnvelope(body))
		require.False(t, res.Valid, "body %q should be rejected", body)
		assert.Equal(t, CodeValidationFailed, res.Code)
	}
}

func TestValidate_DepthEnforcement(t *testing.T) {
	v := New(Options{MaxDepth: 3}, nil)

	tests := []struct {
		name  string
		body  string
		valid bool
	}{
		{"depth within limit", `{"a":{"b":"ok"}}`, true},
		{"depth at limit", `{"a":{"b":{"c":1}}}`, true},
		{"depth beyond limit", `{"a":{"b":{"c":{"d":1}}}}`, false},
		{"array counts toward depth", `{"a":{"b":{"c":["x"]}}}`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := v.Validate(newEnvelope(tt.body))
			assert.Equal(t, tt.valid, res.Valid)
			if !tt.valid {
				assert.Contains(t, res.Violations[0], "depth")
			}
		})
	}
}

func TestValidate_KeyCountEnforcement(t *testing.T) {
	v := New(Options{MaxKeys: 5}, nil)

	fields := make([]string, 0, 6)
	for i := 0; i < 6; i++ {
		fields = append(fields, fmt.Sprintf("%q:%d", gofakeit.LetterN(8), i))
	}
	body := "{" + strings.Join(fields, ",") + "}"

	res := v.Validate(newEnvelope(body))
	require.False(t, res.Valid)
	assert.Contains(t, res.Violations[0], "keys")
}

func TestValidate_PrototypePollutionStripped(t *testing.T) {
	v := New(Options{}, nil)

	body := `{
		"title": "safe",
		"__proto__": {"polluted": true},
		"nested": {"constructor": "bad", "prototype": "bad", "keep": "me"}
	}`

	res := v.Validate(newEnvelope(body))
	require.True(t, res.Valid)

	assert.Equal(t, "safe", res.Sanitized["title"])
	assert.NotContains(t, res.Sanitized, "__proto__")

	nested, ok := res.Sanitized["nested"].(map[string]any)
	require.True(t, ok)
	assert.NotContains(t, nested, "constructor")
	assert.NotContains(t, nested, "prototype")
	assert.Equal(t, "me", nested["keep"])
}

// Reserved keys are a sanitization concern: their presence must not trip
// the threat scan, while an actual attack in a sibling value still does.
func TestValidate_ReservedKeysDoNotBlock(t *testing.T) {
	v := New(Options{}, nil)

	res := v.Validate(newEnvelope(`{"__proto__":{"polluted":true},"title":"ok"}`))
	require.True(t, res.Valid)
	assert.Empty(t, res.Suspicious)
	assert.NotContains(t, res.Sanitized, "__proto__")

	res = v.Validate(newEnvelope(`{"__proto__":{"polluted":true},"title":"<script>alert(1)</script>"}`))
	require.False(t, res.Valid)
	assert.Contains(t, res.Suspicious, "script-injection")
}

func TestValidate_ScriptInjectionBlocked(t *testing.T) {
	v := New(Options{}, nil)

	res := v.Validate(newEnvelope(`{"title":"<script>alert(1)</script>","source":"ci"}`))

	require.False(t, res.Valid)
	assert.Equal(t, []string{"Malicious patterns detected"}, res.Violations)
	assert.Contains(t, res.Suspicious, "script-injection")
	assert.Nil(t, res.Sanitized)
}

func TestValidate_SuspiciousButValid(t *testing.T) {
	v := New(Options{}, nil)

	// A lone path-traversal match flags but does not block.
	res := v.Validate(newEnvelope(`{"file":"../relative/readme.txt"}`))

	require.True(t, res.Valid)
	assert.Contains(t, res.Suspicious, "path-traversal")
}

func TestValidate_HeadersScanned(t *testing.T) {
	v := New(Options{ScanHeaders: true}, nil)

	env := newEnvelope(`{"title":"clean"}`)
	env.Headers = map[string]string{"X-Callback": "<script>alert(1)</script>"}

	res := v.Validate(env)
	require.False(t, res.Valid)
	assert.Contains(t, res.Suspicious, "script-injection")
}

func TestValidate_SanitizedRoundTrips(t *testing.T) {
	v := New(Options{}, nil)

	res := v.Validate(newEnvelope(`{"title":"Tom & Jerry","tags":["<b>a</b>","b"]}`))
	require.True(t, res.Valid)

	data, err := json.Marshal(res.Sanitized)
	require.NoError(t, err)

	var roundTrip map[string]any
	require.NoError(t, json.Unmarshal(data, &roundTrip))
	assert.Equal(t, "Tom &amp; Jerry", roundTrip["title"])
}
