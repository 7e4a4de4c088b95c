// Package validator is the structural and security gate of the ingestion
// pipeline. It enforces size and shape limits, strips dangerous keys,
// sanitizes every string value and hands the cleaned payload to the threat
// engine for scoring.
package validator

import (
	"encoding/json"
	"fmt"
	"mime"
	"sort"
	"strings"

	"github.com/inletworks/inlet/internal/models"
	"github.com/inletworks/inlet/internal/threat"
)

// Rejection codes surfaced on invalid results.
const (
	CodePayloadTooLarge  = "PAYLOAD_TOO_LARGE"
	CodeValidationFailed = "VALIDATION_FAILED"
)

// Structural defaults.
const (
	DefaultMaxDepth = 10
	DefaultMaxKeys  = 1000
)

// reservedKeys are stripped from payloads at any nesting level so the
// sanitized object can never pollute a consumer's prototype chain. Benign
// sibling keys survive.
var reservedKeys = map[string]bool{
	"__proto__":   true,
	"prototype":   true,
	"constructor": true,
}

// Options bound what a payload may look like.
type Options struct {
	MaxPayloadBytes     int64
	AllowedContentTypes []string
	MaxDepth            int
	MaxKeys             int
	// ScanHeaders includes envelope headers in the threat scan.
	ScanHeaders bool
}

// Result is the tagged outcome of one validation: either Valid with a
// sanitized payload, or invalid with ordered violations. Suspicious lists
// matched threat signatures even on valid results, for telemetry.
type Result struct {
	Valid      bool
	Code       string
	Sanitized  map[string]any
	Violations []string
	Suspicious []string
}

// Validator checks raw envelopes. Stateless and safe for concurrent use.
type Validator struct {
	opts   Options
	engine *threat.Engine
}

// New builds a Validator; zero option fields fall back to defaults.
func New(opts Options, engine *threat.Engine) *Validator {
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = DefaultMaxDepth
	}
	if opts.MaxKeys <= 0 {
		opts.MaxKeys = DefaultMaxKeys
	}
	if len(opts.AllowedContentTypes) == 0 {
		opts.AllowedContentTypes = []string{"application/json"}
	}
	if engine == nil {
		engine = threat.NewDefault()
	}
	return &Validator{opts: opts, engine: engine}
}

// Validate runs the full gate over one envelope. The order is fixed: size
// ceiling (no parse attempted beyond it), content type, structure and
// sanitization, then the threat scan.
func (v *Validator) Validate(env *models.RawEnvelope) Result {
	if v.opts.MaxPayloadBytes > 0 && env.SizeBytes > v.opts.MaxPayloadBytes {
		return invalid(CodePayloadTooLarge, fmt.Sprintf(
			"payload of %d bytes exceeds the %d byte limit", env.SizeBytes, v.opts.MaxPayloadBytes))
	}

	if env.ContentType != "" && !v.contentTypeAllowed(env.ContentType) {
		return invalid(CodeValidationFailed, fmt.Sprintf(
			"content type %q is not accepted", env.ContentType))
	}

	var payload map[string]any
	if err := json.Unmarshal(env.RawBody, &payload); err != nil {
		return invalid(CodeValidationFailed, "body is not a JSON object")
	}

	w := &walker{maxDepth: v.opts.MaxDepth, maxKeys: v.opts.MaxKeys}
	sanitized, err := w.walkObject(payload, 1)
	if err != nil {
		return invalid(CodeValidationFailed, err.Error())
	}

	report := v.engine.Scan(v.scanInput(env, payload))
	if report.Blocked {
		return Result{
			Valid:      false,
			Code:       CodeValidationFailed,
			Violations: []string{"Malicious patterns detected"},
			Suspicious: report.Matches,
		}
	}

	return Result{
		Valid:      true,
		Sanitized:  sanitized,
		Suspicious: report.Matches,
	}
}

func (v *Validator) contentTypeAllowed(ct string) bool {
	media, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return false
	}
	for _, allowed := range v.opts.AllowedContentTypes {
		if strings.EqualFold(media, allowed) {
			return true
		}
	}
	return false
}

// scanInput assembles the text handed to the threat engine: the payload's
// keys and original string values, plus headers when enabled. The scan
// sees values as sent, not the sanitized copies, so neutralized attacks
// are still detected and reported. Reserved keys are left out: the walker
// strips them with their siblings preserved, so their presence alone must
// not block the payload.
func (v *Validator) scanInput(env *models.RawEnvelope, payload map[string]any) string {
	var sb strings.Builder
	writeScanObject(&sb, payload)
	if v.opts.ScanHeaders && len(env.Headers) > 0 {
		names := make([]string, 0, len(env.Headers))
		for name := range env.Headers {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			sb.WriteByte('\n')
			sb.WriteString(name)
			sb.WriteByte(':')
			sb.WriteString(env.Headers[name])
		}
	}
	return sb.String()
}

func writeScanObject(sb *strings.Builder, obj map[string]any) {
	keys := make([]string, 0, len(obj))
	for key := range obj {
		if reservedKeys[key] {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		sb.WriteString(key)
		sb.WriteByte(':')
		writeScanValue(sb, obj[key])
		sb.WriteByte('\n')
	}
}

func writeScanValue(sb *strings.Builder, value any) {
	switch val := value.(type) {
	case map[string]any:
		writeScanObject(sb, val)
	case []any:
		for _, item := range val {
			writeScanValue(sb, item)
			sb.WriteByte(' ')
		}
	case string:
		sb.WriteString(val)
	default:
		fmt.Fprintf(sb, "%v", val)
	}
}

// walker enforces depth and cumulative key-count limits while producing
// the sanitized copy of a payload.
type walker struct {
	maxDepth int
	maxKeys  int
	keys     int
}

func (w *walker) walkObject(obj map[string]any, depth int) (map[string]any, error) {
	if depth > w.maxDepth {
		return nil, fmt.Errorf("object nesting exceeds maximum depth of %d", w.maxDepth)
	}

	out := make(map[string]any, len(obj))
	for key, value := range obj {
		if reservedKeys[key] {
			continue // stripped, siblings survive
		}
		w.keys++
		if w.keys > w.maxKeys {
			return nil, fmt.Errorf("payload exceeds maximum of %d keys", w.maxKeys)
		}
		cleaned, err := w.walkValue(value, depth)
		if err != nil {
			return nil, err
		}
		out[SanitizeString(key)] = cleaned
	}
	return out, nil
}

func (w *walker) walkValue(value any, depth int) (any, error) {
	switch val := value.(type) {
	case map[string]any:
		return w.walkObject(val, depth+1)
	case []any:
		if depth+1 > w.maxDepth {
			return nil, fmt.Errorf("object nesting exceeds maximum depth of %d", w.maxDepth)
		}
		out := make([]any, 0, len(val))
		for _, item := range val {
			cleaned, err := w.walkValue(item, depth+1)
			if err != nil {
				return nil, err
			}
			out = append(out, cleaned)
		}
		return out, nil
	case string:
		return SanitizeString(val), nil
	default:
		// numbers, booleans and nulls pass through untouched
		return val, nil
	}
}

func invalid(code string, reasons ...string) Result {
	return Result{Valid: false, Code: code, Violations: reasons}
}
