package threat

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultSignatures returns the built-in signature table. New signatures
// arrive through configuration (LoadFile), not code changes.
func DefaultSignatures() []Signature {
	return []Signature{
		{
			Name:        "script-injection",
			Pattern:     `(?i)<\s*script[^>]*>`,
			Severity:    SeverityCritical,
			Action:      ActionBlock,
			Description: "HTML script tag injection",
		},
		{
			Name:        "prototype-pollution",
			Pattern:     `(?i)(__proto__|\bconstructor\s*\[|\bprototype\s*\[)`,
			Severity:    SeverityCritical,
			Action:      ActionBlock,
			Description: "JavaScript prototype pollution attempt",
		},
		{
			Name:        "event-handler-attribute",
			Pattern:     `(?i)\bon\w+\s*=`,
			Severity:    SeverityHigh,
			Action:      ActionFlag,
			Description: "Inline HTML event handler attribute",
		},
		{
			Name:        "javascript-url",
			Pattern:     `(?i)javascript\s*:`,
			Severity:    SeverityHigh,
			Action:      ActionFlag,
			Description: "javascript: URL scheme",
		},
		{
			Name:        "vbscript-url",
			Pattern:     `(?i)vbscript\s*:`,
			Severity:    SeverityHigh,
			Action:      ActionFlag,
			Description: "vbscript: URL scheme",
		},
		{
			Name:        "data-html-url",
			Pattern:     `(?i)data:text/html`,
			Severity:    SeverityHigh,
			Action:      ActionFlag,
			Description: "data:text/html URL payload",
		},
		{
			Name:        "sql-injection",
			Pattern:     `(?i)\b(union\s+select|select\s+.+\s+from|insert\s+into|delete\s+from|drop\s+table)\b`,
			Severity:    SeverityHigh,
			Action:      ActionFlag,
			Description: "SQL injection keywords",
		},
		{
			Name:        "command-injection",
			Pattern:     "(?i)(;|\\||&&|`)\\s*(rm|cat|wget|curl|sh|bash|nc|python)\\b",
			Severity:    SeverityHigh,
			Action:      ActionFlag,
			Description: "Shell command chaining",
		},
		{
			Name:        "path-traversal",
			Pattern:     `\.\./|\.\.\\`,
			Severity:    SeverityMedium,
			Action:      ActionFlag,
			Description: "Relative path traversal sequence",
		},
		{
			Name:        "template-injection",
			Pattern:     `\{\{.+\}\}|\$\{.+\}`,
			Severity:    SeverityMedium,
			Action:      ActionFlag,
			Description: "Template expression injection",
		},
	}
}

// fileSignature is the YAML shape of one configured signature.
type fileSignature struct {
	Name        string `yaml:"name"`
	Pattern     string `yaml:"pattern"`
	Severity    string `yaml:"severity"`
	Action      string `yaml:"action"`
	Description string `yaml:"description"`
}

// LoadFile reads extra signatures from a YAML file and appends them to the
// built-in table. The file holds a top-level `signatures` list.
func LoadFile(path string) ([]Signature, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading signatures file: %w", err)
	}

	var doc struct {
		Signatures []fileSignature `yaml:"signatures"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing signatures file: %w", err)
	}

	sigs := DefaultSignatures()
	for _, fs := range doc.Signatures {
		if fs.Name == "" || fs.Pattern == "" {
			return nil, fmt.Errorf("signature entry missing name or pattern")
		}
		sev := Severity(fs.Severity)
		if sev.Weight() == 0 {
			return nil, fmt.Errorf("signature %q: unknown severity %q", fs.Name, fs.Severity)
		}
		action := Action(fs.Action)
		if action != ActionBlock && action != ActionFlag {
			return nil, fmt.Errorf("signature %q: unknown action %q", fs.Name, fs.Action)
		}
		sigs = append(sigs, Signature{
			Name:        fs.Name,
			Pattern:     fs.Pattern,
			Severity:    sev,
			Action:      action,
			Description: fs.Description,
		})
	}

	return sigs, nil
}
