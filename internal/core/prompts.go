package core

// prompts.go holds the fixed texts and the per-variant prompt
// configurations. The instruction prompts themselves live in prompts/*.yaml
// so they can be versioned and tweaked without touching code.

import (
	"bytes"
	"embed"
	"strings"
	"text/template"
	"time"

	"github.com/Masterminds/sprig"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"healthsync/internal/llm"
)

const (
	// Greeting opens every new session.
	Greeting = "Hello! How can I help you today?"

	// CapMessage is sent when the patient exceeds the message cap for a
	// session. No further messages are forwarded to the model.
	CapMessage = "We have reached the message limit for this visit. Thank you for the details; your clinician will review the conversation."

	// ClosingMessage is shown when a record completes without a further
	// question.
	ClosingMessage = "Thank you, that is everything I need. Your clinician will review your answers before the visit."

	// ContinueMessage answers a record that is still incomplete but names
	// no next question.
	ContinueMessage = "Thank you. Please tell me a little more so I can complete your record."

	// DefaultAssistant is used when a session does not name one.
	DefaultAssistant = "Ava"
)

// Assistants are the selectable personas.
var Assistants = []string{"Ava", "Eli"}

// Variant selects the schema the model is asked to fill. It is a fixed
// deployment choice.
type Variant string

const (
	VariantIntake     Variant = "intake"
	VariantSOAP       Variant = "soap"
	VariantChartDelta Variant = "chart-delta"
)

var variantFiles = map[Variant]string{
	VariantIntake:     "prompts/intake.yaml",
	VariantSOAP:       "prompts/soap.yaml",
	VariantChartDelta: "prompts/chart_delta.yaml",
}

// ParseVariant validates a configured variant name.
func ParseVariant(s string) (Variant, error) {
	v := Variant(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := variantFiles[v]; !ok {
		return "", errors.Errorf("unknown schema variant %q (expected intake|soap|chart-delta)", s)
	}
	return v, nil
}

// NormalizeAssistant picks a known persona name, falling back to the default.
func NormalizeAssistant(name string) string {
	for _, a := range Assistants {
		if strings.EqualFold(strings.TrimSpace(name), a) {
			return a
		}
	}
	return DefaultAssistant
}

//go:embed prompts/*.yaml
var promptFS embed.FS

// PromptConfig is one versioned instruction prompt.
type PromptConfig struct {
	Version  int          `yaml:"version"`
	Variant  Variant      `yaml:"variant"`
	Sampling llm.Sampling `yaml:"sampling"`
	Shape    string       `yaml:"shape"`
	Template string       `yaml:"template"`
	Flow     []string     `yaml:"flow"`
	Rules    []string     `yaml:"rules"`

	tmpl *template.Template
}

// LoadPrompt reads and compiles the embedded prompt for v.
func LoadPrompt(v Variant) (*PromptConfig, error) {
	name, ok := variantFiles[v]
	if !ok {
		return nil, errors.Errorf("unknown schema variant %q", v)
	}
	raw, err := promptFS.ReadFile(name)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", name)
	}
	return ParsePrompt(raw)
}

// ParsePrompt decodes a YAML prompt configuration.
func ParsePrompt(raw []byte) (*PromptConfig, error) {
	var p PromptConfig
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return nil, errors.Wrap(err, "decode prompt")
	}
	if p.Version <= 0 {
		return nil, errors.New("prompt version must be positive")
	}
	if _, ok := variantFiles[p.Variant]; !ok {
		return nil, errors.Errorf("prompt has unknown variant %q", p.Variant)
	}
	if strings.TrimSpace(p.Template) == "" {
		return nil, errors.Errorf("prompt %s has an empty template", p.Variant)
	}
	tmpl, err := template.New(string(p.Variant)).Funcs(sprig.TxtFuncMap()).Parse(p.Template)
	if err != nil {
		return nil, errors.Wrapf(err, "parse %s template", p.Variant)
	}
	p.tmpl = tmpl
	return &p, nil
}

type promptData struct {
	Assistant string
	Date      string
	Schema    string
	Shape     string
	Flow      []string
	Rules     []string
}

// Render produces the system instruction for one request.
func (p *PromptConfig) Render(assistant string, now time.Time) (string, error) {
	schema, err := SchemaFor(p.Variant)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	err = p.tmpl.Execute(&buf, promptData{
		Assistant: NormalizeAssistant(assistant),
		Date:      now.Format("2006-01-02"),
		Schema:    schema,
		Shape:     p.Shape,
		Flow:      p.Flow,
		Rules:     p.Rules,
	})
	if err != nil {
		return "", errors.Wrapf(err, "render %s prompt", p.Variant)
	}
	return strings.TrimSpace(buf.String()), nil
}
