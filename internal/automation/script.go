package automation

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// StepKind names a scripted page interaction.
type StepKind string

// Supported step kinds.
const (
	StepNavigate    StepKind = "navigate"
	StepWaitVisible StepKind = "wait_visible"
	StepClick       StepKind = "click"
	StepType        StepKind = "type"
	StepEvaluate    StepKind = "evaluate"
	StepSleep       StepKind = "sleep"
	StepExtractText StepKind = "extract_text"
	StepCaptureHTML StepKind = "capture_html"
	StepScreenshot  StepKind = "screenshot"
)

// Step is one scripted interaction. Which fields are required depends on the
// kind; Validate enforces the combinations.
type Step struct {
	Kind       StepKind `json:"kind"`
	URL        string   `json:"url,omitempty"`
	Selector   string   `json:"selector,omitempty"`
	Text       string   `json:"text,omitempty"`
	Expression string   `json:"expression,omitempty"`
	Millis     int      `json:"millis,omitempty"`
	Name       string   `json:"name,omitempty"`
}

// Script is the parsed form of a job payload.
type Script struct {
	Steps []Step `json:"steps"`
}

// Duration returns the sleep duration for a sleep step.
func (s Step) Duration() time.Duration {
	return time.Duration(s.Millis) * time.Millisecond
}

// ParseScript decodes and validates a job payload. A payload that fails here
// is a malformed instruction: the resulting attempt is a fatal failure.
func ParseScript(payload []byte) (Script, error) {
	if len(payload) == 0 {
		return Script{}, fmt.Errorf("empty payload")
	}
	var script Script
	decoder := json.NewDecoder(strings.NewReader(string(payload)))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&script); err != nil {
		return Script{}, fmt.Errorf("decode script: %w", err)
	}
	if err := script.Validate(); err != nil {
		return Script{}, err
	}
	return script, nil
}

// Validate checks that every step carries the fields its kind requires.
func (s Script) Validate() error {
	if len(s.Steps) == 0 {
		return fmt.Errorf("script has no steps")
	}
	for i, step := range s.Steps {
		if err := step.validate(); err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}
	}
	return nil
}

func (s Step) validate() error {
	switch s.Kind {
	case StepNavigate:
		if s.URL == "" {
			return fmt.Errorf("navigate requires url")
		}
		if !strings.HasPrefix(s.URL, "http://") && !strings.HasPrefix(s.URL, "https://") {
			return fmt.Errorf("navigate url must be http(s): %q", s.URL)
		}
	case StepWaitVisible, StepClick:
		if s.Selector == "" {
			return fmt.Errorf("%s requires selector", s.Kind)
		}
	case StepType:
		if s.Selector == "" {
			return fmt.Errorf("type requires selector")
		}
		if s.Text == "" {
			return fmt.Errorf("type requires text")
		}
	case StepEvaluate:
		if s.Expression == "" {
			return fmt.Errorf("evaluate requires expression")
		}
	case StepSleep:
		if s.Millis <= 0 {
			return fmt.Errorf("sleep requires positive millis")
		}
	case StepExtractText:
		if s.Selector == "" {
			return fmt.Errorf("extract_text requires selector")
		}
	case StepCaptureHTML, StepScreenshot:
		// No required fields; Name defaults at capture time.
	case "":
		return fmt.Errorf("missing step kind")
	default:
		return fmt.Errorf("unknown step kind %q", s.Kind)
	}
	return nil
}
