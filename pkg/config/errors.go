package config

import "strings"

// ValidationError points at one offending setting.
type ValidationError struct {
	// Path is the YAML path of the setting, e.g. "decision_engine.max_workers".
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return e.Path + ": " + e.Message
}

// ValidationErrors collects every failed constraint of one configuration.
type ValidationErrors []ValidationError

func (v ValidationErrors) Error() string {
	msgs := make([]string, len(v))
	for i, e := range v {
		msgs[i] = e.Error()
	}
	return "invalid configuration: " + strings.Join(msgs, "; ")
}

// Paths lists the offending settings.
func (v ValidationErrors) Paths() []string {
	out := make([]string, len(v))
	for i, e := range v {
		out[i] = e.Path
	}
	return out
}
