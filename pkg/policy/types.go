package policy

import (
	"time"
)

// Policy is one Rego module consulted on every control call.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description is taken from the leading comment block of the module.
	Description string `json:"description,omitempty"`

	// Rego contains the module source. Its package must define a boolean
	// allow rule and may define a deny set of messages.
	Rego string `json:"rego"`

	// Enabled indicates if the policy is consulted.
	Enabled bool `json:"enabled"`

	// Source is the file the policy was loaded from, empty for built-ins.
	Source string `json:"source,omitempty"`

	LoadedAt time.Time `json:"loaded_at"`
}

// Input is the document a policy sees as input.
type Input struct {
	Subject string      `json:"subject"`
	Topic   string      `json:"topic"`
	Method  string      `json:"method"`
	Payload interface{} `json:"payload,omitempty"`
	Time    time.Time   `json:"time"`
}

// Decision is the combined verdict of every enabled policy.
type Decision struct {
	Allowed bool `json:"allowed"`

	// Reasons collects the deny messages of the policies that refused.
	Reasons []string `json:"reasons,omitempty"`

	// Policies lists the policies consulted, in evaluation order.
	Policies []string `json:"policies"`
}

// Config configures the authorizer.
type Config struct {
	// Path is a .rego file or a directory of them, loaded after the built-ins.
	Path string `yaml:"path" env:"PATH"`

	// Operators may call every method. When empty, every subject may.
	Operators []string `yaml:"operators" env:"OPERATORS" envSeparator:","`
}
