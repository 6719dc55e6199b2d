package policy

import (
	"time"
)

// BuiltinPolicies returns the policies loaded before any from disk.
func BuiltinPolicies() []Policy {
	return []Policy{
		controlAccessPolicy(),
	}
}

// controlAccessPolicy lets anyone read audit status and lets operators,
// or everyone when no operator is configured, run and cancel audits.
func controlAccessPolicy() Policy {
	return Policy{
		Name:        "control-access",
		Description: "Read-only methods are open; mutating methods require an operator",
		Enabled:     true,
		LoadedAt:    time.Now(),
		Rego: `package decider.control

import rego.v1

default allow := false

read_only := {"audit_status", "subscribe"}

allow if input.method in read_only

allow if input.subject in data.decider.operators

allow if count(data.decider.operators) == 0

deny contains msg if {
	not allow
	msg := sprintf("subject %q may not call %s on %s", [input.subject, input.method, input.topic])
}
`,
	}
}
