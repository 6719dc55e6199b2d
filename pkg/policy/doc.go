// Package policy authorizes control-socket calls with Open Policy Agent.
//
// Every enabled Rego module is evaluated against an Input describing the
// caller and the method. A module allows a call by setting its boolean
// allow rule; it may explain a refusal through a deny set of messages. The
// call goes through only when every module allows it.
//
// The built-in control-access policy keeps audit_status and subscribe open
// and restricts the other methods to the configured operators, when any are
// configured:
//
//	a, err := policy.NewAuthorizer(ctx, policy.Config{Operators: []string{"ops"}}, logger)
//	srv, err := messaging.NewServer(messaging.ServerConfig{Authorizer: a, ...})
//
// Additional modules are read from Config.Path and can be hot-reloaded with
// Authorizer.Watch.
package policy
