// Package audittemplate creates, reads, patches and deletes audit templates.
//
// A template is stored only after its goal and strategy resolve against the
// catalog and its scope validates against the registered collectors. Goal
// and strategy are then kept as catalog ids; the caller's references are
// rewritten to UUIDs.
package audittemplate
