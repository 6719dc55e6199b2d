// Package lifecycle manages action plans and actions after a strategy has
// produced them.
//
// Records are returned as handles that remember the state they were read in.
// Saving a handle writes only the columns that changed since then, and every
// state change goes through the transition tables in package engine.
package lifecycle
