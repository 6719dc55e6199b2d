// Package strategies holds the optimization algorithms the dispatcher runs.
//
// Built-in strategies are Go types. Additional strategies can be written in
// Starlark and loaded from a directory with LoadScriptDir.
package strategies
