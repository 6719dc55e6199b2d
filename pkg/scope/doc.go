// Package scope validates and normalizes audit scope documents.
//
// A scope document is a JSON list. Each item is an object whose keys name
// collectors, and each value must match the CUE fragment that collector
// declares. Keys that no collector declares are rejected.
package scope
