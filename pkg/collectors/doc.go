// Package collectors builds cluster data models for strategies.
//
// Each collector owns one scope key. Its Schema is a CUE fragment that the
// scope validator splices into the document schema, and ApplyScope narrows a
// freshly collected model to what a validated scope selects.
package collectors
