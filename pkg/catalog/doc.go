// Package catalog resolves goal and strategy references.
//
// The catalog is read-only while audits run. A reload builds a complete new
// Snapshot and installs it with Catalog.Swap, so concurrent resolutions see
// either the old catalog or the new one, never a mix.
package catalog
