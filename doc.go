// Package metadex defines the error taxonomy shared by the metadex stores.
//
// The repository provides three cooperating components for indexing the
// metadata of scientific instrument data archives:
//
//   - result: a schema-free columnar container passed between stores and
//     their callers (package result).
//   - propdb: a store of per-entity properties with half-open validity
//     intervals, queryable forward (properties to entities) and in reverse
//     (entities to properties) (package propdb).
//   - manifest: an index mapping observation parameters to archive files
//     plus per-file metadata through a user-declared scheme of exact and
//     range match columns (package manifest).
//
// Supporting packages: sqlstore wraps the single exclusive SQLite
// connection every store runs on and implements the shared persistence
// formats; filecat catalogs archive files by observation and detector set;
// loader resolves metadata requests across several manifests.
//
// All stores report failures as *Error values so callers can branch on the
// failure kind with errors.Is regardless of which store produced it.
package metadex
