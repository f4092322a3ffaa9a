// Package ingest is the core of the telemetry receiver: it validates
// pushed readings, assigns each accepted one a "data_<n>" identifier,
// keeps them in an append-only in-memory store and derives per-device
// counts on demand.
//
// The identifier counter and the receipt clock are read inside the
// store's write lock, so identifiers and receipt times always follow the
// order in which records became visible to readers.
package ingest
