// Package checkpoint persists crawl progress as versioned, typed JSON
// envelopes.
//
// A checkpoint is the sole means of resuming after an interruption. Saves are
// atomic: a crash during Save leaves either the previous or the new state,
// never a partial write. Load fails soft: a missing or undecodable record is
// a cold start. A decodable record written by an incompatible schema version
// or for a different kind is rejected with ErrIncompatible.
//
// Envelope format:
//
//	{"version":1,"kind":"crawl","saved_at":"2024-05-01T12:00:00Z","data":{...}}
package checkpoint
