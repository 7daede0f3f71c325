// Package stores provides the SQLite run journal of dsctl.
//
// The journal is an append-only history of intent executions: one row per
// run, every state transition and every audit finding. It implements
// engine.Recorder. Nothing reads it back to make a decision; current state
// is always probed live.
package stores
