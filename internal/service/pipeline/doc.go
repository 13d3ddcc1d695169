// Package pipeline runs the cutout and mosaic workflow end to end.
//
// Stages:
//   - resolve target -> query catalog -> filter -> cutout+download -> file map
//   - file map -> linmos config -> executor (batch or local)
//
// Download stops after the file map is persisted. Mosaic starts from a
// persisted file map. Run does both. An empty selection ends the run with
// status no_data and is not an error.
//
// Ledger and artifact publishing are optional. Ledger write failures are
// logged and never fail a run.
package pipeline
