// Package hospital decides what happens to a flow that entered the error
// state.
//
// Each Staff member examines the new errors of a patient and returns a
// Diagnosis. The strongest diagnosis wins: Terminal, then Discharge, then
// OvernightObservation. A flow nobody has an opinion on is untreatable.
//
//   - Discharge retries the flow from its last checkpoint after an
//     exponential backoff delay.
//   - OvernightObservation parks the flow as HOSPITALIZED until an operator
//     retries it.
//   - Terminal and untreatable flows propagate their errors to their peers
//     and end.
package hospital
