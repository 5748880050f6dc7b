// Package codec serializes checkpoints and session messages.
//
// Every sealed union of the state machine is written as a JSON object with a
// "type" discriminator. Errors are written as records naming their kind so
// that a decoded checkpoint raises the same typed errors as the original.
//
// CANONICAL FORM:
//
// Fingerprints are computed over canonical JSON: object keys sorted by UTF-16
// code units, strings NFC normalized, no HTML escaping and no insignificant
// whitespace. Two checkpoints that encode to different bytes only because of
// map iteration order have the same fingerprint.
package codec
