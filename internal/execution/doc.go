// Package execution runs one firing end to end.
//
// A firing opens a Running record, resolves the job's active version and
// its parameters, runs the entry in a fresh plugin context and closes the
// record with a terminal status. Nothing escapes Execute: every failure is
// logged with the firing's identifiers and folded into the record.
package execution
