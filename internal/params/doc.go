// Package params owns the closed registry of job parameter types, the
// string-to-typed-value converter and effective-parameter resolution
// (override > default > required check > absent).
package params
