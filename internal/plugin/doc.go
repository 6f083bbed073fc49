// Package plugin loads job artifacts into disposable execution contexts.
//
// Every firing opens a fresh Context, loads the artifact's single job entry,
// instantiates it, runs it, and closes the context on every exit path.
// ProcessLoader isolates each invocation in its own OS process and scratch
// directory, so two concurrent firings of the same version share nothing.
package plugin
