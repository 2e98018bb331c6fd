// Package trace turns raw instrumentation records into domain events and
// maintains the live table of open files per traced process.
//
// # Events
//
// Event is a closed set: FileOpen, FileOpenFail, FileClose, ProcessStart,
// ProcessExit and ProcessFailed. FromRecord converts a transport record,
// validating the path as UTF-8. A conversion failure becomes ProcessFailed.
//
// # Correlation
//
// Engine applies events in arrival order. Descriptor races are expected:
// an open may report a descriptor that is still in the table (the close was
// lost or reordered across CPUs) and a close may name a descriptor that was
// never seen. Both are tolerated, logged at trace level and counted.
//
//	engine := trace.NewEngine(trace.EngineOptions{})
//	for ev := range stream.All() {
//	    engine.Apply(ev)
//	}
//	files := engine.Snapshot(pid)
//
// # Iteration
//
// Stream yields events until its channel closes. ProcessFailed is terminal:
// nothing is yielded after it and Err reports the failure.
package trace
