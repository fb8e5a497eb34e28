// Package stitchz is a low-overhead span collection library.
//
// Application code records spans on its own goroutine without any locking;
// completed batches are shipped over per-producer single-producer/single-
// consumer channels to one aggregator goroutine, which stitches fragments
// from many goroutines back into trace trees and hands the finished records
// to a Reporter.
//
// Core Components:
//   - Tracer: owns the aggregator, the command bus and the Reporter.
//   - Span: a thread-safe span that may cross goroutines.
//   - LocalSpan: a span recorded into the current goroutine's local scope.
//   - LocalCollector: records local spans before their trace is known.
//   - Reporter: receives the SpanRecords of each aggregation cycle.
//
// Basic Usage:
//
//	tracer := stitchz.New(stitchz.NewConsoleReporter(nil), stitchz.DefaultConfig())
//	defer tracer.Close()
//
//	// Start a trace.
//	root := tracer.Root("request", stitchz.RandomSpanContext())
//	defer root.End()
//
//	// Make it the local parent of this goroutine.
//	ctx, guard := root.SetLocalParent(ctx)
//	defer guard.End()
//
//	// Record children cheaply.
//	span := stitchz.EnterWithLocalParent(ctx, "query")
//	defer span.End()
//
// Thread Safety:
//
// Tracer and Span are safe for concurrent use by multiple goroutines.
// The local parent stack travels in a context.Context and belongs to the
// goroutine that created it; LocalSpan, LocalParentGuard and
// LocalCollector must stay on that goroutine. Call WithoutLocalParent (or
// use Go) before handing a context to another goroutine.
//
// Collection:
//
// Ending a root span commits its trace. By default the aggregator also
// reports partial traces every Config.ReportInterval; set
// Config.TailSampled to hold everything until commit, which makes
// Span.Cancel on a root suppress the whole trace.
//
// Failure Model:
//
// Tracing never returns errors to instrumented code. Malformed traceparent
// headers decode to "no context", saturated channels queue on the
// producer side, and reporter panics are recovered. Degradation shows up
// in the Prometheus metrics registered by the Tracer.
//
// Resource Cleanup:
//
// Call tracer.Flush() to wait for one aggregation cycle and
// tracer.Close() to report what is left and stop the aggregator.
package stitchz
