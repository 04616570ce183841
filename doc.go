// Package docexport exports every document of a web-based document library
// to PDF by driving the library's own user interface through a browser:
//
//   - discovery crawls the folder hierarchy and collects unique documents
//   - a per-document workflow opens the share and export surfaces and
//     waits for the generated file
//   - a rate limiter, retry policy and checkpoints keep long runs polite
//     and resumable
//
// # Running an export
//
// Create an [Orchestrator] over a [Driver] and an optional [Authenticator].
// The Driver wraps the caller's browser automation; the docexport command
// ships one built on chromedp.
//
//	o, err := docexport.New(d, auth,
//	    docexport.WithBaseURL("https://docs.example.com/library"),
//	    docexport.WithDestination("exports"),
//	    docexport.WithCheckpointStore(docexport.OpenFileCheckpoint("checkpoint.json")),
//	)
//	rep, err := o.Run(ctx)
//
// Individual document failures never fail a run; they are listed in
// [Report.Failed]. Run returns an error only when authentication,
// discovery or the context fails.
//
// # Pacing
//
// Every workflow attempt first waits on a [RateLimiter]: at most
// RequestsPerMinute actions in any trailing minute, plus a jittered delay
// between actions that grows on errors and resets on success. An explicit
// throttling signal from the service triggers a cooldown that does not
// count against the document's retries.
//
//	docexport.WithRateLimit(docexport.RateLimitConfig{
//	    RequestsPerMinute: 10,
//	    MinDelay:          5 * time.Second,
//	    MaxDelay:          time.Minute,
//	    BackoffMultiplier: 2,
//	    CooldownPeriod:    10 * time.Minute,
//	})
//
// # Resuming
//
// A [ProgressSnapshot] is written every few completions and when a run is
// interrupted. Pass it back with [WithResume] to skip discovery and
// continue with the remaining documents:
//
//	snap, err := docexport.OpenFileCheckpoint("checkpoint.json").Load(ctx)
//	o, err := docexport.New(d, auth, docexport.WithResume(snap))
//
// # UI strategies
//
// Controls are located by ordered [Strategy] lists, tried until one
// matches. [DefaultStrategies] covers common share and export menus;
// override single steps with [WithStrategies].
package docexport
