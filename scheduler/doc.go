// Package scheduler runs a task on a recurring schedule and keeps it alive.
//
// A [Scheduler] fires its [Trigger] with a one-shot timer, runs one cycle of
// the task and, once the cycle returns, asks the trigger for the next
// instant. Two triggers ship with the package: [Periodic] (initial delay,
// then a fixed delay after each cycle) and [Cron] (a cron expression
// evaluated at every firing).
//
// # Watchdog
//
// With a timeout configured every cycle arms a second timer. If the cycle
// is still running when it expires, the cycle's context is cancelled and a
// fresh cycle starts immediately. Cancellation is cooperative: a task that
// ignores its context keeps running in the background, but its result no
// longer drives the schedule.
//
// # Failures
//
// Errors and panics inside a cycle are logged and never stop the schedule.
// A cycle ending because its context was cancelled is logged at debug
// level.
package scheduler
