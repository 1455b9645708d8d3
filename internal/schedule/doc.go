// Package schedule provides utilities for cron expression handling and deferred execution.
//
// Cron functions parse and validate cron expressions and compute upcoming run times.
// RunAt executes a function at a specified time and Every repeats it on a cron
// schedule, both stopping when their context ends.
package schedule
