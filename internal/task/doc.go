// Package task runs promises: a fixed-size worker pool that claims pending
// promises through the scheduler, executes them with an enforced timeout and
// persists every outcome, plus the recovery pass that repairs promises left
// running by a previous process.
package task
