// Package types defines the daemon's core domain model: tasks, groups, and
// the status/result sum types that make impossible task states
// unrepresentable.
//
// A Task's Status field holds exactly one of Queued, Stashed, Locked,
// Running, Paused, or Done, each carrying only the fields valid for that
// state (a Running task has a Start time and nothing else; a Done task has
// Start, End and a Result and nothing else). Code that needs a
// state-specific field must type-switch on Status first.
package types
