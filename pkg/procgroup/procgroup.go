// Package procgroup wraps a process's membership in a group of cooperating
// simulation processes. It offers barrier synchronization and in-place
// sum-reductions of float64 arrays across the group, with arrays larger
// than the wire limit reduced in successive slices.
package procgroup

import "fmt"

// State tracks the lifecycle of a group membership.
type State int

const (
	Uninitialized State = iota
	Active
	Finalized
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Active:
		return "active"
	case Finalized:
		return "finalized"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Group is a process's view of the cooperating group it belongs to. Rank 0
// is the root.
//
// Wait, SumToAll and SumToRoot are collective operations: every process in
// the group must call them with matching array lengths and in the same
// relative order, and only from the goroutine that called Initialize. A
// divergent call sequence cannot be detected locally and shows up as a
// permanent hang.
type Group interface {
	// Initialize joins the group and establishes size and rank. It is a
	// no-op when the process is already part of an active group.
	Initialize() error

	// Finalize releases the group's resources. It is called exactly once at
	// process shutdown; no collective may be issued afterwards.
	Finalize() error

	// Wait blocks until every process in the group has called Wait.
	Wait() error

	// SumToAll replaces arr, elementwise and in place, with the sum of
	// every process's array.
	SumToAll(arr []float64) error

	// SumToRoot performs the same reduction, but only the root's array is
	// guaranteed to hold the sum afterwards; the content of the other
	// processes' arrays is unspecified.
	SumToRoot(arr []float64) error

	// Size returns the number of processes in the group.
	Size() int

	// Rank returns this process's zero-based index within the group.
	Rank() int

	// IsRoot reports whether this process has rank 0.
	IsRoot() bool

	// IsMultiProc reports whether the group has more than one process.
	IsMultiProc() bool
}
