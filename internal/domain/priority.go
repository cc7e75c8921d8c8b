package domain

import (
	"fmt"
	"strings"
)

// Priority is the scheduling class of a promise.
type Priority string

// Priority classes, most urgent first.
const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// AllPriorities lists every class in dispatch order.
var AllPriorities = []Priority{PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow}

// Rank returns the persisted ordinal of the class: 0 for critical through 3
// for low. Unknown priorities rank after low.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 3
	default:
		return len(AllPriorities)
	}
}

// Valid reports whether p is one of the recognized classes.
func (p Priority) Valid() bool {
	return p.Rank() < len(AllPriorities)
}

// Promote returns the class one step more urgent than p. Critical stays critical.
func (p Priority) Promote() Priority {
	r := p.Rank()
	if r == 0 || r >= len(AllPriorities) {
		return p
	}
	return AllPriorities[r-1]
}

// Urgent reports whether the class may bypass soft resource-pressure checks.
func (p Priority) Urgent() bool {
	return p == PriorityCritical
}

// PriorityFromRank maps a persisted ordinal back to its class.
func PriorityFromRank(rank int) (Priority, error) {
	if rank < 0 || rank >= len(AllPriorities) {
		return "", fmt.Errorf("%w: rank %d", ErrInvalidPriority, rank)
	}
	return AllPriorities[rank], nil
}

// ParsePriority parses a class name case-insensitively.
func ParsePriority(s string) (Priority, error) {
	p := Priority(strings.ToLower(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidPriority, s)
	}
	return p, nil
}
