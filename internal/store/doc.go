// Package store defines the persistence contract of the promise queue.
// The PromiseStore interface is the single source of truth for promise state
// and the only component allowed to mutate it; every transition it exposes is
// atomic at the row level so concurrent workers coordinate through it alone.
package store
