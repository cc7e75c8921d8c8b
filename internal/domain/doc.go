// Package domain contains the core entities of the promise queue: the Promise
// record, its priority classes and its lifecycle states. It is independent of
// any storage, transport or execution mechanism.
package domain
