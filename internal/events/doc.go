// Package events carries promise outcomes from the result notifier to the
// places that want them.
//
// The notifier emits a PromiseFinished event once a promise reaches a
// terminal state. An EventEmitter fans the event out to every registered
// EventHandler (log sink, Redis pub/sub sink) without the notifier knowing
// which handlers exist.
package events
