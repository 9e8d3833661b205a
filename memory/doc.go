// Package memory provides an in-process outbox.Store.
//
// Messages live in a map keyed by client key behind a single mutex. Every
// mutation publishes the ordered projection of the touched conversation to its
// observers before the mutating call returns.
package memory
