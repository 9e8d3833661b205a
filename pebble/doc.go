// Package pebble implements outbox.Store on an embedded Pebble key-value store.
//
// Layout:
//
//	s                               next insertion sequence
//	m/<client key>                  JSON encoded message
//	c/<hex conversation>/<created>/<seq>   ordering index, value is the client key
//
// created and seq are fixed width so lexical key order is display order.
package pebble
