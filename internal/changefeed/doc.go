// Package changefeed fans out record change events to subscribers.
//
// A [Hub] is owned by a gateway backend. Every committed mutation is
// published once; each subscription receives the events of its collection
// that pass its filter. Publishing never blocks: a subscriber whose buffer
// is full is disconnected (its channel closed) instead of silently missing
// events, so the owner can tell its mirror may be stale.
package changefeed
