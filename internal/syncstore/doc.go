// Package syncstore keeps in-memory mirrors of remote record collections.
//
// A Store performs one bulk fetch, applies the caller's successful writes
// to its snapshot immediately, and reconciles insert/update/delete events
// pushed by the gateway. Reconciliation is idempotent per record id, so
// duplicated or reordered events never produce duplicates or ghost entries.
package syncstore
