// Package store persists the product catalog, per-product price history
// with its latest snapshot, watches, and notification events.
//
// Two drivers are provided behind the Store interface: an in-process memory
// store and a SQLite store. Open() selects one from config.
package store
