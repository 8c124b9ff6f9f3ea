// Package store provides the session registry.
//
// This package is internal to statstream and keeps every reserved poll
// session in memory, keyed by session id. It also implements a
// publish-subscribe mechanism so the dashboard can follow reservations,
// starts and removals in real time.
//
// The main components are:
//
//   - [Store]: Interface defining registry and subscription operations
//   - [MemoryStore]: In-memory implementation of Store with pub/sub
//   - [Event]: A reserved, started or removed notification
//
// The store is designed for concurrent access with proper synchronization.
// Listings are snapshots sorted first-come-first-served.
package store
