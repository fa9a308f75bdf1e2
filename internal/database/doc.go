// Package database provides PostgreSQL connection pool management for the
// notification archive.
//
// The archive holds one append-only table, notifications, keyed by the
// notification id. EnsureSchema creates it when missing.
package database
