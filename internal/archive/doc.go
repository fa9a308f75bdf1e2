// Package archive persists notifications to PostgreSQL.
//
// The Writer subscribes to the notification center, queues every new
// notification in a growable buffer and inserts them in batches. Inserts are
// append-only and idempotent: a notification whose id is already stored is
// skipped, so a retried batch never duplicates rows.
package archive
