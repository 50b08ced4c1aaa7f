// Package writer archives routed stream records into Postgres.
//
// RecordWriter drains the router's buffer, accumulates rows and inserts
// them with a pgx.Batch once BatchSize rows are queued or FlushInterval
// elapses. Rows are append-only and keyed by a random UUID, so a retried
// batch never duplicates data.
package writer
