// Package database opens the Postgres connection pool used by the recorder.
package database
