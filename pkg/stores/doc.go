// Package stores provides the SQLite persistence layer: the entries table
// backing the encrypted keyed store, process run history with per-run
// events, and the audit log. Schema changes ship as embedded
// golang-migrate migrations.
package stores
