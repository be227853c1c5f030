// Package stores provides the persistence layer for autoscribe.
// It includes the durable key-value StateStore used for orchestration state
// (with a single-file backing and a SQLite backing) and the SQLite adapter
// for articles, translations, the token usage ledger, daily jobs and categories.
package stores
