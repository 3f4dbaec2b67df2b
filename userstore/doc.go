// Package userstore provides credguard.UserStore implementations: an
// in-process map for tests and single-node tools, and a gorm-backed store
// for Postgres or SQLite.
package userstore
