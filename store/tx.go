package store

import "gorm.io/gorm"

// Immediate runs fn inside a transaction. The store's connection DSN sets
// _txlock=immediate, so this is a "BEGIN IMMEDIATE" transaction in SQLite
// terms: it takes the write lock up front rather than upgrading a deferred
// read lock later, which is what §4.10's eligibility-query + reservation
// step and the grouping engine's per-fingerprint batches rely on to avoid
// double-reservation under concurrent batches or processes (§5 "Ordering").
func (s *Store) Immediate(fn func(tx *gorm.DB) error) error {
	return s.db.Transaction(fn)
}
