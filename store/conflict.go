package store

import "gorm.io/gorm/clause"

// OnConflictDoNothing returns the GORM clause for insert-or-ignore
// semantics, used throughout the importer and tag allocator wherever spec
// text says "insert-or-ignore" or "insert-ignoring update".
func OnConflictDoNothing() clause.OnConflict {
	return clause.OnConflict{DoNothing: true}
}
