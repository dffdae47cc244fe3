// Package tagalloc ensures every link record has a non-empty outbound_tag,
// grounded on original_source/app/xraymgr/tag_updater.py's OutboundTagUpdater:
// same tag shape, same batch-with-collision-retry loop, same stats.
package tagalloc

import (
	"crypto/rand"
	"fmt"

	"gorm.io/gorm"

	"github.com/xrayfleet/xraymgr/logger"
	"github.com/xrayfleet/xraymgr/store"
)

const (
	defaultBatchSize    = 1000
	defaultMaxRetries   = 6
	tagRandomCharsCount = 6
)

const alphanumeric = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Stats mirrors tag_updater.py's accumulated run summary.
type Stats struct {
	Batches           int
	RowsSelected      int
	RowsUpdated       int
	CollisionsRetried int
}

// Allocator assigns outbound_tag values under the partial-unique index spec
// §4.1 defines on links.outbound_tag.
type Allocator struct {
	st         *store.Store
	prefix     string
	batchSize  int
	maxRetries int
}

// New builds an Allocator. prefix is prepended to every generated tag
// (teacher/spec examples use "x_").
func New(st *store.Store, prefix string) *Allocator {
	return &Allocator{
		st:         st,
		prefix:     prefix,
		batchSize:  defaultBatchSize,
		maxRetries: defaultMaxRetries,
	}
}

// Run assigns outbound_tag to every record where it is currently empty,
// batching defaultBatchSize rows per transaction and retrying up to
// defaultMaxRetries times per row on a uniqueness collision.
func (a *Allocator) Run() (*Stats, error) {
	stats := &Stats{}

	for {
		var ids []uint
		err := a.st.DB().Model(&store.Link{}).
			Where("outbound_tag IS NULL OR outbound_tag = ''").
			Order("id ASC").
			Limit(a.batchSize).
			Pluck("id", &ids).Error
		if err != nil {
			return stats, err
		}
		if len(ids) == 0 {
			break
		}
		stats.Batches++
		stats.RowsSelected += len(ids)

		for _, id := range ids {
			updated, retries, err := a.assignOne(id)
			if err != nil {
				return stats, err
			}
			stats.CollisionsRetried += retries
			if updated {
				stats.RowsUpdated++
			}
		}
	}

	logger.Infof(
		"tagalloc: batches=%d selected=%d updated=%d collisions_retried=%d",
		stats.Batches, stats.RowsSelected, stats.RowsUpdated, stats.CollisionsRetried,
	)
	return stats, nil
}

// assignOne tries one random tag plus up to maxRetries more for a single
// record id,
// stopping at the first that does not collide with the partial-unique
// index. Uses "UPDATE ... WHERE outbound_tag empty" guarded by the unique
// index itself, the same insert-ignoring-update shape as tag_updater.py.
func (a *Allocator) assignOne(id uint) (updated bool, retries int, err error) {
	for attempt := 0; attempt <= a.maxRetries; attempt++ {
		tag, genErr := a.generateTag()
		if genErr != nil {
			return false, retries, genErr
		}

		txErr := a.st.Immediate(func(tx *gorm.DB) error {
			res := tx.Model(&store.Link{}).
				Where("id = ? AND (outbound_tag IS NULL OR outbound_tag = '')", id).
				Update("outbound_tag", tag)
			return res.Error
		})
		if txErr == nil {
			var row store.Link
			if err := a.st.DB().Select("outbound_tag").First(&row, id).Error; err != nil {
				return false, retries, err
			}
			if row.OutboundTag == tag {
				return true, retries, nil
			}
			return false, retries, nil
		}

		if isUniqueViolation(txErr) {
			retries++
			continue
		}
		return false, retries, txErr
	}
	return false, retries, nil
}

func (a *Allocator) generateTag() (string, error) {
	buf := make([]byte, tagRandomCharsCount)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, tagRandomCharsCount)
	for i, b := range buf {
		out[i] = alphanumeric[int(b)%len(alphanumeric)]
	}
	return fmt.Sprintf("%s%s", a.prefix, out), nil
}

// isUniqueViolation reports whether err is a SQLite uniqueness constraint
// failure. Matched by substring since the sqlite3 driver surfaces these as
// plain error strings, mirroring tag_updater.py's reliance on
// sqlite3.IntegrityError's message.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return contains(msg, "UNIQUE constraint failed") || contains(msg, "constraint failed")
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
