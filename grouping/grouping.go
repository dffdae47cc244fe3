// Package grouping assigns group ids and enforces exactly-one-primary per
// fingerprint, grounded on original_source/app/xraymgr/group_updater.py's
// ConfigGroupUpdater: same two-phase, idempotent, fingerprint-batched shape.
package grouping

import (
	"strconv"

	"gorm.io/gorm"

	"github.com/xrayfleet/xraymgr/logger"
	"github.com/xrayfleet/xraymgr/store"
)

const defaultBatchSize = 500

// Engine drives the two-phase grouping pass.
type Engine struct {
	st        *store.Store
	batchSize int
}

// New builds an Engine.
func New(st *store.Store) *Engine {
	return &Engine{st: st, batchSize: defaultBatchSize}
}

// Stats summarizes one run.
type Stats struct {
	GroupBatches    int
	HashesGrouped   int
	RowsGrouped     int
	GroupsCreated   int
	PrimaryBatches  int
	HashesFixed     int
	RowsPrimaryFixed int
}

// Run executes phase A (assign group ids) then phase B (enforce primary),
// both batched defaultBatchSize fingerprints per BEGIN IMMEDIATE transaction.
func (e *Engine) Run() (*Stats, error) {
	stats := &Stats{}
	if err := e.phaseA(stats); err != nil {
		return stats, err
	}
	if err := e.phaseB(stats); err != nil {
		return stats, err
	}
	logger.Infof(
		"grouping: group_batches=%d hashes_grouped=%d rows_grouped=%d groups_created=%d "+
			"primary_batches=%d hashes_fixed=%d rows_primary_fixed=%d",
		stats.GroupBatches, stats.HashesGrouped, stats.RowsGrouped, stats.GroupsCreated,
		stats.PrimaryBatches, stats.HashesFixed, stats.RowsPrimaryFixed,
	)
	return stats, nil
}

// phaseA assigns group ids: for each fingerprint with at least one record
// whose group_id is null, finds an existing non-null group_id among its
// records, or uses the textual min(id); fills only null rows; never
// rewrites an existing group_id. Also enforces primary for the same
// fingerprint while it holds the lock, matching group_updater.py's
// _process_hash_grouping which folds the primary check into the same pass.
func (e *Engine) phaseA(stats *Stats) error {
	for {
		hashes, err := e.fetchFingerprintsNeedingGroup()
		if err != nil {
			return err
		}
		if len(hashes) == 0 {
			break
		}
		stats.GroupBatches++

		err = e.st.Immediate(func(tx *gorm.DB) error {
			for _, fp := range hashes {
				if err := e.processHashGrouping(tx, fp, stats); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// phaseB enforces exactly-one-primary for fingerprints whose group is
// complete (no null group_id anywhere) but whose primary state is wrong.
func (e *Engine) phaseB(stats *Stats) error {
	for {
		hashes, err := e.fetchFingerprintsNeedingPrimaryFix()
		if err != nil {
			return err
		}
		if len(hashes) == 0 {
			break
		}
		stats.PrimaryBatches++

		err = e.st.Immediate(func(tx *gorm.DB) error {
			for _, fp := range hashes {
				if err := e.enforcePrimaryIfWrong(tx, fp, stats); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) fetchFingerprintsNeedingGroup() ([]string, error) {
	var fps []string
	err := e.st.DB().Raw(`
		SELECT DISTINCT l.fingerprint
		FROM links l
		WHERE l.fingerprint IS NOT NULL AND l.fingerprint != ''
		  AND EXISTS (
		    SELECT 1 FROM links u
		    WHERE u.fingerprint = l.fingerprint
		      AND (u.group_id IS NULL OR u.group_id = '')
		  )
		LIMIT ?
	`, e.batchSize).Scan(&fps).Error
	return fps, err
}

func (e *Engine) fetchFingerprintsNeedingPrimaryFix() ([]string, error) {
	var fps []string
	err := e.st.DB().Raw(`
		SELECT DISTINCT l.fingerprint
		FROM links l
		WHERE l.fingerprint IS NOT NULL AND l.fingerprint != ''
		  AND NOT EXISTS (
		    SELECT 1 FROM links u
		    WHERE u.fingerprint = l.fingerprint
		      AND (u.group_id IS NULL OR u.group_id = '')
		  )
		  AND (
		    (SELECT COUNT(*) FROM links p WHERE p.fingerprint = l.fingerprint AND p.is_primary = 1) != 1
		    OR
		    (SELECT MIN(id) FROM links p WHERE p.fingerprint = l.fingerprint AND p.is_primary = 1) IS NULL
		    OR
		    (SELECT MIN(id) FROM links p WHERE p.fingerprint = l.fingerprint AND p.is_primary = 1) !=
		    (SELECT MIN(id) FROM links m WHERE m.fingerprint = l.fingerprint)
		  )
		LIMIT ?
	`, e.batchSize).Scan(&fps).Error
	return fps, err
}

func (e *Engine) processHashGrouping(tx *gorm.DB, fingerprint string, stats *Stats) error {
	minID, err := minIDForFingerprint(tx, fingerprint)
	if err != nil || minID == 0 {
		return err
	}

	existing, err := existingGroupID(tx, fingerprint)
	if err != nil {
		return err
	}
	groupID := existing
	created := false
	if groupID == "" {
		groupID = strconv.FormatUint(uint64(minID), 10)
		created = true
	}

	res := tx.Model(&store.Link{}).
		Where("fingerprint = ? AND (group_id IS NULL OR group_id = '')", fingerprint).
		Update("group_id", groupID)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		stats.RowsGrouped += int(res.RowsAffected)
	}
	stats.HashesGrouped++
	if created {
		stats.GroupsCreated++
	}

	return e.enforcePrimaryIfWrong(tx, fingerprint, stats)
}

func (e *Engine) enforcePrimaryIfWrong(tx *gorm.DB, fingerprint string, stats *Stats) error {
	minID, primaryCount, primaryMinID, err := primaryState(tx, fingerprint)
	if err != nil || minID == 0 {
		return err
	}
	if primaryCount == 1 && primaryMinID == minID {
		return nil
	}

	res := tx.Exec(
		"UPDATE links SET is_primary = CASE WHEN id = ? THEN 1 ELSE 0 END WHERE fingerprint = ?",
		minID, fingerprint,
	)
	if res.Error != nil {
		return res.Error
	}
	stats.HashesFixed++
	stats.RowsPrimaryFixed += int(res.RowsAffected)
	return nil
}

func minIDForFingerprint(tx *gorm.DB, fingerprint string) (uint, error) {
	var minID uint
	err := tx.Model(&store.Link{}).Where("fingerprint = ?", fingerprint).
		Select("MIN(id)").Scan(&minID).Error
	return minID, err
}

func existingGroupID(tx *gorm.DB, fingerprint string) (string, error) {
	var gids []string
	err := tx.Model(&store.Link{}).
		Where("fingerprint = ? AND group_id IS NOT NULL AND group_id != ''", fingerprint).
		Order("id ASC").Limit(1).Pluck("group_id", &gids).Error
	if err != nil || len(gids) == 0 {
		return "", err
	}
	return gids[0], nil
}

func primaryState(tx *gorm.DB, fingerprint string) (minID uint, primaryCount int, primaryMinID uint, err error) {
	type row struct {
		MinID        uint
		PrimaryCount int
		PrimaryMinID uint
	}
	var r row
	err = tx.Raw(`
		SELECT
		  (SELECT MIN(id) FROM links m WHERE m.fingerprint = ?) AS min_id,
		  (SELECT COUNT(*) FROM links p WHERE p.fingerprint = ? AND p.is_primary = 1) AS primary_count,
		  COALESCE((SELECT MIN(id) FROM links p WHERE p.fingerprint = ? AND p.is_primary = 1), 0) AS primary_min_id
	`, fingerprint, fingerprint, fingerprint).Scan(&r).Error
	return r.MinID, r.PrimaryCount, r.PrimaryMinID, err
}
