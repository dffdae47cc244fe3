// Package jsonbuilder converts link URIs into canonical outbound JSON via
// the link-parser bridge, grounded on spec §4.5. A second, local validation
// pass attempts to parse the bridge's output with xray-core's own outbound
// config schema (infra/conf) before accepting it, catching malformed
// bridge output the bridge itself didn't flag with an ERR: token
// (SPEC_FULL §2's domain-stack wiring for xtls/xray-core).
package jsonbuilder

import (
	"time"

	json "github.com/goccy/go-json"
	"github.com/xtls/xray-core/infra/conf"
	"gorm.io/gorm"

	"github.com/xrayfleet/xraymgr/bridge"
	"github.com/xrayfleet/xraymgr/logger"
	"github.com/xrayfleet/xraymgr/stopsignal"
	"github.com/xrayfleet/xraymgr/store"
)

const (
	defaultBatchSize  = 1000
	transientRetryWait = 200 * time.Millisecond
)

// Builder drives the JSON-builder pass.
type Builder struct {
	st     *store.Store
	client *bridge.Client
	stop   *stopsignal.Signal

	batchSize int
}

// New builds a Builder over an already-started bridge client.
func New(st *store.Store, client *bridge.Client, stop *stopsignal.Signal) *Builder {
	return &Builder{st: st, client: client, stop: stop, batchSize: defaultBatchSize}
}

// Stats summarizes one run.
type Stats struct {
	Built   int
	Invalid int
}

// Run processes every eligible record (non-empty outbound_tag, empty
// config_json, not invalid, not unsupported), batching defaultBatchSize
// rows per scan and checking the stop signal between rows.
func (b *Builder) Run() (*Stats, error) {
	stats := &Stats{}
	lastID := uint(0)

	for {
		var rows []store.Link
		err := b.st.DB().
			Where("id > ? AND outbound_tag IS NOT NULL AND outbound_tag != '' AND "+
				"(config_json IS NULL OR config_json = '') AND is_invalid = ? AND is_unsupported = ?",
				lastID, false, false).
			Order("id ASC").
			Limit(b.batchSize).
			Find(&rows).Error
		if err != nil {
			return stats, err
		}
		if len(rows) == 0 {
			break
		}
		lastID = rows[len(rows)-1].ID

		for _, row := range rows {
			if b.stop.ShouldStop("") {
				return stats, nil
			}
			invalid, err := b.buildOne(row)
			if err != nil {
				return stats, err
			}
			if invalid {
				stats.Invalid++
			} else {
				stats.Built++
			}
		}
	}

	logger.Infof("jsonbuilder: built=%d invalid=%d", stats.Built, stats.Invalid)
	return stats, nil
}

// buildOne converts a single record's URI and persists the outcome,
// reporting whether the record was marked invalid.
func (b *Builder) buildOne(row store.Link) (bool, error) {
	text, ok, err := b.convertWithRetry(row.URI)
	if err != nil || !ok {
		return true, b.markInvalid(row.ID)
	}

	canonical, tagErr := applyTagAndCanonicalize(text, row.OutboundTag)
	if tagErr != nil {
		return true, b.markInvalid(row.ID)
	}

	if err := validateOutboundJSON(canonical); err != nil {
		logger.Warningf("jsonbuilder: id=%d local validation failed: %v", row.ID, err)
		return true, b.markInvalid(row.ID)
	}

	return false, b.st.Immediate(func(tx *gorm.DB) error {
		return tx.Model(&store.Link{}).Where("id = ?", row.ID).
			Update("config_json", canonical).Error
	})
}

// convertWithRetry calls the bridge and, on any error from it (a timeout, a
// failed start or write, or an ERR: response), retries once after 200ms.
func (b *Builder) convertWithRetry(uri string) (string, bool, error) {
	text, ok, err := b.client.Convert(uri)
	if err == nil {
		return text, ok, nil
	}
	time.Sleep(transientRetryWait)
	return b.client.Convert(uri)
}

func (b *Builder) markInvalid(id uint) error {
	return b.st.Immediate(func(tx *gorm.DB) error {
		return tx.Model(&store.Link{}).Where("id = ?", id).
			Update("is_invalid", true).Error
	})
}

// applyTagAndCanonicalize sets the "tag" field on the bridge's outbound
// object (or the sole element of a singleton list) to outboundTag, then
// re-serializes with sorted keys and minimal separators. encoding/json (and
// goccy/go-json, which mirrors its semantics) sorts map keys alphabetically
// by default, which is exactly the canonical form spec §4.5/§4.7 require.
func applyTagAndCanonicalize(raw, outboundTag string) (string, error) {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return "", err
	}

	switch t := v.(type) {
	case map[string]any:
		t["tag"] = outboundTag
	case []any:
		if len(t) != 1 {
			return "", errNotSingleton
		}
		obj, ok := t[0].(map[string]any)
		if !ok {
			return "", errNotObject
		}
		obj["tag"] = outboundTag
		v = obj
	default:
		return "", errNotObject
	}

	out, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// validateOutboundJSON parses canonical as an xray-core outbound detour
// config and attempts to build it, the secondary local sanity gate
// SPEC_FULL §2 describes.
func validateOutboundJSON(canonical string) error {
	var oc conf.OutboundDetourConfig
	if err := json.Unmarshal([]byte(canonical), &oc); err != nil {
		return err
	}
	_, err := oc.Build()
	return err
}

var (
	errNotSingleton = simpleErr("jsonbuilder: bridge returned a non-singleton list")
	errNotObject    = simpleErr("jsonbuilder: bridge response is not an outbound object")
)

type simpleErr string

func (e simpleErr) Error() string { return string(e) }
