// Package jsonrepair applies scheme-specific best-effort repair to invalid,
// supported-scheme URIs and retries JSON-builder conversion, grounded on
// original_source/app/xraymgr/json_repair_updater.py's JsonRepairUpdater.
package jsonrepair

import (
	"encoding/base64"
	"strings"

	json "github.com/goccy/go-json"
	"gorm.io/gorm"

	"github.com/xrayfleet/xraymgr/bridge"
	"github.com/xrayfleet/xraymgr/logger"
	"github.com/xrayfleet/xraymgr/stopsignal"
	"github.com/xrayfleet/xraymgr/store"
)

const (
	defaultBatchSize     = 1000
	maxVmessTailStripLen = 200
)

// Repairer drives the JSON repairer pass.
type Repairer struct {
	st     *store.Store
	client *bridge.Client
	stop   *stopsignal.Signal

	batchSize int
}

// New builds a Repairer over an already-started bridge client.
func New(st *store.Store, client *bridge.Client, stop *stopsignal.Signal) *Repairer {
	return &Repairer{st: st, client: client, stop: stop, batchSize: defaultBatchSize}
}

// Stats summarizes one run.
type Stats struct {
	Candidates  int
	Converted   int
	StillFailed int
	Unsupported int
}

// Run performs the startup cleanup (clear repaired_uri where is_invalid=0),
// then repairs every candidate record: is_invalid=1, is_unsupported=0,
// uri non-empty. Cursor-batched by id, stop-checked between rows.
func (r *Repairer) Run() (*Stats, error) {
	if err := r.clearStaleRepairedURI(); err != nil {
		return nil, err
	}

	stats := &Stats{}
	lastID := uint(0)

	for {
		if r.stop.ShouldStop("") {
			break
		}
		var rows []store.Link
		err := r.st.DB().
			Where("id > ? AND is_invalid = ? AND is_unsupported = ? AND uri IS NOT NULL AND uri != ''",
				lastID, true, false).
			Order("id ASC").
			Limit(r.batchSize).
			Find(&rows).Error
		if err != nil {
			return stats, err
		}
		if len(rows) == 0 {
			break
		}
		lastID = rows[len(rows)-1].ID
		stats.Candidates += len(rows)

		for _, row := range rows {
			if r.stop.ShouldStop("") {
				return stats, nil
			}
			outcome, err := r.repairOne(row)
			if err != nil {
				return stats, err
			}
			switch outcome {
			case outcomeConverted:
				stats.Converted++
			case outcomeStillFailed:
				stats.StillFailed++
			case outcomeUnsupported:
				stats.Unsupported++
			}
		}
	}

	logger.Infof(
		"jsonrepair: candidates=%d converted=%d still_failed=%d unsupported=%d",
		stats.Candidates, stats.Converted, stats.StillFailed, stats.Unsupported,
	)
	return stats, nil
}

type outcome int

const (
	outcomeConverted outcome = iota
	outcomeStillFailed
	outcomeUnsupported
)

// clearStaleRepairedURI mirrors the Python job's startup cleanup: any
// record with a repaired_uri but is_invalid=0 has it cleared.
func (r *Repairer) clearStaleRepairedURI() error {
	return r.st.Immediate(func(tx *gorm.DB) error {
		return tx.Model(&store.Link{}).
			Where("repaired_uri IS NOT NULL AND repaired_uri != '' AND is_invalid = ?", false).
			Update("repaired_uri", "").Error
	})
}

func (r *Repairer) repairOne(row store.Link) (outcome, error) {
	proto := detectScheme(row.URI)
	if proto == "" || !store.SupportedProtocols[proto] {
		return outcomeUnsupported, r.st.Immediate(func(tx *gorm.DB) error {
			return tx.Model(&store.Link{}).Where("id = ?", row.ID).Updates(map[string]any{
				"is_unsupported": true,
				"is_invalid":     false,
				"repaired_uri":   "",
			}).Error
		})
	}

	repaired := repairByScheme(proto, row.URI)
	if repaired == "" {
		repaired = strings.TrimSpace(stripFragment(row.URI))
	}

	tag := row.OutboundTag
	if tag == "" {
		return outcomeStillFailed, r.st.Immediate(func(tx *gorm.DB) error {
			return tx.Model(&store.Link{}).Where("id = ?", row.ID).
				Update("repaired_uri", repaired).Error
		})
	}

	text, ok, err := r.client.Convert(repaired)
	if err != nil || !ok {
		return outcomeStillFailed, r.st.Immediate(func(tx *gorm.DB) error {
			return tx.Model(&store.Link{}).Where("id = ?", row.ID).
				Update("repaired_uri", repaired).Error
		})
	}

	canonical, tagErr := applyTag(text, tag)
	if tagErr != nil {
		return outcomeStillFailed, r.st.Immediate(func(tx *gorm.DB) error {
			return tx.Model(&store.Link{}).Where("id = ?", row.ID).
				Update("repaired_uri", repaired).Error
		})
	}

	return outcomeConverted, r.st.Immediate(func(tx *gorm.DB) error {
		return tx.Model(&store.Link{}).Where("id = ?", row.ID).Updates(map[string]any{
			"config_json":  canonical,
			"is_invalid":   false,
			"repaired_uri": "",
		}).Error
	})
}

func applyTag(raw, tag string) (string, error) {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return "", err
	}
	switch t := v.(type) {
	case map[string]any:
		t["tag"] = tag
	case []any:
		if len(t) != 1 {
			return "", errBadShape
		}
		obj, ok := t[0].(map[string]any)
		if !ok {
			return "", errBadShape
		}
		obj["tag"] = tag
		v = obj
	default:
		return "", errBadShape
	}
	out, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

type repairErr string

func (e repairErr) Error() string { return string(e) }

const errBadShape = repairErr("jsonrepair: unexpected outbound shape from bridge")

func detectScheme(uri string) string {
	i := strings.Index(uri, "://")
	if i <= 0 {
		return ""
	}
	scheme := strings.ToLower(strings.TrimSpace(uri[:i]))
	if scheme == "ss" {
		return "shadowsocks"
	}
	return scheme
}

func stripFragment(uri string) string {
	if i := strings.Index(uri, "#"); i >= 0 {
		return uri[:i]
	}
	return uri
}

func stripControls(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= ' ' && r != 0x7f {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

func repairByScheme(scheme, uri string) string {
	clean := stripFragment(uri)
	switch scheme {
	case "vmess":
		return repairVmess(clean)
	case "shadowsocks":
		return repairShadowsocks(clean)
	case "vless", "trojan":
		return stripControls(clean)
	default:
		return ""
	}
}

// repairVmess base64-decodes the payload (repairing padding), truncates
// after the last "}" if direct parse fails, then progressively strips
// trailing bytes up to maxVmessTailStripLen, re-canonicalizing and
// re-encoding on first success. Mirrors json_repair_updater.py's
// _repair_vmess exactly.
func repairVmess(uri string) string {
	const prefix = "vmess://"
	if !strings.HasPrefix(strings.ToLower(uri), prefix) {
		return ""
	}
	payload := stripControls(strings.TrimSpace(uri[len(prefix):]))

	decoded, ok := decodeBase64Padded(payload)
	if !ok {
		return ""
	}
	text := stripControls(string(decoded))

	if obj, err := parseJSONObject(text); err == nil {
		return encodeVmess(obj)
	}

	last := strings.LastIndex(text, "}")
	if last == -1 {
		return ""
	}
	candidate := text[:last+1]
	if obj, err := parseJSONObject(candidate); err == nil {
		return encodeVmess(obj)
	}

	limit := maxVmessTailStripLen
	if limit > len(candidate) {
		limit = len(candidate)
	}
	for k := 1; k <= limit; k++ {
		if obj, err := parseJSONObject(candidate[:len(candidate)-k]); err == nil {
			return encodeVmess(obj)
		}
	}
	return ""
}

func parseJSONObject(s string) (map[string]any, error) {
	var obj map[string]any
	err := json.Unmarshal([]byte(s), &obj)
	return obj, err
}

func encodeVmess(obj map[string]any) string {
	canonical, err := json.Marshal(obj)
	if err != nil {
		return ""
	}
	return "vmess://" + base64.StdEncoding.EncodeToString(canonical)
}

// repairShadowsocks mirrors json_repair_updater.py's _repair_ss: if "@" is
// present, re-encode the user-info portion as standard base64; otherwise
// base64-decode the whole payload, repair, and re-emit only if it contains
// "@" after decoding (the method:pass@host:port shape).
func repairShadowsocks(uri string) string {
	const prefix = "ss://"
	if !strings.HasPrefix(strings.ToLower(uri), prefix) {
		return ""
	}
	body := stripControls(uri[len(prefix):])

	if i := strings.Index(body, "@"); i >= 0 {
		left := strings.TrimSpace(body[:i])
		right := strings.TrimSpace(body[i+1:])
		if left == "" {
			return ""
		}
		if decoded, ok := decodeBase64Padded(left); ok {
			userinfo := stripControls(string(decoded))
			return "ss://" + base64.StdEncoding.EncodeToString([]byte(userinfo)) + "@" + right
		}
		return "ss://" + left + "@" + right
	}

	decoded, ok := decodeBase64Padded(strings.TrimSpace(body))
	if !ok {
		return ""
	}
	text := stripControls(string(decoded))
	if strings.Contains(text, "@") {
		return "ss://" + base64.StdEncoding.EncodeToString([]byte(text))
	}
	return ""
}

func decodeBase64Padded(s string) ([]byte, bool) {
	s = strings.TrimSpace(s)
	if rem := len(s) % 4; rem != 0 {
		s += strings.Repeat("=", 4-rem)
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, false
	}
	return b, true
}
