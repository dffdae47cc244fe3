// Package fingerprint computes the structural identity hash used to group
// duplicate outbounds, grounded on original_source/app/xraymgr/
// hash_updater.py's ConfigHashUpdater: same identity-dict shape per
// protocol, same canonicalize-then-sha256 scheme.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	json "github.com/goccy/go-json"
	"gorm.io/gorm"

	"github.com/xrayfleet/xraymgr/logger"
	"github.com/xrayfleet/xraymgr/store"
)

const defaultBatchSize = 1000

// Computer drives the fingerprint-computation pass.
type Computer struct {
	st        *store.Store
	batchSize int
}

// New builds a Computer.
func New(st *store.Store) *Computer {
	return &Computer{st: st, batchSize: defaultBatchSize}
}

// Stats summarizes one run.
type Stats struct {
	Computed int
	Skipped  int
	Invalid  int
}

// Run computes fingerprint for every record whose config_json is non-empty,
// is_invalid=0, and fingerprint is null. Cursor-batched by id.
func (c *Computer) Run() (*Stats, error) {
	stats := &Stats{}
	lastID := uint(0)

	for {
		var rows []store.Link
		err := c.st.DB().
			Where("id > ? AND config_json IS NOT NULL AND config_json != '' AND "+
				"is_invalid = ? AND (fingerprint IS NULL OR fingerprint = '')", lastID, false).
			Order("id ASC").
			Limit(c.batchSize).
			Find(&rows).Error
		if err != nil {
			return stats, err
		}
		if len(rows) == 0 {
			break
		}
		lastID = rows[len(rows)-1].ID

		for _, row := range rows {
			fp, skip, invalid, err := computeOne(row.ConfigJSON)
			if err != nil {
				return stats, err
			}
			switch {
			case invalid:
				stats.Invalid++
				err = c.st.Immediate(func(tx *gorm.DB) error {
					return tx.Model(&store.Link{}).Where("id = ?", row.ID).
						Update("is_invalid", true).Error
				})
			case skip:
				stats.Skipped++
			default:
				stats.Computed++
				err = c.st.Immediate(func(tx *gorm.DB) error {
					return tx.Model(&store.Link{}).Where("id = ?", row.ID).
						Update("fingerprint", fp).Error
				})
			}
			if err != nil {
				return stats, err
			}
		}
	}

	logger.Infof("fingerprint: computed=%d skipped=%d invalid=%d", stats.Computed, stats.Skipped, stats.Invalid)
	return stats, nil
}

// computeOne parses configJSON, identifies the outbound object, and returns
// its hex fingerprint. skip=true for unsupported protocols (left alone per
// spec §4.7: "Unsupported protocols are skipped (not marked)"). invalid=true
// on JSON-parse failure.
func computeOne(configJSON string) (fp string, skip bool, invalid bool, err error) {
	obj, perr := extractOutbound(configJSON)
	if perr != nil {
		return "", false, true, nil
	}

	protocol, _ := obj["protocol"].(string)
	protocol = strings.ToLower(protocol)

	var identity map[string]any
	switch protocol {
	case "vmess":
		identity = extractVmessIdentity(obj)
	case "vless":
		identity = extractVlessIdentity(obj)
	case "trojan":
		identity = extractTrojanIdentity(obj)
	case "shadowsocks":
		identity = extractShadowsocksIdentity(obj)
	default:
		return "", true, false, nil
	}
	if identity == nil {
		return "", true, false, nil
	}

	for k, v := range extractStreamFingerprint(obj) {
		identity[k] = v
	}

	canonical, err := json.Marshal(identity)
	if err != nil {
		return "", false, false, err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), false, false, nil
}

// extractOutbound parses configJSON and returns the outbound object, either
// the top-level document or outbounds[0].
func extractOutbound(configJSON string) (map[string]any, error) {
	var v any
	if err := json.Unmarshal([]byte(configJSON), &v); err != nil {
		return nil, err
	}
	switch t := v.(type) {
	case map[string]any:
		if obs, ok := t["outbounds"].([]any); ok && len(obs) > 0 {
			if first, ok := obs[0].(map[string]any); ok {
				return first, nil
			}
		}
		return t, nil
	case []any:
		if len(t) > 0 {
			if first, ok := t[0].(map[string]any); ok {
				return first, nil
			}
		}
	}
	return nil, errNoOutbound
}

type fpErr string

func (e fpErr) Error() string { return string(e) }

const errNoOutbound = fpErr("fingerprint: no outbound object found")

func settings(obj map[string]any) map[string]any {
	s, _ := obj["settings"].(map[string]any)
	return s
}

func firstVnextUser(obj map[string]any) (vnext map[string]any, user map[string]any) {
	s := settings(obj)
	if list, ok := s["vnext"].([]any); ok && len(list) > 0 {
		if vn, ok := list[0].(map[string]any); ok {
			vnext = vn
			if users, ok := vn["users"].([]any); ok && len(users) > 0 {
				if u, ok := users[0].(map[string]any); ok {
					user = u
				}
			}
		}
	}
	return
}

// extractVmessIdentity: address (lowercased), port (int), user id
// (lowercased), optional security, optional alter-id.
func extractVmessIdentity(obj map[string]any) map[string]any {
	vnext, user := firstVnextUser(obj)
	if vnext == nil || user == nil {
		return nil
	}
	identity := map[string]any{
		"protocol": "vmess",
		"address":  normHost(safeStr(vnext["address"])),
		"port":     safeInt(vnext["port"]),
		"id":       strings.ToLower(safeStr(user["id"])),
	}
	if sec := safeStr(user["security"]); sec != "" {
		identity["security"] = strings.ToLower(sec)
	}
	if aid, ok := user["alterId"]; ok {
		identity["alterId"] = safeInt(aid)
	}
	return identity
}

// extractVlessIdentity: same as vmess plus optional encryption and flow;
// accepts both vnext[*].users[*] and a flat shape.
func extractVlessIdentity(obj map[string]any) map[string]any {
	vnext, user := firstVnextUser(obj)
	if vnext == nil || user == nil {
		// flat shape fallback
		s := settings(obj)
		address := safeStr(s["address"])
		id := safeStr(s["id"])
		if address == "" || id == "" {
			return nil
		}
		identity := map[string]any{
			"protocol": "vless",
			"address":  normHost(address),
			"port":     safeInt(s["port"]),
			"id":       strings.ToLower(id),
		}
		if sec := safeStr(s["security"]); sec != "" {
			identity["security"] = strings.ToLower(sec)
		}
		if aid, ok := s["alterId"]; ok {
			identity["alterId"] = safeInt(aid)
		}
		if enc := safeStr(s["encryption"]); enc != "" {
			identity["encryption"] = enc
		}
		if flow := safeStr(s["flow"]); flow != "" {
			identity["flow"] = flow
		}
		return identity
	}

	identity := map[string]any{
		"protocol": "vless",
		"address":  normHost(safeStr(vnext["address"])),
		"port":     safeInt(vnext["port"]),
		"id":       strings.ToLower(safeStr(user["id"])),
	}
	if sec := safeStr(user["security"]); sec != "" {
		identity["security"] = strings.ToLower(sec)
	}
	if aid, ok := user["alterId"]; ok {
		identity["alterId"] = safeInt(aid)
	}
	if enc := safeStr(user["encryption"]); enc != "" {
		identity["encryption"] = enc
	}
	if flow := safeStr(user["flow"]); flow != "" {
		identity["flow"] = flow
	}
	return identity
}

// extractTrojanIdentity: address (lowercased), port (int), password
// (case-preserved).
func extractTrojanIdentity(obj map[string]any) map[string]any {
	s := settings(obj)
	var server map[string]any
	if servers, ok := s["servers"].([]any); ok && len(servers) > 0 {
		server, _ = servers[0].(map[string]any)
	}
	if server == nil {
		server = s
	}
	address := safeStr(server["address"])
	if address == "" {
		return nil
	}
	password := safeStrAllowEmpty(server["password"])
	return map[string]any{
		"protocol": "trojan",
		"address":  normHost(address),
		"port":     safeInt(server["port"]),
		"password": password,
	}
}

// extractShadowsocksIdentity: address, port, method (lowercased for
// plain-ASCII; otherwise preserved), password (empty string accepted),
// optional UoT flag, optional plugin + plugin options. Accepts multiple
// key-name variants including SIP008's users[0] fallback.
func extractShadowsocksIdentity(obj map[string]any) map[string]any {
	s := settings(obj)
	var server map[string]any
	if servers, ok := s["servers"].([]any); ok && len(servers) > 0 {
		server, _ = servers[0].(map[string]any)
	}
	if server == nil {
		server = s
	}

	address := firstNonEmpty(server["address"], server["server"], server["addr"])
	if address == "" {
		if users, ok := server["users"].([]any); ok && len(users) > 0 {
			if u, ok := users[0].(map[string]any); ok {
				address = firstNonEmpty(u["address"], u["server"], u["addr"])
				if address == "" {
					address = safeStr(server["address"])
				}
				if method := firstNonEmpty(server["method"], u["method"], u["cipher"]); method != "" {
					server = mergeMap(server, u)
				}
			}
		}
	}
	if address == "" {
		return nil
	}

	port := server["port"]
	if port == nil {
		port = server["server_port"]
	}

	method := firstNonEmpty(server["method"], server["cipher"])
	password := firstNonEmptyAllowEmpty(server, "password", "pass", "passwd")

	identity := map[string]any{
		"protocol": "shadowsocks",
		"address":  normHost(address),
		"port":     safeInt(port),
		"method":   normCipher(method),
		"password": password,
	}
	if uot, ok := server["uot"]; ok {
		identity["uot"] = uot
	}
	if plugin := safeStr(server["plugin"]); plugin != "" {
		identity["plugin"] = plugin
		if opts := safeStr(server["pluginOpts"]); opts != "" {
			identity["pluginOpts"] = opts
		}
	}
	return identity
}

func mergeMap(base, override map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}

// extractStreamFingerprint returns the common stream fingerprint fields
// every protocol shares: network (lowercased, default tcp), tls boolean and
// its security variant, sni/host/path when present.
func extractStreamFingerprint(obj map[string]any) map[string]any {
	out := map[string]any{"network": "tcp"}

	ss, _ := obj["streamSettings"].(map[string]any)
	if ss == nil {
		return out
	}

	if network := safeStr(ss["network"]); network != "" {
		out["network"] = strings.ToLower(network)
	}

	security := strings.ToLower(safeStr(ss["security"]))
	tlsSettings, _ := ss["tlsSettings"].(map[string]any)
	realitySettings, _ := ss["realitySettings"].(map[string]any)

	hasTLS := security == "tls" || security == "reality" || tlsSettings != nil || realitySettings != nil
	out["tls"] = hasTLS
	if hasTLS {
		if security != "" {
			out["security"] = security
		} else if realitySettings != nil {
			out["security"] = "reality"
		} else {
			out["security"] = "tls"
		}
	}

	var sni string
	if tlsSettings != nil {
		sni = safeStr(tlsSettings["serverName"])
	}
	if sni == "" && realitySettings != nil {
		sni = safeStr(realitySettings["serverName"])
	}
	if sni != "" {
		out["sni"] = strings.ToLower(sni)
	}

	if host, path, ok := hostPathFor(out["network"].(string), ss); ok {
		if host != "" {
			out["host"] = strings.ToLower(host)
		}
		if path != "" {
			out["path"] = path
		}
	}

	return out
}

func hostPathFor(network string, ss map[string]any) (host, path string, ok bool) {
	switch network {
	case "ws":
		if ws, ok2 := ss["wsSettings"].(map[string]any); ok2 {
			return wsHostPath(ws)
		}
	case "h2", "http":
		if h2, ok2 := ss["httpSettings"].(map[string]any); ok2 {
			host := ""
			if hosts, ok3 := h2["host"].([]any); ok3 && len(hosts) > 0 {
				host = safeStr(hosts[0])
			}
			return host, safeStr(h2["path"]), true
		}
	}
	return "", "", false
}

func wsHostPath(ws map[string]any) (string, string, bool) {
	host := safeStr(ws["host"])
	if headers, ok := ws["headers"].(map[string]any); ok && host == "" {
		host = safeStr(headers["Host"])
	}
	return host, safeStr(ws["path"]), true
}

func firstNonEmpty(vals ...any) string {
	for _, v := range vals {
		if s := safeStr(v); s != "" {
			return s
		}
	}
	return ""
}

func firstNonEmptyAllowEmpty(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			return safeStrAllowEmpty(v)
		}
	}
	return ""
}

func safeStr(v any) string {
	s, _ := v.(string)
	return strings.TrimSpace(s)
}

func safeStrAllowEmpty(v any) string {
	s, _ := v.(string)
	return s
}

func safeInt(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case string:
		var out int
		for _, r := range n {
			if r < '0' || r > '9' {
				return 0
			}
			out = out*10 + int(r-'0')
		}
		return out
	default:
		return 0
	}
}

// normHost lowercases a host string per spec §4.7.
func normHost(h string) string {
	return strings.ToLower(strings.TrimSpace(h))
}

// normCipher lowercases a cipher/method name only when it is plain-ASCII
// "simple" (letters, digits, dash, underscore, dot); otherwise preserves it
// verbatim, mirroring hash_updater.py's _norm_cipher.
func normCipher(method string) string {
	simple := true
	for _, r := range method {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
		default:
			simple = false
		}
		if !simple {
			break
		}
	}
	if simple {
		return strings.ToLower(method)
	}
	return method
}
