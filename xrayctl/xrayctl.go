// Package xrayctl is the Xray control client: every interaction goes
// through the "<xray> api <subcommand> --server=host:port" CLI per spec
// §4.9/§6, never the in-process gRPC client. Grounded on
// original_source/app/xraymgr/xray_runtime.py's XrayRuntimeApplier.
package xrayctl

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/xrayfleet/xraymgr/logger"
)

var defaultAPIServerCandidates = []string{
	"127.0.0.1:10085",
	"127.0.0.1:8080",
	"127.0.0.1:11111",
}

const defaultCommandTimeout = 20 * time.Second

// CmdResult is the outcome of one xray api invocation, per spec §4.9:
// "Return value is (rc, stdout, stderr); ok = rc == 0".
type CmdResult struct {
	RC     int
	Stdout string
	Stderr string
}

// Ok reports rc == 0.
func (r CmdResult) Ok() bool { return r.RC == 0 }

// Client serializes its add, remove and rule invocations per Xray instance
// with a mutex (spec §5: "commands are serialized per Xray instance by the
// engine's preparation step"); ProbeAPIServer, ListOutbounds and
// ListInbounds do not take it.
type Client struct {
	bin        string
	apiServer  string
	timeout    time.Duration
	existRetry bool

	mu sync.Mutex
}

// New builds a Client bound to bin (the xray executable path) and
// apiServer (host:port of its control endpoint).
func New(bin, apiServer string) *Client {
	return &Client{
		bin:        bin,
		apiServer:  apiServer,
		timeout:    defaultCommandTimeout,
		existRetry: true,
	}
}

// ProbeAPIServer tries list_outbounds against each candidate endpoint and
// returns the first that responds with valid JSON, per spec §4.9. Falls
// back to the first candidate if none respond.
func (c *Client) ProbeAPIServer(candidates []string) string {
	if len(candidates) == 0 {
		candidates = defaultAPIServerCandidates
	}
	for _, srv := range candidates {
		res := c.runAPI("lso", srv, nil, 3*time.Second)
		if res.Ok() && isValidJSON(res.Stdout) {
			return srv
		}
	}
	return candidates[0]
}

// ListOutbounds runs "lso" and parses the JSON response.
func (c *Client) ListOutbounds() (map[string]any, error) {
	res := c.runAPI("lso", c.apiServer, nil, c.timeout)
	return parseListResult(res)
}

// ListInbounds runs "lsi" and parses the JSON response.
func (c *Client) ListInbounds() (map[string]any, error) {
	res := c.runAPI("lsi", c.apiServer, nil, c.timeout)
	return parseListResult(res)
}

// AddOutbound applies outbound via "ado" with a temporary file argument.
// On an "already exists" failure with exist_retry enabled, removes the
// conflicting tag and retries once, per spec §4.9.
func (c *Client) AddOutbound(outbound map[string]any) (CmdResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	outbound = SanitizeOutbound(outbound)
	tag, _ := outbound["tag"].(string)
	payload := map[string]any{"outbounds": []any{outbound}}

	res, err := c.runWithTempJSON("ado", payload, nil)
	if err != nil {
		return res, err
	}
	if !res.Ok() && c.existRetry && stderrHasExist(res.Stderr) {
		c.runAPI("rmo", c.apiServer, []string{tag}, c.timeout)
		return c.runWithTempJSON("ado", payload, nil)
	}
	return res, nil
}

// AddInbound applies inbound via "adi", with the same exist-retry semantics
// as AddOutbound.
func (c *Client) AddInbound(inbound map[string]any) (CmdResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tag, _ := inbound["tag"].(string)
	payload := map[string]any{"inbounds": []any{inbound}}

	res, err := c.runWithTempJSON("adi", payload, nil)
	if err != nil {
		return res, err
	}
	if !res.Ok() && c.existRetry && stderrHasExist(res.Stderr) {
		c.runAPI("rmi", c.apiServer, []string{tag}, c.timeout)
		return c.runWithTempJSON("adi", payload, nil)
	}
	return res, nil
}

// RemoveOutbound removes tag via "rmo". NOT_FOUND is treated as success
// when ignoreNotFound is set.
func (c *Client) RemoveOutbound(tag string, ignoreNotFound bool) CmdResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	res := c.runAPI("rmo", c.apiServer, []string{tag}, c.timeout)
	return withNotFoundTolerance(res, ignoreNotFound)
}

// RemoveInbound removes tag via "rmi", same NOT_FOUND tolerance.
func (c *Client) RemoveInbound(tag string, ignoreNotFound bool) CmdResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	res := c.runAPI("rmi", c.apiServer, []string{tag}, c.timeout)
	return withNotFoundTolerance(res, ignoreNotFound)
}

// ApplyRules installs routing rules via "adrules"; append preserves
// existing rules per spec §4.9.
func (c *Client) ApplyRules(routing map[string]any, append bool) (CmdResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	payload := normalizeRoutingPayload(routing)
	var args []string
	if append {
		args = []string{"-append"}
	}
	return c.runWithTempJSON("adrules", payload, args)
}

// RemoveRules removes routing rules by tag via "rmrules", one call per tag
// (the CLI accepts a single tag argument, matching xray_runtime.py's loop).
func (c *Client) RemoveRules(ruleTags []string, ignoreNotFound bool) []CmdResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	results := make([]CmdResult, 0, len(ruleTags))
	for _, tag := range ruleTags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		res := c.runAPI("rmrules", c.apiServer, []string{tag}, c.timeout)
		results = append(results, withNotFoundTolerance(res, ignoreNotFound))
	}
	return results
}

func withNotFoundTolerance(res CmdResult, ignoreNotFound bool) CmdResult {
	if res.Ok() {
		return res
	}
	if ignoreNotFound && (looksLikeNotFound(res.Stdout) || looksLikeNotFound(res.Stderr)) {
		return CmdResult{RC: 0, Stdout: res.Stdout, Stderr: res.Stderr}
	}
	return res
}

func looksLikeNotFound(text string) bool {
	t := strings.ToUpper(strings.TrimSpace(text))
	return strings.Contains(t, "NOT_FOUND") || strings.Contains(t, "NOTFOUND") || strings.Contains(t, "NOT FOUND")
}

func stderrHasExist(stderr string) bool {
	s := strings.ToLower(stderr)
	return strings.Contains(s, "exist") || strings.Contains(s, "already") || strings.Contains(s, "duplicate")
}

func isValidJSON(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return false
	}
	var v any
	return json.Unmarshal([]byte(s), &v) == nil
}

func parseListResult(res CmdResult) (map[string]any, error) {
	if !res.Ok() {
		return nil, newCmdError(res)
	}
	var v map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(res.Stdout)), &v); err != nil {
		return nil, err
	}
	return v, nil
}

func newCmdError(res CmdResult) error {
	return &cmdError{res}
}

type cmdError struct{ res CmdResult }

func (e *cmdError) Error() string {
	return "xrayctl: command failed rc=" + itoa(e.res.RC) + " stderr=" + e.res.Stderr
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	neg := i < 0
	if neg {
		i = -i
	}
	var buf [12]byte
	pos := len(buf)
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	if neg {
		pos--
		buf[pos] = '-'
	}
	return string(buf[pos:])
}

// normalizeRoutingPayload accepts either {"routing": {...}} or a bare
// routing block and normalizes to what "adrules" expects, mirroring
// xray_runtime.py's _normalize_routing_payload.
func normalizeRoutingPayload(routing map[string]any) map[string]any {
	if inner, ok := routing["routing"].(map[string]any); ok && inner != nil {
		return routing
	}
	for _, k := range []string{"rules", "domainStrategy", "domain_strategy", "balancers", "balancer"} {
		if _, ok := routing[k]; ok {
			return map[string]any{"routing": routing}
		}
	}
	return routing
}

// runAPI invokes "<bin> api <subcommand> --server=<server> [args...]" under
// a deadline, matching spec §4.9's "each command runs under a deadline".
func (c *Client) runAPI(subcommand, server string, args []string, timeout time.Duration) CmdResult {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	fullArgs := append([]string{"api", subcommand, "--server=" + server}, args...)
	cmd := exec.CommandContext(ctx, c.bin, fullArgs...)

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	rc := 0
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			logger.Warningf("xrayctl: %s timed out after %s", subcommand, timeout)
			return CmdResult{RC: 124, Stdout: stdout.String(), Stderr: "timeout running command"}
		}
		if exitErr, ok := err.(*exec.ExitError); ok {
			rc = exitErr.ExitCode()
		} else {
			rc = 1
			stderr.WriteString(err.Error())
		}
	}
	return CmdResult{RC: rc, Stdout: strings.TrimSpace(stdout.String()), Stderr: strings.TrimSpace(stderr.String())}
}

// SanitizeOutbound applies the mandatory pre-add-outbound transform from
// spec §4.9: drop streamSettings.tlsSettings.fingerprint when it is
// "none", and normalize streamSettings.rawSettings.header /
// streamSettings.tcpSettings.header so an empty/unknown "type" becomes
// {"type":"none"} and an "http" type carries request/response as objects.
// Mutates and returns outbound; no grounding in xray_runtime.py, which
// never sanitizes — required directly by spec text.
func SanitizeOutbound(outbound map[string]any) map[string]any {
	ss, ok := outbound["streamSettings"].(map[string]any)
	if !ok {
		return outbound
	}

	if tlsSettings, ok := ss["tlsSettings"].(map[string]any); ok {
		if fp, ok := tlsSettings["fingerprint"].(string); ok && fp == "none" {
			delete(tlsSettings, "fingerprint")
		}
	}

	for _, key := range []string{"rawSettings", "tcpSettings"} {
		settings, ok := ss[key].(map[string]any)
		if !ok {
			continue
		}
		sanitizeHeader(settings)
	}

	return outbound
}

func sanitizeHeader(settings map[string]any) {
	header, ok := settings["header"].(map[string]any)
	if !ok || header == nil {
		settings["header"] = map[string]any{"type": "none"}
		return
	}

	typ, _ := header["type"].(string)
	switch typ {
	case "":
		header["type"] = "none"
	case "http":
		if _, ok := header["request"].(map[string]any); !ok {
			header["request"] = map[string]any{}
		}
		if _, ok := header["response"].(map[string]any); !ok {
			header["response"] = map[string]any{}
		}
	case "none":
		// already normalized
	default:
		if !knownHeaderType(typ) {
			header["type"] = "none"
		}
	}
}

func knownHeaderType(typ string) bool {
	switch typ {
	case "none", "http", "srtp", "utp", "wechat-video", "dtls", "wireguard":
		return true
	}
	return false
}

func (c *Client) runWithTempJSON(subcommand string, payload map[string]any, extraArgs []string) (CmdResult, error) {
	f, err := os.CreateTemp("", "xraymgr_*.json")
	if err != nil {
		return CmdResult{}, err
	}
	path := f.Name()
	defer os.Remove(path)

	enc := json.NewEncoder(f)
	if err := enc.Encode(payload); err != nil {
		f.Close()
		return CmdResult{}, err
	}
	if err := f.Close(); err != nil {
		return CmdResult{}, err
	}

	args := append(append([]string{}, extraArgs...), path)
	return c.runAPI(subcommand, c.apiServer, args, c.timeout), nil
}
