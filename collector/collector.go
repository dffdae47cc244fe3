// Package collector fetches subscription URLs and extracts candidate proxy
// URIs from their bodies, grounded on original_source/app/xraymgr/
// collector.py's SubscriptionCollector and on the teacher's bounded
// worker-pool pattern (web/job/server_health_job.go's semaphore + WaitGroup).
package collector

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/valyala/fasthttp"

	"github.com/xrayfleet/xraymgr/logger"
	"github.com/xrayfleet/xraymgr/stopsignal"
)

// protoPrefixes is the wider extraction scheme set spec §4.2 names for the
// collector (broader than the {vmess,vless,trojan,shadowsocks} set the
// tester accepts; unsupported schemes are filtered downstream by the
// importer per §4.3, not here).
var protoPrefixes = []string{
	"vmess://", "vless://", "trojan://", "ss://", "ssr://",
	"tuic://", "hysteria2://", "hy2://",
}

var schemeRegexes = buildSchemeRegexes()

func buildSchemeRegexes() map[string]*regexp.Regexp {
	m := make(map[string]*regexp.Regexp, len(protoPrefixes))
	for _, p := range protoPrefixes {
		scheme := regexp.QuoteMeta(p)
		m[p] = regexp.MustCompile(`\b` + scheme + `[^\s"'<>]+`)
	}
	return m
}

// Config holds the collector's tunables, defaults matching spec §4.2.
type Config struct {
	MaxWorkers   int
	MaxAttempts  int
	RetrySleep   time.Duration
	FetchTimeout time.Duration
}

// DefaultConfig returns spec §4.2's defaults: 10 parallel workers, 3 attempts
// per URL, 1s sleep between attempts.
func DefaultConfig() Config {
	return Config{
		MaxWorkers:   10,
		MaxAttempts:  3,
		RetrySleep:   time.Second,
		FetchTimeout: 20 * time.Second,
	}
}

// Stats summarizes one collection run, the supplemented feature grounded in
// collector.py's final stats dict (SPEC_FULL §3).
type Stats struct {
	SourcesAttempted int
	SourcesSucceeded int
	SourcesFailed    int
	SourcesRemoved   int
	ConfigsFound     int
}

// Collector fetches a source list and writes discovered URIs to a raw file.
type Collector struct {
	cfg  Config
	stop *stopsignal.Signal
}

// New builds a Collector with the given config and shared stop signal.
func New(cfg Config, stop *stopsignal.Signal) *Collector {
	return &Collector{cfg: cfg, stop: stop}
}

type sourceResult struct {
	source  string
	uris    []string
	failed  bool
}

// Run reads sourcesFile (newline-delimited URLs, `#`-prefixed comments),
// fetches each with bounded concurrency, extracts candidate URIs from each
// body, deduplicates within the batch, overwrites rawURIsFile with them (see
// writeURIs), and rewrites sourcesFile dropping any source that yielded zero
// URIs. Sources left unfetched because of the stop signal are kept.
func (c *Collector) Run(sourcesFile, rawURIsFile string) (*Stats, error) {
	sources, err := readSources(sourcesFile)
	if err != nil {
		return nil, err
	}

	stats := &Stats{SourcesAttempted: len(sources)}

	results := make([]sourceResult, len(sources))
	sem := make(chan struct{}, c.cfg.MaxWorkers)
	var wg sync.WaitGroup

	for i, src := range sources {
		if c.stop.ShouldStop("") {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, src string) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = c.fetchOne(src)
		}(i, src)
	}
	wg.Wait()

	seen := make(map[string]struct{})
	var allURIs []string
	keepSources := make([]string, 0, len(sources))

	for i, r := range results {
		if r.source == "" {
			// not fetched because of the stop signal; kept for the next run
			keepSources = append(keepSources, sources[i])
			continue
		}
		if r.failed || len(r.uris) == 0 {
			stats.SourcesFailed++
			stats.SourcesRemoved++
			logger.Warningf("collector: dropping source with zero configs: %s", r.source)
			continue
		}
		stats.SourcesSucceeded++
		keepSources = append(keepSources, r.source)
		for _, u := range r.uris {
			if _, ok := seen[u]; !ok {
				seen[u] = struct{}{}
				allURIs = append(allURIs, u)
			}
		}
	}
	stats.ConfigsFound = len(allURIs)

	if err := writeURIs(rawURIsFile, allURIs); err != nil {
		return stats, err
	}
	if err := writeSources(sourcesFile, keepSources); err != nil {
		return stats, err
	}

	logger.Infof(
		"collector: attempted=%d succeeded=%d failed=%d removed=%d configs=%d",
		stats.SourcesAttempted, stats.SourcesSucceeded, stats.SourcesFailed,
		stats.SourcesRemoved, stats.ConfigsFound,
	)
	return stats, nil
}

func (c *Collector) fetchOne(source string) sourceResult {
	res := sourceResult{source: source}
	var body []byte
	var ok bool

	for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
		if c.stop.ShouldStop("") {
			return sourceResult{} // stopped: Run keeps the source unjudged
		}
		b, err := fetch(source, c.cfg.FetchTimeout)
		if err == nil && len(b) > 0 {
			body = b
			ok = true
			break
		}
		if attempt < c.cfg.MaxAttempts-1 {
			time.Sleep(c.cfg.RetrySleep)
		}
	}
	if !ok {
		res.failed = true
		return res
	}

	res.uris = extractURIs(body)
	return res
}

func fetch(url string, timeout time.Duration) ([]byte, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(url)
	req.Header.SetMethod(fasthttp.MethodGet)
	req.Header.Set("User-Agent", "xraymgr-collector/1.0")

	if err := fasthttp.DoTimeout(req, resp, timeout); err != nil {
		return nil, err
	}
	body := resp.Body()
	out := make([]byte, len(body))
	copy(out, body)
	return out, nil
}

// extractURIs dispatches on content shape per spec §4.2: JSON first, then
// base64, then raw scheme-regex scan.
func extractURIs(body []byte) []string {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
		var v any
		if err := json.Unmarshal(trimmed, &v); err == nil {
			return extractFromJSON(v)
		}
	}

	if decoded, ok := safeDecodeBase64(trimmed); ok {
		return extractFromLines(decoded)
	}

	return extractFromText(trimmed)
}

func extractFromText(text []byte) []string {
	var out []string
	for _, re := range schemeRegexes {
		for _, m := range re.FindAll(text, -1) {
			out = append(out, string(m))
		}
	}
	return out
}

func extractFromLines(text []byte) []string {
	var out []string
	scanner := bufio.NewScanner(bytes.NewReader(text))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		for _, p := range protoPrefixes {
			if strings.HasPrefix(line, p) {
				out = append(out, line)
				break
			}
		}
	}
	return out
}

// extractFromJSON recursively walks a decoded JSON document: strings
// beginning with a supported scheme are taken directly; objects under an
// "outbounds" array are structurally converted when recognizable
// (Hysteria2 → URI; everything else not reconstructible is skipped, which
// for Wireguard bodies matches spec §4.2's "discarded later" outcome since
// no downstream scheme regex ever matches a comment line).
func extractFromJSON(v any) []string {
	var out []string
	var walk func(any)
	walk = func(node any) {
		switch t := node.(type) {
		case string:
			for _, p := range protoPrefixes {
				if strings.HasPrefix(t, p) {
					out = append(out, t)
					return
				}
			}
		case map[string]any:
			if obs, ok := t["outbounds"].([]any); ok {
				for _, ob := range obs {
					if uri := convertStructuredOutbound(ob); uri != "" {
						out = append(out, uri)
					}
				}
			}
			for _, val := range t {
				walk(val)
			}
		case []any:
			for _, item := range t {
				walk(item)
			}
		}
	}
	walk(v)
	return out
}

// convertStructuredOutbound converts a sing-box-style structured outbound
// object into a URI when the protocol is Hysteria2; other protocols
// (notably Wireguard) have no lossless URI form and are skipped.
func convertStructuredOutbound(v any) string {
	obj, ok := v.(map[string]any)
	if !ok {
		return ""
	}
	proto, _ := obj["type"].(string)
	if strings.ToLower(proto) != "hysteria2" {
		return ""
	}
	server, _ := obj["server"].(string)
	port := numToString(obj["server_port"])
	password, _ := obj["password"].(string)
	if server == "" || port == "" {
		return ""
	}
	return "hysteria2://" + password + "@" + server + ":" + port
}

func numToString(v any) string {
	switch n := v.(type) {
	case float64:
		return trimFloat(n)
	case string:
		return n
	default:
		return ""
	}
}

func trimFloat(f float64) string {
	i := int64(f)
	if float64(i) == f {
		return itoa(i)
	}
	return ""
}

func itoa(i int64) string {
	if i == 0 {
		return "0"
	}
	neg := i < 0
	if neg {
		i = -i
	}
	var buf [20]byte
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

// safeDecodeBase64 strips whitespace, repairs padding, and attempts a
// standard-base64 decode. Returns ok=false if the input isn't plausibly
// base64 (too short, or decode fails).
func safeDecodeBase64(data []byte) ([]byte, bool) {
	s := string(bytes.Join(bytes.Fields(data), nil))
	if len(s) < 8 {
		return nil, false
	}
	if rem := len(s) % 4; rem != 0 {
		s += strings.Repeat("=", 4-rem)
	}
	decoded, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		decoded, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
		if err != nil {
			return nil, false
		}
	}
	return decoded, true
}

func readSources(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out, scanner.Err()
}

func writeSources(path string, sources []string) error {
	var buf bytes.Buffer
	for _, s := range sources {
		buf.WriteString(s)
		buf.WriteByte('\n')
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}

// writeURIs overwrites rawURIsFile with exactly this run's deduped config
// list, matching collector.py's _save_configs_to_file: a fresh run replaces
// whatever a previous run wrote rather than accumulating onto it. A run that
// found zero configs leaves the file untouched, as the original does.
func writeURIs(path string, uris []string) error {
	if len(uris) == 0 {
		return nil
	}
	var buf bytes.Buffer
	for _, u := range uris {
		buf.WriteString(u)
		buf.WriteByte('\n')
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}
