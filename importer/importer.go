// Package importer ingests the collector's raw-URIs file into the store and
// normalizes URIs that smuggle more than one proxy link in a single line,
// grounded on spec §4.3 and on tag_updater.py's cursor-batched, restart-safe
// loop shape (the same pattern spec §4.3 names for both of this package's
// passes).
package importer

import (
	"bufio"
	"os"
	"regexp"
	"strings"

	"gorm.io/gorm"

	"github.com/xrayfleet/xraymgr/logger"
	"github.com/xrayfleet/xraymgr/store"
)

const defaultBatchSize = 1000

// schemePrefixes is the wider set a raw line may contain concatenated
// occurrences of (mirrors collector.protoPrefixes; duplicated here rather
// than imported to keep importer's scheme detection independent of the
// collector's broader extraction vocabulary, per spec §4.3 "using a single
// regular expression over supported schemes").
var schemePrefixes = []string{
	"vmess://", "vless://", "trojan://", "ss://", "ssr://",
	"tuic://", "hysteria2://", "hy2://",
}

var multiSchemeRegexp = buildMultiSchemeRegexp()

func buildMultiSchemeRegexp() *regexp.Regexp {
	parts := make([]string, len(schemePrefixes))
	for i, p := range schemePrefixes {
		parts[i] = regexp.QuoteMeta(p)
	}
	return regexp.MustCompile("(" + strings.Join(parts, "|") + ")")
}

// supportedSchemeOf maps a URI's scheme prefix to the canonical supported
// protocol name, or "" if the scheme is not in store.SupportedProtocols.
func supportedSchemeOf(uri string) string {
	switch {
	case strings.HasPrefix(uri, "vmess://"):
		return "vmess"
	case strings.HasPrefix(uri, "vless://"):
		return "vless"
	case strings.HasPrefix(uri, "trojan://"):
		return "trojan"
	case strings.HasPrefix(uri, "ss://"):
		return "shadowsocks"
	default:
		return ""
	}
}

// Importer ingests raw URIs and normalizes multi-scheme/unsupported rows.
type Importer struct {
	st        *store.Store
	batchSize int
}

// New builds an Importer with the default batch size (1000 rows/transaction
// per spec §4.3).
func New(st *store.Store) *Importer {
	return &Importer{st: st, batchSize: defaultBatchSize}
}

// ImportRawURIs reads rawURIsFile (newline-delimited, non-empty lines only)
// and inserts each into links.uri with insert-or-ignore semantics. Returns
// the number of lines read (not the number actually inserted, since
// duplicates are silently ignored per spec).
func (imp *Importer) ImportRawURIs(rawURIsFile string) (int, error) {
	f, err := os.Open(rawURIsFile)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	defer f.Close()

	var batch []string
	count := 0
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := imp.insertIgnoreURIs(batch); err != nil {
			return err
		}
		batch = batch[:0]
		return nil
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		batch = append(batch, line)
		count++
		if len(batch) >= imp.batchSize {
			if err := flush(); err != nil {
				return count, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return count, err
	}
	if err := flush(); err != nil {
		return count, err
	}

	logger.Infof("importer: ingested %d raw uri lines", count)
	return count, nil
}

func (imp *Importer) insertIgnoreURIs(uris []string) error {
	return imp.st.Immediate(func(tx *gorm.DB) error {
		for _, uri := range uris {
			if err := tx.Clauses(store.OnConflictDoNothing()).Create(&store.Link{URI: uri}).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// SplitMultiScheme scans records whose config_json is still empty and whose
// uri contains more than one scheme prefix: splits the uri at each scheme
// boundary, inserts each segment as its own record (insert-or-ignore), and
// marks the original invalid. Cursor-batched by id, restart-safe.
func (imp *Importer) SplitMultiScheme() (int, error) {
	split := 0
	lastID := uint(0)
	for {
		var rows []store.Link
		err := imp.st.DB().
			Where("id > ? AND (config_json IS NULL OR config_json = '')", lastID).
			Order("id ASC").
			Limit(imp.batchSize).
			Find(&rows).Error
		if err != nil {
			return split, err
		}
		if len(rows) == 0 {
			break
		}
		lastID = rows[len(rows)-1].ID

		for _, row := range rows {
			segments := splitSchemes(row.URI)
			if len(segments) <= 1 {
				continue
			}
			err := imp.st.Immediate(func(tx *gorm.DB) error {
				for _, seg := range segments {
					if err := tx.Clauses(store.OnConflictDoNothing()).Create(&store.Link{URI: seg}).Error; err != nil {
						return err
					}
				}
				return tx.Model(&store.Link{}).Where("id = ?", row.ID).
					Update("is_invalid", true).Error
			})
			if err != nil {
				return split, err
			}
			split++
		}
	}
	logger.Infof("importer: split %d multi-scheme uris", split)
	return split, nil
}

// splitSchemes splits uri at each scheme-prefix boundary found after the
// first, returning the segments trimmed of surrounding whitespace.
func splitSchemes(uri string) []string {
	locs := multiSchemeRegexp.FindAllStringIndex(uri, -1)
	if len(locs) <= 1 {
		return []string{uri}
	}
	var out []string
	for i, loc := range locs {
		start := loc[0]
		end := len(uri)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		seg := strings.TrimSpace(uri[start:end])
		if seg != "" {
			out = append(out, seg)
		}
	}
	return out
}

// MarkUnsupported scans records whose scheme is outside
// store.SupportedProtocols and sets is_unsupported=1. Cursor-batched by id.
func (imp *Importer) MarkUnsupported() (int, error) {
	marked := 0
	lastID := uint(0)
	for {
		var rows []store.Link
		err := imp.st.DB().
			Where("id > ? AND is_unsupported = ?", lastID, false).
			Order("id ASC").
			Limit(imp.batchSize).
			Find(&rows).Error
		if err != nil {
			return marked, err
		}
		if len(rows) == 0 {
			break
		}
		lastID = rows[len(rows)-1].ID

		var toMark []uint
		for _, row := range rows {
			if supportedSchemeOf(row.URI) == "" {
				toMark = append(toMark, row.ID)
			}
		}
		if len(toMark) == 0 {
			continue
		}
		err = imp.st.Immediate(func(tx *gorm.DB) error {
			return tx.Model(&store.Link{}).Where("id IN ?", toMark).
				Update("is_unsupported", true).Error
		})
		if err != nil {
			return marked, err
		}
		marked += len(toMark)
	}
	logger.Infof("importer: marked %d unsupported uris", marked)
	return marked, nil
}
