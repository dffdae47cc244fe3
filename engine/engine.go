// Package engine is the batch test engine, the core of spec §4.10: it
// reserves a bounded set of primary, valid, idle-or-expired links, stands
// up one Xray inbound/outbound/rule triple per link, probes each through
// its own SOCKS5 port in parallel, records the outcome, and always tears
// the Xray state back down. Grounded in full on
// original_source/app/xraymgr/test_batch_10.py's run_batch/main.
package engine

import (
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"gorm.io/gorm"

	"github.com/xrayfleet/xraymgr/logger"
	"github.com/xrayfleet/xraymgr/probe"
	"github.com/xrayfleet/xraymgr/stopsignal"
	"github.com/xrayfleet/xraymgr/store"
	"github.com/xrayfleet/xraymgr/xrayctl"

	"fmt"
	"strings"
	"sync"
	"time"
)

// Config holds the batch engine's tunables, mirroring test_batch_10.py's
// CLI flags (spec §4.10's configuration table).
type Config struct {
	Count           int
	Parallel        int
	PortStart       int
	TagPrefix       string
	LockTimeoutSec  int
	CheckTimeoutSec int
	SocksUser       string
	SocksPass       string
	SocksListen     string
	IdleSleepSec    float64
	MaxBatches      int
	Continuous      bool
	Owner           string
}

// Engine drives one or many batches against a store and an Xray instance.
type Engine struct {
	st    *store.Store
	xc    *xrayctl.Client
	probe *probe.Runner
	stop  *stopsignal.Signal
	cfg   Config
}

// New builds an Engine.
func New(st *store.Store, xc *xrayctl.Client, pr *probe.Runner, stop *stopsignal.Signal, cfg Config) *Engine {
	return &Engine{st: st, xc: xc, probe: pr, stop: stop, cfg: cfg}
}

// BatchReport is the per-batch outcome, logged as a summary line,
// mirroring run_batch's returned dict.
type BatchReport struct {
	Status         string       `json:"status"`
	BatchID        string       `json:"batch_id"`
	CountRequested int          `json:"count_requested"`
	CountTested    int          `json:"count_tested"`
	Parallel       int          `json:"parallel"`
	StartedAt      time.Time    `json:"started_at_utc"`
	FinishedAt     time.Time    `json:"finished_at_utc"`
	DurationSec    float64      `json:"duration_sec"`
	Summary        BatchSummary `json:"summary"`
	OK             []ItemResult `json:"ok"`
	Fail           []ItemResult `json:"fail"`
}

// BatchSummary is the tested/ok/fail tally plus the running is_alive count.
type BatchSummary struct {
	OK             int  `json:"ok"`
	Fail           int  `json:"fail"`
	Tested         int  `json:"tested"`
	DBIsAliveTotal *int `json:"db_is_alive_1_total"`
}

// ItemResult is one probed link's outcome.
type ItemResult struct {
	Idx         int     `json:"idx"`
	LinkID      uint    `json:"link_id"`
	Port        int     `json:"port"`
	OK          bool    `json:"-"`
	IP          string  `json:"ip,omitempty"`
	Country     string  `json:"country,omitempty"`
	City        string  `json:"city,omitempty"`
	ISP         string  `json:"isp,omitempty"`
	Error       string  `json:"error,omitempty"`
	ErrorDetail string  `json:"error_detail,omitempty"`
	DurationSec float64 `json:"duration_sec"`
}

// RunForever loops runBatch according to cfg.Continuous/MaxBatches, sleeping
// cfg.IdleSleepSec between idle iterations, until stop fires. Mirrors
// main()'s outer while loop. runID seeds batch_id the same way the Python
// does (run_id-NNNNNN for continuous mode).
func (e *Engine) RunForever(stopFilePath string) error {
	runID := uuid.New().String()
	started := store.Now()
	logger.Infof("engine: start run_id=%s mode=%s count=%d parallel=%d",
		runID, modeLabel(e.cfg.Continuous), e.cfg.Count, e.cfg.Parallel)

	var totalOK, totalFail, totalTested, batches int

	for {
		if e.stop.ShouldStop(stopFilePath) {
			break
		}
		if e.cfg.Continuous && e.cfg.MaxBatches > 0 && batches >= e.cfg.MaxBatches {
			break
		}
		batches++
		batchID := runID
		if e.cfg.Continuous {
			batchID = fmt.Sprintf("%s-%06d", runID, batches)
		}

		logResourceUsage()

		had, report, err := e.runBatch(batchID, stopFilePath)
		if err != nil {
			return err
		}
		if report != nil {
			totalOK += report.Summary.OK
			totalFail += report.Summary.Fail
			totalTested += report.Summary.Tested
		}

		if !e.cfg.Continuous {
			break
		}
		if !had {
			if e.stop.ShouldStop(stopFilePath) {
				break
			}
			sleepFor := e.cfg.IdleSleepSec
			if sleepFor < 0.2 {
				sleepFor = 0.2
			}
			time.Sleep(time.Duration(sleepFor * float64(time.Second)))
			continue
		}
		time.Sleep(100 * time.Millisecond)
	}

	dur := store.Now().Sub(started).Seconds()
	logger.Infof("engine: global_summary batches=%d tested=%d ok=%d fail=%d duration=%.2fs",
		batches, totalTested, totalOK, totalFail, dur)
	return nil
}

func modeLabel(continuous bool) string {
	if continuous {
		return "continuous"
	}
	return "once"
}

// logResourceUsage emits one CPU/mem line per batch, the domain-stack
// wiring SPEC_FULL §2 commits gopsutil to.
func logResourceUsage() {
	pcts, err := cpu.Percent(0, false)
	var cpuPct float64
	if err == nil && len(pcts) > 0 {
		cpuPct = pcts[0]
	}
	vm, err := mem.VirtualMemory()
	var memPct float64
	if err == nil && vm != nil {
		memPct = vm.UsedPercent
	}
	logger.Debugf("engine: resources cpu_pct=%.1f mem_pct=%.1f", cpuPct, memPct)
}

type preparedSlot struct {
	slot store.Slot
	link store.Link
}

type preparedJob struct {
	idx         int
	linkID      uint
	slotID      uint
	inboundTag  string
	port        int
	outboundTag string
	ruleTag     string
}

// runBatch executes exactly one batch: reserve, prepare, probe, record,
// clean up. Returns hadWork=false when nothing was eligible (the engine
// should idle-sleep), mirroring run_batch's (bool, dict) return.
func (e *Engine) runBatch(batchID, stopFilePath string) (bool, *BatchReport, error) {
	if e.stop.ShouldStop(stopFilePath) {
		return false, &BatchReport{Status: "stopped", BatchID: batchID}, nil
	}

	ports := make([]int, e.cfg.Count)
	for i := range ports {
		ports[i] = e.cfg.PortStart + i
	}

	pairs, err := e.reserve(ports, batchID)
	if err != nil {
		return false, nil, err
	}
	if len(pairs) == 0 {
		return false, &BatchReport{Status: "idle", BatchID: batchID}, nil
	}

	logger.Infof("engine: allocated items=%d ports=%d..%d", len(pairs), pairs[0].slot.Port, pairs[len(pairs)-1].slot.Port)

	started := store.Now()
	var createdOut, createdIn, createdRules []string
	released := map[uint]bool{}
	var okItems, failItems []ItemResult

	jobs := e.prepareAll(pairs, &createdOut, &createdIn, &createdRules, released, &failItems)

	defer e.cleanup(createdRules, createdIn, createdOut, pairs, released)

	if len(jobs) == 0 {
		finished := store.Now()
		report := e.buildReport(batchID, started, finished, nil, failItems)
		e.logReportAndSummary(report)
		return true, report, nil
	}

	results := e.probeAll(jobs, stopFilePath)
	for _, r := range results {
		e.writeResult(r)
		released[r.LinkID] = true
		if r.OK {
			okItems = append(okItems, r)
			logger.Infof("engine: OK #%d/%d link_id=%d port=%d ip=%s city=%s dur=%.2fs",
				r.Idx, len(jobs), r.LinkID, r.Port, orDash(r.IP), orDash(r.City), r.DurationSec)
		} else {
			failItems = append(failItems, r)
			logger.Infof("engine: FAIL #%d/%d link_id=%d port=%d code=%s detail=%s dur=%.2fs",
				r.Idx, len(jobs), r.LinkID, r.Port, r.Error, oneLine(r.ErrorDetail, 240), r.DurationSec)
		}
	}

	finished := store.Now()
	report := e.buildReport(batchID, started, finished, okItems, failItems)
	e.logReportAndSummary(report)
	return true, report, nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// reserve ensures the per-batch test slots exist and are clear, then
// atomically selects up to cfg.Count eligible links and locks them,
// returning the paired (slot, link) set. One BEGIN IMMEDIATE transaction,
// per spec §4.10 step 3/4 and run_batch's "with db_connect ... BEGIN
// IMMEDIATE ... ensure/clear/fetch/select/commit" block.
func (e *Engine) reserve(ports []int, batchID string) ([]preparedSlot, error) {
	var pairs []preparedSlot

	err := e.st.Immediate(func(tx *gorm.DB) error {
		if err := ensureTestSlots(tx, ports, e.cfg.TagPrefix); err != nil {
			return err
		}
		if err := clearTestSlots(tx, ports); err != nil {
			return err
		}
		slots, err := fetchTestSlots(tx, ports)
		if err != nil {
			return err
		}
		links, err := selectLinks(tx, e.cfg.Count, batchID, e.cfg.Owner, e.cfg.LockTimeoutSec)
		if err != nil {
			return err
		}

		n := len(slots)
		if len(links) < n {
			n = len(links)
		}
		for i := 0; i < n; i++ {
			pairs = append(pairs, preparedSlot{slot: slots[i], link: links[i]})
		}
		return nil
	})
	return pairs, err
}

func ensureTestSlots(tx *gorm.DB, ports []int, tagPrefix string) error {
	for _, p := range ports {
		tag := fmt.Sprintf("%s%d", tagPrefix, p)
		slot := store.Slot{Port: p, Tag: tag, Role: store.SlotRoleTest, Status: store.SlotStatusNew}
		if err := tx.Clauses(store.OnConflictDoNothing()).Create(&slot).Error; err != nil {
			return err
		}
	}
	return nil
}

func clearTestSlots(tx *gorm.DB, ports []int) error {
	if len(ports) == 0 {
		return nil
	}
	return tx.Model(&store.Slot{}).
		Where("role = ? AND port IN ?", store.SlotRoleTest, ports).
		Updates(map[string]any{
			"link_id":      nil,
			"outbound_tag": "",
			"status":       store.SlotStatusNew,
		}).Error
}

func fetchTestSlots(tx *gorm.DB, ports []int) ([]store.Slot, error) {
	var slots []store.Slot
	err := tx.Where("role = ? AND port IN ?", store.SlotRoleTest, ports).
		Order("port ASC").Find(&slots).Error
	return slots, err
}

// selectLinks is the eligibility query of spec §4.10 step 2: primary,
// non-empty config, valid, supported, and (idle, or running with an
// expired lock). It then reserves each returned row in the same
// transaction, matching select_links's combined SELECT+UPDATE.
func selectLinks(tx *gorm.DB, limit int, batchID, owner string, lockTimeoutSec int) ([]store.Link, error) {
	now := store.Now()
	lockUntil := now.Add(time.Duration(lockTimeoutSec) * time.Second)

	var links []store.Link
	err := tx.Where(
		"is_primary = ? AND config_json IS NOT NULL AND TRIM(config_json) != '' AND is_invalid = ? AND is_unsupported = ? AND is_in_use = ? AND "+
			"(test_status = ? OR test_status IS NULL OR test_status = '' OR (test_status = ? AND (test_lock_until IS NULL OR test_lock_until < ?)))",
		true, false, false, false, store.TestStatusIdle, store.TestStatusRunning, now,
	).Order("COALESCE(last_tested_at, '1970-01-01 00:00:00') ASC, id ASC").
		Limit(limit).
		Find(&links).Error
	if err != nil || len(links) == 0 {
		return links, err
	}

	ids := make([]uint, len(links))
	for i, l := range links {
		ids[i] = l.ID
	}
	err = tx.Model(&store.Link{}).Where("id IN ?", ids).Updates(map[string]any{
		"test_status":     store.TestStatusRunning,
		"test_started_at": now,
		"test_lock_until": lockUntil,
		"test_lock_owner": owner,
		"test_batch_id":   batchID,
	}).Error
	return links, err
}

// prepareAll serially adds each link's outbound, inbound, and routing rule
// to the Xray instance, binding the slot on success and releasing+recording
// a failure immediately otherwise. Rollback on each step's failure removes
// only what that attempt itself created, mirroring run_batch's per-item
// try/except ladder exactly (parse -> add_outbound -> add_inbound ->
// apply_rules -> bind_slot).
func (e *Engine) prepareAll(pairs []preparedSlot, createdOut, createdIn, createdRules *[]string, released map[uint]bool, failItems *[]ItemResult) []preparedJob {
	var jobs []preparedJob

	for idx, pair := range pairs {
		if e.stop.ShouldStop("") {
			break
		}
		i := idx + 1
		slot, link := pair.slot, pair.link

		outTag := "xT_" + shortHex()
		ruleTag := "rT_" + shortHex()

		stillPrimary, err := e.isStillPrimary(link.ID)
		if err != nil {
			e.failPrep(link.ID, slot.ID, "parse", false, released, failItems, i, err.Error())
			continue
		}
		if !stillPrimary {
			e.failPrep(link.ID, slot.ID, "not_primary", false, released, failItems, i, "link lost primary status before preparation")
			continue
		}

		outbound, err := parseOutbound(link.ConfigJSON)
		if err != nil {
			e.failPrep(link.ID, slot.ID, "parse", false, released, failItems, i, err.Error())
			continue
		}
		outbound = xrayctl.SanitizeOutbound(outbound)
		outbound["tag"] = outTag

		res, err := e.xc.AddOutbound(outbound)
		if err != nil || !res.Ok() {
			raw := firstNonEmpty(res.Stderr, res.Stdout, "xray_add_outbound_failed")
			code, markUnsupported := probe.ClassifyPrepError(raw)
			e.failPrep(link.ID, slot.ID, code, markUnsupported, released, failItems, i, raw)
			continue
		}
		*createdOut = append(*createdOut, outTag)

		inbound := socksInbound(slot.Tag, e.cfg.SocksListen, slot.Port, e.cfg.SocksUser, e.cfg.SocksPass)
		res, err = e.xc.AddInbound(inbound)
		if err != nil || !res.Ok() {
			raw := firstNonEmpty(res.Stderr, res.Stdout, "xray_add_inbound_failed")
			e.xc.RemoveOutbound(outTag, true)
			*createdOut = removeStr(*createdOut, outTag)
			e.failPrep(link.ID, slot.ID, "xray", false, released, failItems, i, raw)
			continue
		}
		*createdIn = append(*createdIn, slot.Tag)

		rule := buildRule(ruleTag, slot.Tag, outTag)
		rres, err := e.xc.ApplyRules(map[string]any{"rules": []any{rule}}, true)
		if err != nil || !rres.Ok() {
			raw := firstNonEmpty(rres.Stderr, rres.Stdout, "xray_adrules_failed")
			e.xc.RemoveInbound(slot.Tag, true)
			e.xc.RemoveOutbound(outTag, true)
			*createdIn = removeStr(*createdIn, slot.Tag)
			*createdOut = removeStr(*createdOut, outTag)
			e.failPrep(link.ID, slot.ID, "rule", false, released, failItems, i, raw)
			continue
		}
		*createdRules = append(*createdRules, ruleTag)

		if err := e.bindSlot(slot.ID, slot.Port, slot.Tag, link.ID, outTag); err != nil {
			logger.Errorf("engine: bind_slot failed slot=%d link=%d: %v", slot.ID, link.ID, err)
			continue
		}

		jobs = append(jobs, preparedJob{
			idx: i, linkID: link.ID, slotID: slot.ID,
			inboundTag: slot.Tag, port: slot.Port, outboundTag: outTag, ruleTag: ruleTag,
		})
	}

	return jobs
}

// isStillPrimary re-checks a link's primary status right before preparation.
// The grouping engine can demote a link between reservation and prep; this
// specification requires the recheck (code "not_primary") rather than
// trusting the is_primary value read at selection time.
func (e *Engine) isStillPrimary(linkID uint) (bool, error) {
	var isPrimary bool
	err := e.st.DB().Model(&store.Link{}).Where("id = ?", linkID).Pluck("is_primary", &isPrimary).Error
	if err != nil {
		return false, err
	}
	return isPrimary, nil
}

func (e *Engine) failPrep(linkID, slotID uint, code string, markUnsupported bool, released map[uint]bool, failItems *[]ItemResult, idx int, detail string) {
	logger.Infof("engine: FAIL(prep) #%d link_id=%d code=%s detail=%s", idx, linkID, code, oneLine(detail, 240))

	err := e.st.Immediate(func(tx *gorm.DB) error {
		if err := updateResult(tx, linkID, false, code, markUnsupported, "", "", "", ""); err != nil {
			return err
		}
		return releaseSlot(tx, slotID, linkID)
	})
	if err != nil {
		logger.Errorf("engine: failPrep update failed link=%d: %v", linkID, err)
	}
	released[linkID] = true
	*failItems = append(*failItems, ItemResult{Idx: idx, LinkID: linkID, Error: code, ErrorDetail: oneLine(detail, 240)})
}

func (e *Engine) bindSlot(slotID uint, port int, inboundTag string, linkID uint, outTag string) error {
	return e.st.Immediate(func(tx *gorm.DB) error {
		if err := tx.Model(&store.Slot{}).Where("id = ?", slotID).Updates(map[string]any{
			"link_id":      linkID,
			"outbound_tag": outTag,
			"status":       store.SlotStatusRunning,
		}).Error; err != nil {
			return err
		}
		return tx.Model(&store.Link{}).Where("id = ?", linkID).Updates(map[string]any{
			"inbound_tag": inboundTag,
			"is_in_use":   true,
			"bound_port":  port,
		}).Error
	})
}

// probeAll runs every prepared job's probe concurrently (bounded by
// cfg.Parallel) and streams results back over a channel in completion
// order, mirroring run_batch's ThreadPoolExecutor + as_completed pairing.
func (e *Engine) probeAll(jobs []preparedJob, stopFilePath string) []ItemResult {
	sem := make(chan struct{}, e.cfg.Parallel)
	resultsCh := make(chan ItemResult, len(jobs))
	stopCh := e.stopChannel(stopFilePath)

	var wg sync.WaitGroup
	for _, job := range jobs {
		wg.Add(1)
		go func(j preparedJob) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			resultsCh <- e.probeOne(j, stopCh)
		}(job)
	}
	go func() {
		wg.Wait()
		close(resultsCh)
	}()

	results := make([]ItemResult, 0, len(jobs))
	for r := range resultsCh {
		results = append(results, r)
	}
	return results
}

// stopChannel returns a channel that is closed once the stop signal or
// stop file is observed, polled at the same cadence the probe runner uses.
func (e *Engine) stopChannel(stopFilePath string) <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		ticker := time.NewTicker(200 * time.Millisecond)
		defer ticker.Stop()
		for range ticker.C {
			if e.stop.ShouldStop(stopFilePath) {
				close(ch)
				return
			}
		}
	}()
	return ch
}

func (e *Engine) probeOne(job preparedJob, stop <-chan struct{}) ItemResult {
	select {
	case <-stop:
		return ItemResult{Idx: job.idx, LinkID: job.linkID, Port: job.port, OK: false, Error: "stopped", ErrorDetail: "stopped"}
	default:
	}

	t0 := time.Now()
	socks5 := fmt.Sprintf("socks5h://%s:%s@127.0.0.1:%d", e.cfg.SocksUser, e.cfg.SocksPass, job.port)
	res := e.probe.Run(socks5, e.cfg.CheckTimeoutSec, stop)
	dur := time.Since(t0).Seconds()

	if res.Ok() {
		return ItemResult{
			Idx: job.idx, LinkID: job.linkID, Port: job.port, OK: true,
			IP: res.IPAddress, Country: res.Country, City: res.City, ISP: res.ISP,
			DurationSec: round3(dur),
		}
	}
	code, detail := probe.CheckErrorCode(res)
	return ItemResult{
		Idx: job.idx, LinkID: job.linkID, Port: job.port, OK: false,
		Error: code, ErrorDetail: detail, DurationSec: round3(dur),
	}
}

func (e *Engine) writeResult(r ItemResult) {
	err := e.st.Immediate(func(tx *gorm.DB) error {
		if r.OK {
			if err := updateResult(tx, r.LinkID, true, "ok", false, r.IP, r.Country, r.City, r.ISP); err != nil {
				return err
			}
		} else {
			if err := updateResult(tx, r.LinkID, false, r.Error, false, "", "", "", ""); err != nil {
				return err
			}
		}
		var slotID uint
		if err := tx.Model(&store.Slot{}).Where("link_id = ?", r.LinkID).Pluck("id", &slotID).Error; err != nil {
			return err
		}
		return releaseSlot(tx, slotID, r.LinkID)
	})
	if err != nil {
		logger.Errorf("engine: writeResult failed link=%d: %v", r.LinkID, err)
	}
}

func updateResult(tx *gorm.DB, linkID uint, ok bool, errorCode string, markUnsupported bool, ip, country, city, isp string) error {
	updates := map[string]any{
		"last_tested_at":  store.Now(),
		"last_test_ok":    ok,
		"last_test_error": oneWord(errorCode),
		"is_alive":        ok,
	}
	if markUnsupported {
		updates["is_unsupported"] = true
	}
	if ok {
		if ip != "" {
			updates["ip"] = ip
		}
		if country != "" {
			updates["country"] = country
		}
		if city != "" {
			updates["city"] = city
		}
		if isp != "" {
			updates["datacenter"] = isp
		}
	}
	return tx.Model(&store.Link{}).Where("id = ?", linkID).Updates(updates).Error
}

func releaseSlot(tx *gorm.DB, slotID, linkID uint) error {
	if slotID != 0 {
		if err := tx.Model(&store.Slot{}).Where("id = ?", slotID).Updates(map[string]any{
			"link_id":      nil,
			"outbound_tag": "",
			"status":       store.SlotStatusNew,
		}).Error; err != nil {
			return err
		}
	}
	return tx.Model(&store.Link{}).Where("id = ?", linkID).Updates(map[string]any{
		"test_status":     store.TestStatusIdle,
		"test_started_at": nil,
		"test_lock_until": nil,
		"test_lock_owner": "",
		"test_batch_id":   "",
		"inbound_tag":     "",
		"is_in_use":       false,
		"bound_port":      0,
	}).Error
}

// cleanup always runs, in the rules -> inbounds -> outbounds order spec
// §4.10/§4.9 require, ignoring NOT_FOUND, then releases any slot not
// already released by a prep failure or a written result.
func (e *Engine) cleanup(createdRules, createdIn, createdOut []string, pairs []preparedSlot, released map[uint]bool) {
	if len(createdRules) > 0 {
		e.xc.RemoveRules(createdRules, true)
	}
	for _, tag := range createdIn {
		e.xc.RemoveInbound(tag, true)
	}
	for _, tag := range createdOut {
		e.xc.RemoveOutbound(tag, true)
	}

	var toRelease []preparedSlot
	for _, pair := range pairs {
		if !released[pair.link.ID] {
			toRelease = append(toRelease, pair)
		}
	}
	if len(toRelease) == 0 {
		return
	}
	err := e.st.Immediate(func(tx *gorm.DB) error {
		for _, pair := range toRelease {
			if err := releaseSlot(tx, pair.slot.ID, pair.link.ID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		logger.Errorf("engine: cleanup release failed: %v", err)
	}
}

func (e *Engine) buildReport(batchID string, started, finished time.Time, ok, fail []ItemResult) *BatchReport {
	aliveTotal := e.countIsAlive()
	return &BatchReport{
		Status:         "ok",
		BatchID:        batchID,
		CountRequested: e.cfg.Count,
		CountTested:    len(ok) + len(fail),
		Parallel:       e.cfg.Parallel,
		StartedAt:      started,
		FinishedAt:     finished,
		DurationSec:    round3(finished.Sub(started).Seconds()),
		Summary: BatchSummary{
			OK: len(ok), Fail: len(fail), Tested: len(ok) + len(fail), DBIsAliveTotal: aliveTotal,
		},
		OK:   ok,
		Fail: fail,
	}
}

func (e *Engine) countIsAlive() *int {
	var n int64
	if err := e.st.DB().Model(&store.Link{}).Where("is_alive = ?", true).Count(&n).Error; err != nil {
		return nil
	}
	v := int(n)
	return &v
}

func (e *Engine) logReportAndSummary(report *BatchReport) {
	logger.Infof("engine: SUMMARY batch_id=%s tested=%d ok=%d fail=%d duration=%.2fs",
		report.BatchID, report.Summary.Tested, report.Summary.OK, report.Summary.Fail, report.DurationSec)
}

func parseOutbound(configJSON string) (map[string]any, error) {
	var obj any
	if err := json.Unmarshal([]byte(configJSON), &obj); err != nil {
		return nil, err
	}
	switch t := obj.(type) {
	case map[string]any:
		if outs, ok := t["outbounds"].([]any); ok && len(outs) > 0 {
			first, ok := outs[0].(map[string]any)
			if !ok {
				return nil, fmt.Errorf("engine: outbounds[0] not an object")
			}
			return first, nil
		}
		if _, hasProto := t["protocol"]; hasProto {
			return t, nil
		}
		if _, hasSettings := t["settings"]; hasSettings {
			return t, nil
		}
		return nil, fmt.Errorf("engine: unexpected config_json shape")
	case []any:
		if len(t) == 1 {
			if obj, ok := t[0].(map[string]any); ok {
				return obj, nil
			}
		}
		return nil, fmt.Errorf("engine: unexpected config_json shape")
	default:
		return nil, fmt.Errorf("engine: unexpected config_json shape")
	}
}

func socksInbound(tag, listen string, port int, user, pass string) map[string]any {
	return map[string]any{
		"tag":      tag,
		"listen":   listen,
		"port":     port,
		"protocol": "socks",
		"settings": map[string]any{
			"auth":     "password",
			"accounts": []any{map[string]any{"user": user, "pass": pass}},
			"udp":      true,
		},
	}
}

func buildRule(ruleTag, inboundTag, outboundTag string) map[string]any {
	return map[string]any{
		"type":        "field",
		"ruleTag":     ruleTag,
		"inboundTag":  []any{inboundTag},
		"outboundTag": outboundTag,
	}
}

func shortHex() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:10]
}

func removeStr(list []string, s string) []string {
	out := make([]string, 0, len(list))
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func oneLine(s string, maxLen int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > maxLen {
		return s[:maxLen]
	}
	return s
}

func oneWord(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return "fail"
	}
	return fields[0]
}

func round3(f float64) float64 {
	return float64(int64(f*1000+0.5)) / 1000
}
