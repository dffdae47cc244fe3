package engine

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/xrayfleet/xraymgr/stopsignal"
	"github.com/xrayfleet/xraymgr/store"
)

func TestParseOutboundFromOutboundsArray(t *testing.T) {
	obj, err := parseOutbound(`{"outbounds":[{"protocol":"vmess","settings":{}}]}`)
	if err != nil {
		t.Fatalf("parseOutbound: %v", err)
	}
	if obj["protocol"] != "vmess" {
		t.Errorf("expected to extract outbounds[0], got %v", obj)
	}
}

func TestParseOutboundFromTopLevelObject(t *testing.T) {
	obj, err := parseOutbound(`{"protocol":"vless","settings":{}}`)
	if err != nil {
		t.Fatalf("parseOutbound: %v", err)
	}
	if obj["protocol"] != "vless" {
		t.Errorf("expected the top-level object itself, got %v", obj)
	}
}

func TestParseOutboundFromSingletonArray(t *testing.T) {
	obj, err := parseOutbound(`[{"protocol":"trojan"}]`)
	if err != nil {
		t.Fatalf("parseOutbound: %v", err)
	}
	if obj["protocol"] != "trojan" {
		t.Errorf("expected the singleton array's element, got %v", obj)
	}
}

func TestParseOutboundRejectsUnexpectedShape(t *testing.T) {
	cases := []string{`42`, `"a string"`, `[{"a":1},{"b":2}]`, `{"foo":"bar"}`, `{not json`}
	for _, c := range cases {
		if _, err := parseOutbound(c); err == nil {
			t.Errorf("parseOutbound(%q) expected an error, got none", c)
		}
	}
}

func TestSocksInboundShape(t *testing.T) {
	ib := socksInbound("xT_abc", "127.0.0.1", 20001, "user1", "pass1")
	if ib["tag"] != "xT_abc" || ib["listen"] != "127.0.0.1" || ib["port"] != 20001 || ib["protocol"] != "socks" {
		t.Fatalf("unexpected inbound shape: %v", ib)
	}
	settings, ok := ib["settings"].(map[string]any)
	if !ok {
		t.Fatal("expected a settings object")
	}
	if settings["auth"] != "password" || settings["udp"] != true {
		t.Errorf("unexpected settings: %v", settings)
	}
	accounts, ok := settings["accounts"].([]any)
	if !ok || len(accounts) != 1 {
		t.Fatalf("expected exactly one account, got %v", settings["accounts"])
	}
	acct := accounts[0].(map[string]any)
	if acct["user"] != "user1" || acct["pass"] != "pass1" {
		t.Errorf("unexpected account: %v", acct)
	}
}

func TestBuildRuleShape(t *testing.T) {
	rule := buildRule("rT_abc", "xT_in", "xT_out")
	if rule["type"] != "field" || rule["ruleTag"] != "rT_abc" || rule["outboundTag"] != "xT_out" {
		t.Fatalf("unexpected rule: %v", rule)
	}
	inboundTags, ok := rule["inboundTag"].([]any)
	if !ok || len(inboundTags) != 1 || inboundTags[0] != "xT_in" {
		t.Errorf("expected inboundTag to wrap the single tag in a list, got %v", rule["inboundTag"])
	}
}

func TestShortHexLengthAndVariety(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		h := shortHex()
		if len(h) != 10 {
			t.Fatalf("expected a 10-character hex string, got %q (%d chars)", h, len(h))
		}
		for _, r := range h {
			if !((r >= '0' && r <= '9') || (r >= 'a' && r <= 'f')) {
				t.Errorf("unexpected character %q in shortHex output %q", r, h)
			}
		}
		seen[h] = true
	}
	if len(seen) < 2 {
		t.Error("expected repeated calls to shortHex to vary")
	}
}

func TestRemoveStr(t *testing.T) {
	got := removeStr([]string{"a", "b", "a", "c"}, "a")
	want := []string{"b", "c"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got %v, want %v", got, want)
		}
	}
}

func TestFirstNonEmpty(t *testing.T) {
	if got := firstNonEmpty("", "  ", "x", "y"); got != "x" {
		t.Errorf("got %q, want x", got)
	}
	if got := firstNonEmpty("", ""); got != "" {
		t.Errorf("got %q, want empty", got)
	}
}

func TestOneLineCollapsesAndTruncates(t *testing.T) {
	got := oneLine("a\nb   c", 100)
	if got != "a b c" {
		t.Errorf("got %q", got)
	}
	if got := oneLine("abcdef", 3); got != "abc" {
		t.Errorf("got %q", got)
	}
}

func TestOneWordDefaultsToFail(t *testing.T) {
	if got := oneWord(""); got != "fail" {
		t.Errorf("expected empty input to default to \"fail\", got %q", got)
	}
	if got := oneWord("timeout extra"); got != "timeout" {
		t.Errorf("got %q", got)
	}
}

func TestRound3(t *testing.T) {
	if got := round3(1.23456); got != 1.235 {
		t.Errorf("round3(1.23456) = %v, want 1.235", got)
	}
	if got := round3(0); got != 0 {
		t.Errorf("round3(0) = %v, want 0", got)
	}
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "xraymgr.db")
	st, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestReservePairsEligibleLinksWithSlotsAndLocksThem(t *testing.T) {
	st := newTestStore(t)

	eligible := store.Link{
		URI: "vmess://eligible", ConfigJSON: `{"protocol":"vmess"}`,
		IsPrimary: true, TestStatus: store.TestStatusIdle,
	}
	ineligibleInvalid := store.Link{
		URI: "vmess://invalid", ConfigJSON: `{"protocol":"vmess"}`,
		IsPrimary: true, IsInvalid: true,
	}
	ineligibleNotPrimary := store.Link{
		URI: "vmess://notprimary", ConfigJSON: `{"protocol":"vmess"}`,
		IsPrimary: false,
	}
	ineligibleInUse := store.Link{
		URI: "vmess://inuse", ConfigJSON: `{"protocol":"vmess"}`,
		IsPrimary: true, IsInUse: true, BoundPort: 20005,
	}
	for _, l := range []*store.Link{&eligible, &ineligibleInvalid, &ineligibleNotPrimary, &ineligibleInUse} {
		if err := st.DB().Create(l).Error; err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	e := New(st, nil, nil, nil, Config{Count: 5, TagPrefix: "x_", LockTimeoutSec: 90, Owner: "test"})
	pairs, err := e.reserve([]int{20000, 20001}, "batch-1")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if len(pairs) != 1 {
		t.Fatalf("expected exactly 1 eligible link to be reserved, got %d", len(pairs))
	}
	if pairs[0].link.ID != eligible.ID {
		t.Errorf("expected the eligible link to be reserved, got link id %d", pairs[0].link.ID)
	}

	var reloaded store.Link
	if err := st.DB().First(&reloaded, eligible.ID).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.TestStatus != store.TestStatusRunning {
		t.Errorf("expected the reserved link's test_status to become running, got %q", reloaded.TestStatus)
	}
	if reloaded.TestBatchID != "batch-1" {
		t.Errorf("expected test_batch_id to be set to the batch id, got %q", reloaded.TestBatchID)
	}
}

func TestSelectLinksReclaimsExpiredLock(t *testing.T) {
	st := newTestStore(t)

	past := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	link := store.Link{
		URI: "vmess://expired", ConfigJSON: `{"protocol":"vmess"}`,
		IsPrimary: true, TestStatus: store.TestStatusRunning, TestLockUntil: &past,
	}
	if err := st.DB().Create(&link).Error; err != nil {
		t.Fatalf("seed: %v", err)
	}

	links, err := selectLinks(st.DB(), 10, "batch-2", "owner", 90)
	if err != nil {
		t.Fatalf("selectLinks: %v", err)
	}
	if len(links) != 1 {
		t.Fatalf("expected the expired-lock link to be reclaimed, got %d links", len(links))
	}
}

func TestSelectLinksSkipsActiveLock(t *testing.T) {
	st := newTestStore(t)

	future := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
	link := store.Link{
		URI: "vmess://active", ConfigJSON: `{"protocol":"vmess"}`,
		IsPrimary: true, TestStatus: store.TestStatusRunning, TestLockUntil: &future,
	}
	if err := st.DB().Create(&link).Error; err != nil {
		t.Fatalf("seed: %v", err)
	}

	links, err := selectLinks(st.DB(), 10, "batch-3", "owner", 90)
	if err != nil {
		t.Fatalf("selectLinks: %v", err)
	}
	if len(links) != 0 {
		t.Fatalf("expected an actively-locked link to be skipped, got %d links", len(links))
	}
}

func TestSelectLinksSkipsInUseLink(t *testing.T) {
	st := newTestStore(t)

	link := store.Link{
		URI: "vmess://held", ConfigJSON: `{"protocol":"vmess"}`,
		IsPrimary: true, TestStatus: store.TestStatusIdle, IsInUse: true, BoundPort: 20010,
	}
	if err := st.DB().Create(&link).Error; err != nil {
		t.Fatalf("seed: %v", err)
	}

	links, err := selectLinks(st.DB(), 10, "batch-4", "owner", 90)
	if err != nil {
		t.Fatalf("selectLinks: %v", err)
	}
	if len(links) != 0 {
		t.Fatalf("expected a link already held by a slot (is_in_use=1) to be excluded, got %d links", len(links))
	}
}

func TestBindSlotSetsInUseAndBoundPort(t *testing.T) {
	st := newTestStore(t)

	slot := store.Slot{Port: 20001, Tag: "x_20001", Role: store.SlotRoleTest, Status: store.SlotStatusNew}
	link := store.Link{URI: "vmess://to-bind", TestStatus: store.TestStatusRunning}
	if err := st.DB().Create(&slot).Error; err != nil {
		t.Fatalf("seed slot: %v", err)
	}
	if err := st.DB().Create(&link).Error; err != nil {
		t.Fatalf("seed link: %v", err)
	}

	e := New(st, nil, nil, nil, Config{})
	if err := e.bindSlot(slot.ID, slot.Port, slot.Tag, link.ID, "xT_abc"); err != nil {
		t.Fatalf("bindSlot: %v", err)
	}

	var reloadedSlot store.Slot
	var reloadedLink store.Link
	st.DB().First(&reloadedSlot, slot.ID)
	st.DB().First(&reloadedLink, link.ID)

	if reloadedSlot.LinkID == nil || *reloadedSlot.LinkID != link.ID || reloadedSlot.OutboundTag != "xT_abc" || reloadedSlot.Status != store.SlotStatusRunning {
		t.Errorf("unexpected slot state after bindSlot: %+v", reloadedSlot)
	}
	if !reloadedLink.IsInUse {
		t.Error("expected bindSlot to set is_in_use on the link")
	}
	if reloadedLink.BoundPort != slot.Port {
		t.Errorf("expected bound_port to be set to the slot's port %d, got %d", slot.Port, reloadedLink.BoundPort)
	}
	if reloadedLink.InboundTag != slot.Tag {
		t.Errorf("expected inbound_tag to be set to the slot's tag, got %q", reloadedLink.InboundTag)
	}
}

func TestReleaseSlotClearsInUseAndBoundPort(t *testing.T) {
	st := newTestStore(t)

	slot := store.Slot{Port: 20002, Tag: "x_20002", Role: store.SlotRoleTest, Status: store.SlotStatusRunning}
	link := store.Link{URI: "vmess://bound", TestStatus: store.TestStatusRunning, IsInUse: true, BoundPort: 20002, InboundTag: "x_20002"}
	if err := st.DB().Create(&slot).Error; err != nil {
		t.Fatalf("seed slot: %v", err)
	}
	if err := st.DB().Create(&link).Error; err != nil {
		t.Fatalf("seed link: %v", err)
	}

	if err := releaseSlot(st.DB(), slot.ID, link.ID); err != nil {
		t.Fatalf("releaseSlot: %v", err)
	}

	var reloaded store.Link
	st.DB().First(&reloaded, link.ID)
	if reloaded.IsInUse {
		t.Error("expected releaseSlot to clear is_in_use")
	}
	if reloaded.BoundPort != 0 {
		t.Errorf("expected releaseSlot to clear bound_port, got %d", reloaded.BoundPort)
	}
}

func TestReleaseSlotResetsLinkAndSlotState(t *testing.T) {
	st := newTestStore(t)

	slot := store.Slot{Port: 20000, Tag: "x_20000", Role: store.SlotRoleTest, Status: store.SlotStatusRunning}
	link := store.Link{URI: "vmess://release-me", TestStatus: store.TestStatusRunning, InboundTag: "x_20000"}
	if err := st.DB().Create(&slot).Error; err != nil {
		t.Fatalf("seed slot: %v", err)
	}
	if err := st.DB().Create(&link).Error; err != nil {
		t.Fatalf("seed link: %v", err)
	}

	if err := releaseSlot(st.DB(), slot.ID, link.ID); err != nil {
		t.Fatalf("releaseSlot: %v", err)
	}

	var reloadedSlot store.Slot
	var reloadedLink store.Link
	st.DB().First(&reloadedSlot, slot.ID)
	st.DB().First(&reloadedLink, link.ID)

	if reloadedSlot.Status != store.SlotStatusNew || reloadedSlot.LinkID != nil {
		t.Errorf("expected the slot to be cleared, got %+v", reloadedSlot)
	}
	if reloadedLink.TestStatus != store.TestStatusIdle || reloadedLink.InboundTag != "" {
		t.Errorf("expected the link to return to idle with no inbound tag, got %+v", reloadedLink)
	}
}

func TestUpdateResultSetsAliveAndGeoOnSuccess(t *testing.T) {
	st := newTestStore(t)
	link := store.Link{URI: "vmess://ok-case"}
	if err := st.DB().Create(&link).Error; err != nil {
		t.Fatalf("seed: %v", err)
	}

	if err := updateResult(st.DB(), link.ID, true, "ok", false, "1.2.3.4", "US", "Ashburn", "Example ISP"); err != nil {
		t.Fatalf("updateResult: %v", err)
	}

	var reloaded store.Link
	st.DB().First(&reloaded, link.ID)
	if !reloaded.IsAlive || !reloaded.LastTestOk {
		t.Error("expected is_alive and last_test_ok to be true")
	}
	if reloaded.IP != "1.2.3.4" || reloaded.Country != "US" || reloaded.City != "Ashburn" || reloaded.Datacenter != "Example ISP" {
		t.Errorf("expected geo fields to be set, got %+v", reloaded)
	}
}

func TestUpdateResultMarksUnsupportedOnFailure(t *testing.T) {
	st := newTestStore(t)
	link := store.Link{URI: "vmess://fail-case"}
	if err := st.DB().Create(&link).Error; err != nil {
		t.Fatalf("seed: %v", err)
	}

	if err := updateResult(st.DB(), link.ID, false, "ss_cipher", true, "", "", "", ""); err != nil {
		t.Fatalf("updateResult: %v", err)
	}

	var reloaded store.Link
	st.DB().First(&reloaded, link.ID)
	if reloaded.IsAlive || reloaded.LastTestOk {
		t.Error("expected is_alive and last_test_ok to be false")
	}
	if !reloaded.IsUnsupported {
		t.Error("expected is_unsupported to be set when markUnsupported is true")
	}
	if reloaded.LastTestError != "ss_cipher" {
		t.Errorf("expected last_test_error to be recorded, got %q", reloaded.LastTestError)
	}
}

func TestIsStillPrimaryReflectsCurrentState(t *testing.T) {
	st := newTestStore(t)
	link := store.Link{URI: "vmess://was-primary", IsPrimary: true}
	if err := st.DB().Create(&link).Error; err != nil {
		t.Fatalf("seed: %v", err)
	}

	e := New(st, nil, nil, nil, Config{})
	ok, err := e.isStillPrimary(link.ID)
	if err != nil {
		t.Fatalf("isStillPrimary: %v", err)
	}
	if !ok {
		t.Error("expected a primary link to report true")
	}

	if err := st.DB().Model(&store.Link{}).Where("id = ?", link.ID).Update("is_primary", false).Error; err != nil {
		t.Fatalf("demote: %v", err)
	}
	ok, err = e.isStillPrimary(link.ID)
	if err != nil {
		t.Fatalf("isStillPrimary: %v", err)
	}
	if ok {
		t.Error("expected a demoted link to report false")
	}
}

func TestPrepareAllFailsWithNotPrimaryWhenDemotedBeforePrep(t *testing.T) {
	st := newTestStore(t)
	link := store.Link{
		URI: "vmess://demoted", ConfigJSON: `{"protocol":"vmess"}`,
		IsPrimary: false, TestStatus: store.TestStatusRunning,
	}
	if err := st.DB().Create(&link).Error; err != nil {
		t.Fatalf("seed: %v", err)
	}
	slot := store.Slot{Port: 20000, Tag: "x_20000", Role: store.SlotRoleTest, Status: store.SlotStatusRunning}
	if err := st.DB().Create(&slot).Error; err != nil {
		t.Fatalf("seed: %v", err)
	}

	e := New(st, nil, nil, stopsignal.New(), Config{})
	var createdOut, createdIn, createdRules []string
	released := map[uint]bool{}
	var failItems []ItemResult

	jobs := e.prepareAll([]preparedSlot{{slot: slot, link: link}}, &createdOut, &createdIn, &createdRules, released, &failItems)
	if len(jobs) != 0 {
		t.Fatalf("expected no jobs to be prepared for a non-primary link, got %d", len(jobs))
	}
	if len(failItems) != 1 || failItems[0].Error != "not_primary" {
		t.Fatalf("expected a not_primary failure item, got %+v", failItems)
	}
}
