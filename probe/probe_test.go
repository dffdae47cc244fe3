package probe

import "testing"

func TestClassifyPrepError(t *testing.T) {
	cases := []struct {
		detail         string
		wantCode       string
		wantUnsupported bool
	}{
		{"unknown cipher method: rc4-md5", "ss_cipher", true},
		{"failed to build outbound handler", "proto", true},
		{"unknown protocol: foo", "proto", true},
		{"connection refused", "xray", false},
	}
	for _, c := range cases {
		code, unsupported := ClassifyPrepError(c.detail)
		if code != c.wantCode || unsupported != c.wantUnsupported {
			t.Errorf("ClassifyPrepError(%q) = (%q, %v), want (%q, %v)",
				c.detail, code, unsupported, c.wantCode, c.wantUnsupported)
		}
	}
}

func TestCheckErrorCode(t *testing.T) {
	cases := []struct {
		res      Result
		wantCode string
	}{
		{Result{ErrorType: "connection_timeout"}, "timeout"},
		{Result{ErrorType: "connection_failed"}, "connect"},
		{Result{ErrorType: "proxy_error"}, "proxy"},
		{Result{ErrorType: "tls_error"}, "tls"},
		{Result{ErrorType: "http_error"}, "http"},
		{Result{ErrorType: "captcha_or_antibot_challenge"}, "antibot"},
		{Result{ErrorType: "badjson"}, "parse"},
		{Result{ErrorType: "json_parse_failed"}, "parse"},
		{Result{ErrorType: ""}, "fail"},
		{Result{ErrorType: "some_unmapped_type"}, "some_unmapped_type"},
	}
	for _, c := range cases {
		code, _ := CheckErrorCode(c.res)
		if code != c.wantCode {
			t.Errorf("CheckErrorCode(%+v) code = %q, want %q", c.res, code, c.wantCode)
		}
	}
}

func TestCheckErrorCodeDetailCombinesTypeAndDetail(t *testing.T) {
	_, detail := CheckErrorCode(Result{ErrorType: "tls_error", ErrorDetail: "handshake failure"})
	if detail != "tls_error:handshake failure" {
		t.Errorf("expected combined detail, got %q", detail)
	}
}

func TestResultOk(t *testing.T) {
	if !(Result{Status: "ok"}).Ok() {
		t.Error("expected status=ok to report Ok()")
	}
	if (Result{Status: "error"}).Ok() {
		t.Error("expected status=error to report !Ok()")
	}
}

func TestOneLineTruncatesAndCollapsesWhitespace(t *testing.T) {
	got := oneLine("line one\n  line   two\t\tline three", 100)
	if got != "line one line two line three" {
		t.Errorf("oneLine collapse: got %q", got)
	}
	long := oneLine("abcdefghij", 5)
	if long != "abcde" {
		t.Errorf("oneLine truncate: got %q", long)
	}
}

func TestOneWord(t *testing.T) {
	if got := oneWord("timeout extra stuff"); got != "timeout" {
		t.Errorf("oneWord: got %q", got)
	}
	if got := oneWord(""); got != "" {
		t.Errorf("oneWord empty: got %q", got)
	}
}

func TestFirstNonEmpty(t *testing.T) {
	if got := firstNonEmpty("", "  ", "b", "c"); got != "b" {
		t.Errorf("firstNonEmpty: got %q", got)
	}
	if got := firstNonEmpty("", ""); got != "" {
		t.Errorf("firstNonEmpty all-empty: got %q", got)
	}
}

func TestResultFromMapFillsFallbackOnMissingErrorType(t *testing.T) {
	js := map[string]any{"status": "error"}
	res := resultFromMap(js, "badjson", "non-dict json")
	if res.ErrorType != "badjson" {
		t.Errorf("expected fallback error_type, got %q", res.ErrorType)
	}
	if res.ErrorDetail != "non-dict json" {
		t.Errorf("expected fallback error_detail, got %q", res.ErrorDetail)
	}
}

func TestResultFromMapDefaultsMissingStatusToError(t *testing.T) {
	js := map[string]any{"IP address": "1.2.3.4"}
	res := resultFromMap(js, "badjson", "fallback")
	if res.Status != "error" {
		t.Errorf("expected missing status to default to error, got %q", res.Status)
	}
}

func TestResultFromMapPreservesOkStatus(t *testing.T) {
	js := map[string]any{
		"status":     "ok",
		"IP address": "1.2.3.4",
		"Country":    "US",
		"City":       "Ashburn",
		"ISP":        "Example ISP",
	}
	res := resultFromMap(js, "badjson", "fallback")
	if !res.Ok() {
		t.Fatal("expected status ok to be preserved")
	}
	if res.IPAddress != "1.2.3.4" || res.Country != "US" || res.City != "Ashburn" || res.ISP != "Example ISP" {
		t.Errorf("expected geolocation fields to be copied through, got %+v", res)
	}
}
