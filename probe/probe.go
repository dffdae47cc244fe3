// Package probe spawns the external geolocation probe subprocess and
// classifies its outcome into the error taxonomy spec §4.10 step 5 names.
// Grounded on original_source/app/xraymgr/test_batch_10.py's check_host.
package probe

import (
	"os/exec"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

const pollInterval = 200 * time.Millisecond

// Result is the probe subprocess's parsed outcome.
type Result struct {
	Status      string `json:"status"`
	IPAddress   string `json:"IP address"`
	Country     string `json:"Country"`
	City        string `json:"City"`
	ISP         string `json:"ISP"`
	ErrorType   string `json:"error_type"`
	ErrorDetail string `json:"error_detail"`
}

// Ok reports whether the probe considers the target reachable.
func (r Result) Ok() bool { return r.Status == "ok" }

// Runner spawns the probe binary and waits for its result.
type Runner struct {
	bin string
}

// New builds a Runner bound to the probe executable path.
func New(bin string) *Runner {
	return &Runner{bin: bin}
}

// Run launches "<bin> --timeout <sec> --socks5 <socks5Url>", polling every
// 200ms until it exits, the timeout elapses, or stop is closed (killing the
// process in either case), then waits up to a further 1s grace period for
// it to actually exit. Mirrors check_host's poll loop and rc/json handling.
func (r *Runner) Run(socks5URL string, timeoutSec int, stop <-chan struct{}) Result {
	cmd := exec.Command(r.bin, "--timeout", strconv.Itoa(timeoutSec), "--socks5", socks5URL)
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return Result{Status: "error", ErrorType: "spawn_failed", ErrorDetail: err.Error()}
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	deadline := time.NewTimer(time.Duration(timeoutSec) * time.Second)
	defer deadline.Stop()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	stopped := false
	var waitErr error

waitLoop:
	for {
		select {
		case waitErr = <-done:
			break waitLoop
		case <-deadline.C:
			_ = cmd.Process.Kill()
		case <-stop:
			stopped = true
			_ = cmd.Process.Kill()
		case <-ticker.C:
		}
		if stopped {
			select {
			case waitErr = <-done:
			case <-time.After(time.Second):
			}
			break waitLoop
		}
	}

	if stopped {
		return Result{Status: "error", ErrorType: "stopped", ErrorDetail: "stopped"}
	}
	return r.finish(waitErr, stdout.String(), stderr.String())
}

func (r *Runner) finish(waitErr error, out, errText string) Result {
	rc := 0
	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			rc = exitErr.ExitCode()
		} else {
			rc = -1
		}
	}

	if rc != 0 {
		if out != "" {
			var js map[string]any
			if err := json.Unmarshal([]byte(out), &js); err == nil {
				return resultFromMap(js, "check_host_exit_nonzero", firstNonEmpty(stringAt(js, "error_detail"), errText, out))
			}
		}
		detail := firstNonEmpty(errText, out)
		if detail == "" {
			detail = "rc=" + strconv.Itoa(rc)
		}
		return Result{Status: "error", ErrorType: "check_host_exit_nonzero", ErrorDetail: detail}
	}

	var js map[string]any
	if err := json.Unmarshal([]byte(out), &js); err != nil {
		return Result{Status: "error", ErrorType: "badjson", ErrorDetail: oneLine(out, 400)}
	}
	return resultFromMap(js, "badjson", "non-dict json")
}

func resultFromMap(js map[string]any, fallbackType, fallbackDetail string) Result {
	res := Result{
		Status:      stringAt(js, "status"),
		IPAddress:   stringAt(js, "IP address"),
		Country:     stringAt(js, "Country"),
		City:        stringAt(js, "City"),
		ISP:         stringAt(js, "ISP"),
		ErrorType:   stringAt(js, "error_type"),
		ErrorDetail: stringAt(js, "error_detail"),
	}
	if res.Status == "" {
		res.Status = "error"
	}
	if res.Status == "error" && res.ErrorType == "" {
		res.ErrorType = fallbackType
		res.ErrorDetail = firstNonEmpty(res.ErrorDetail, fallbackDetail)
	}
	return res
}

func stringAt(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
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

// ClassifyPrepError matches the stderr of a failed add_outbound/add_inbound
// call against the known unsupported-protocol signatures, returning a one-
// word error code and whether the record should be marked unsupported.
// Grounded on test_batch_10.py's classify_prep_error.
func ClassifyPrepError(detail string) (code string, markUnsupported bool) {
	s := strings.ToLower(detail)
	switch {
	case strings.Contains(s, "unknown cipher method"):
		return "ss_cipher", true
	case strings.Contains(s, "failed to build outbound handler"), strings.Contains(s, "unknown protocol"):
		return "proto", true
	default:
		return "xray", false
	}
}

// CheckErrorCode maps a probe Result's error_type to the one-word taxonomy
// spec §4.10 step 5 names, plus a combined human-readable detail string.
// Grounded on test_batch_10.py's check_error_code.
func CheckErrorCode(res Result) (code, detail string) {
	et := strings.TrimSpace(res.ErrorType)
	ed := strings.TrimSpace(res.ErrorDetail)

	switch et {
	case "connection_timeout":
		code = "timeout"
	case "connection_failed":
		code = "connect"
	case "proxy_error":
		code = "proxy"
	case "tls_error":
		code = "tls"
	case "http_error":
		code = "http"
	case "captcha_or_antibot_challenge":
		code = "antibot"
	case "badjson", "json_parse_failed":
		code = "parse"
	case "":
		code = "fail"
	default:
		code = et
	}

	combined := strings.Trim(et+":"+ed, ":")
	detail = oneLine(combined, 240)
	code = oneWord(code)
	return code, detail
}

func oneWord(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
