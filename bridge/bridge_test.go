package bridge

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

// writeFakeBridge writes a tiny shell script that speaks the bridge's
// READY/line-in/line-out protocol, for exercising Client without a real
// Node subprocess.
func writeFakeBridge(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake bridge script requires a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "fake-bridge.sh")
	script := "#!/bin/sh\n" +
		"echo READY\n" +
		"while IFS= read -r line; do\n" +
		"  case \"$line\" in\n" +
		"    __ERR__) echo 'ERR:boom' ;;\n" +
		"    __NULL__) echo null ;;\n" +
		"    *) printf '{\"protocol\":\"echo\",\"uri\":\"%s\"}\\n' \"$line\" ;;\n" +
		"  esac\n" +
		"done\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake bridge script: %v", err)
	}
	return path
}

func TestConvertReturnsJSONOnEcho(t *testing.T) {
	bin := writeFakeBridge(t)
	c := New(bin, "")
	defer c.Close()

	out, ok, err := c.Convert("vmess://abc")
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if !ok {
		t.Fatal("expected ok=true for a JSON response")
	}
	if !strings.Contains(out, "vmess://abc") {
		t.Errorf("expected echoed uri in response, got %s", out)
	}
}

func TestConvertNullIsNotOkWithoutError(t *testing.T) {
	bin := writeFakeBridge(t)
	c := New(bin, "")
	defer c.Close()

	out, ok, err := c.Convert("__NULL__")
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if ok || out != "" {
		t.Errorf("expected a null response to report ok=false and empty output, got ok=%v out=%q", ok, out)
	}
}

func TestConvertErrTokenReturnsError(t *testing.T) {
	bin := writeFakeBridge(t)
	c := New(bin, "")
	defer c.Close()

	_, ok, err := c.Convert("__ERR__")
	if err == nil {
		t.Fatal("expected an ERR: response to surface as an error")
	}
	if ok {
		t.Error("expected ok=false on error")
	}
}

func TestConvertReusesSubprocessAcrossCalls(t *testing.T) {
	bin := writeFakeBridge(t)
	c := New(bin, "")
	defer c.Close()

	if _, _, err := c.Convert("vless://one"); err != nil {
		t.Fatalf("first Convert: %v", err)
	}
	firstCmd := c.cmd
	if _, _, err := c.Convert("vless://two"); err != nil {
		t.Fatalf("second Convert: %v", err)
	}
	if c.cmd != firstCmd {
		t.Error("expected the same subprocess to be reused across calls")
	}
}

func TestCloseTerminatesSubprocess(t *testing.T) {
	bin := writeFakeBridge(t)
	c := New(bin, "")

	if _, _, err := c.Convert("vmess://warm"); err != nil {
		t.Fatalf("Convert: %v", err)
	}
	c.Close()
	if c.cmd != nil {
		t.Error("expected Close to clear the subprocess handle")
	}
}
