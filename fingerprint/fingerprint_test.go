package fingerprint

import "testing"

func TestComputeOneVmessStable(t *testing.T) {
	a := `{"protocol":"vmess","settings":{"vnext":[{"address":"EXAMPLE.com","port":443,"users":[{"id":"abc-123"}]}]},"streamSettings":{"network":"ws","tlsSettings":{},"wsSettings":{"path":"/x","headers":{"Host":"example.com"}}}}`
	b := `{"protocol":"vmess","tag":"differs","settings":{"vnext":[{"address":"example.com","port":443,"users":[{"id":"abc-123"}]}]},"streamSettings":{"network":"ws","tlsSettings":{},"wsSettings":{"path":"/x","headers":{"Host":"EXAMPLE.com"}}}}`

	fpA, skipA, invalidA, errA := computeOne(a)
	fpB, skipB, invalidB, errB := computeOne(b)

	if errA != nil || errB != nil {
		t.Fatalf("unexpected errors: %v %v", errA, errB)
	}
	if skipA || skipB || invalidA || invalidB {
		t.Fatalf("unexpected skip/invalid: %v %v %v %v", skipA, skipB, invalidA, invalidB)
	}
	if fpA != fpB {
		t.Errorf("expected identical fingerprints for host-casing and tag differences, got %q vs %q", fpA, fpB)
	}
}

func TestComputeOneShadowsocksEmptyPassword(t *testing.T) {
	cfg := `{"protocol":"shadowsocks","settings":{"servers":[{"address":"1.2.3.4","port":8388,"method":"aes-256-gcm","password":""}]}}`
	fp, skip, invalid, err := computeOne(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if skip || invalid {
		t.Fatalf("expected a stable fingerprint, not skip/invalid: skip=%v invalid=%v", skip, invalid)
	}
	if fp == "" {
		t.Error("expected a non-empty fingerprint for empty-password shadowsocks")
	}
}

func TestComputeOneUnsupportedProtocolSkipped(t *testing.T) {
	cfg := `{"protocol":"wireguard","settings":{}}`
	_, skip, invalid, err := computeOne(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !skip {
		t.Error("expected unsupported protocol to be skipped, not marked invalid")
	}
	if invalid {
		t.Error("unsupported protocols must not be marked invalid")
	}
}

func TestComputeOneInvalidJSON(t *testing.T) {
	_, skip, invalid, err := computeOne("{not json")
	if err != nil {
		t.Fatalf("parse failure is reported via invalid=true, not err: %v", err)
	}
	if skip {
		t.Error("a JSON parse failure must be marked invalid, not skipped")
	}
	if !invalid {
		t.Error("expected invalid=true for unparseable config_json")
	}
}

func TestNormCipherLowercasesSimpleNamesOnly(t *testing.T) {
	if got := normCipher("AES-256-GCM"); got != "aes-256-gcm" {
		t.Errorf("expected simple cipher name lowercased, got %q", got)
	}
	exotic := "CHACHA20-IETF-POLY1305@Plugin"
	if got := normCipher(exotic); got != exotic {
		t.Errorf("non-simple cipher names must be preserved verbatim, got %q", got)
	}
}
