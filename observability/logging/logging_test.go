package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestSetupEmitsPipelineSchema(t *testing.T) {
	var buf bytes.Buffer
	log := setup(&buf, "creditd", "test", slog.LevelInfo)

	log.Info("wallet connected", "address", "0xabc", "indexer_token", "very-long-bearer-token")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if line["severity"] != "INFO" {
		t.Fatalf("severity = %v, want INFO", line["severity"])
	}
	if line["message"] != "wallet connected" {
		t.Fatalf("message = %v", line["message"])
	}
	if _, ok := line["timestamp"]; !ok {
		t.Fatalf("missing timestamp key: %v", line)
	}
	if line["service"] != "creditd" || line["env"] != "test" {
		t.Fatalf("missing service attrs: %v", line)
	}
	if line["address"] != "0xabc" {
		t.Fatalf("public attr must pass through: %v", line["address"])
	}
	token, _ := line["indexer_token"].(string)
	if strings.Contains(token, "bearer") {
		t.Fatalf("token leaked into log output: %q", token)
	}
}

func TestSetupLevelGate(t *testing.T) {
	var buf bytes.Buffer
	log := setup(&buf, "creditd", "", slog.LevelWarn)

	log.Info("suppressed")
	if buf.Len() != 0 {
		t.Fatalf("info line emitted below level gate: %s", buf.String())
	}
	log.Warn("emitted")
	if buf.Len() == 0 {
		t.Fatal("warn line missing")
	}
}

func TestIsSensitiveKey(t *testing.T) {
	for key, want := range map[string]bool{
		"indexer_token": true,
		"Authorization": true,
		"wallet_secret": true,
		"private_key":   true,
		"address":       false,
		"account":       false,
		"chain":         false,
	} {
		if got := IsSensitiveKey(key); got != want {
			t.Errorf("IsSensitiveKey(%q) = %v, want %v", key, got, want)
		}
	}
}

func TestMaskSecret(t *testing.T) {
	if got := MaskSecret(""); got != "" {
		t.Fatalf("empty value must stay empty, got %q", got)
	}
	if got := MaskSecret("short"); got != Redacted {
		t.Fatalf("short value = %q, want %q", got, Redacted)
	}
	masked := MaskSecret("super-secret-bearer")
	if masked == "super-secret-bearer" {
		t.Fatal("long value not masked")
	}
	if !strings.HasPrefix(masked, "supe") || !strings.HasSuffix(masked, Redacted) {
		t.Fatalf("masked value lost its correlation prefix: %q", masked)
	}
}
