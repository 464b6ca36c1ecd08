package ingest

import (
	"testing"

	"github.com/vietddude/mender/internal/core/domain"
)

func TestNormalizeVolatileKeysExcluded(t *testing.T) {
	n := NewNormalizer([]string{"timestamp", "trace_id", "attempt"})

	first := &domain.FailureReport{
		ErrorCode: "TIMEOUT",
		Skill:     "http_call",
		Context: map[string]string{
			"endpoint":  "https://api.example.com",
			"timestamp": "2026-08-30T10:00:00Z",
			"trace_id":  "abc123",
			"attempt":   "1",
		},
	}
	second := &domain.FailureReport{
		ErrorCode: "TIMEOUT",
		Skill:     "http_call",
		Context: map[string]string{
			"endpoint":  "https://api.example.com",
			"timestamp": "2026-08-30T11:30:00Z",
			"trace_id":  "xyz789",
			"attempt":   "4",
		},
	}

	_, sig1 := n.Normalize(first)
	_, sig2 := n.Normalize(second)
	if sig1 != sig2 {
		t.Errorf("volatile fields changed the signature:\n%s\n%s", sig1, sig2)
	}
}

func TestNormalizeSalientFieldsMatter(t *testing.T) {
	n := NewNormalizer(nil)

	_, base := n.Normalize(&domain.FailureReport{ErrorCode: "TIMEOUT", Skill: "a"})
	_, otherCode := n.Normalize(&domain.FailureReport{ErrorCode: "RATE_LIMITED", Skill: "a"})
	_, otherSkill := n.Normalize(&domain.FailureReport{ErrorCode: "TIMEOUT", Skill: "b"})
	_, otherCtx := n.Normalize(&domain.FailureReport{
		ErrorCode: "TIMEOUT", Skill: "a",
		Context: map[string]string{"endpoint": "x"},
	})

	for name, sig := range map[string]string{
		"error code": otherCode,
		"skill":      otherSkill,
		"context":    otherCtx,
	} {
		if sig == base {
			t.Errorf("changing %s should change the signature", name)
		}
	}
}

func TestNormalizeCaseAndWhitespace(t *testing.T) {
	n := NewNormalizer(nil)

	_, a := n.Normalize(&domain.FailureReport{ErrorCode: "timeout ", Skill: "HTTP_CALL"})
	_, b := n.Normalize(&domain.FailureReport{ErrorCode: "TIMEOUT", Skill: "http_call"})
	if a != b {
		t.Error("case and padding should normalize away")
	}
}

func TestParseRawRoundTrip(t *testing.T) {
	n := NewNormalizer([]string{"timestamp"})

	raw, _ := n.Normalize(&domain.FailureReport{
		ErrorCode:     "TIMEOUT",
		ErrorCategory: "Transient",
		Skill:         "http_call",
		Context: map[string]string{
			"endpoint":  "https://api.example.com",
			"timestamp": "dropped",
		},
	})

	report, err := ParseRaw(raw)
	if err != nil {
		t.Fatalf("failed to parse raw signature: %v", err)
	}
	if report.ErrorCode != "TIMEOUT" {
		t.Errorf("error code: got %q", report.ErrorCode)
	}
	if report.ErrorCategory != "transient" {
		t.Errorf("error category: got %q", report.ErrorCategory)
	}
	if report.Context["endpoint"] != "https://api.example.com" {
		t.Errorf("context lost: %v", report.Context)
	}
	if _, ok := report.Context["timestamp"]; ok {
		t.Error("volatile key survived into the raw signature")
	}
}

func TestParseRawRejectsGarbage(t *testing.T) {
	if _, err := ParseRaw("not json"); err == nil {
		t.Error("expected an error for malformed raw signature")
	}
}
