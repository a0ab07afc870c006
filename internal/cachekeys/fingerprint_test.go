package cachekeys

import (
	"encoding/json"
	"testing"
	"time"

	gateway "github.com/eugener/gandalf/internal"
)

func chatReq(t *testing.T, temp *float64, metadata string) *gateway.ChatRequest {
	t.Helper()
	content, err := json.Marshal("hello")
	if err != nil {
		t.Fatal(err)
	}
	return &gateway.ChatRequest{
		Model:       "gpt-4o",
		Messages:    []gateway.Message{{Role: "user", Content: content}},
		Temperature: temp,
		User:        metadata, // not a fingerprint field
	}
}

func TestFingerprintStableAcrossUnusedFields(t *testing.T) {
	comp := CacheKeyComponents{Temperature: true}
	t1 := 0.5
	a := Fingerprint(chatReq(t, &t1, "alpha"), "gpt-4o", comp)
	b := Fingerprint(chatReq(t, &t1, "beta"), "gpt-4o", comp)
	if a != b {
		t.Fatalf("expected identical fingerprints for requests differing only in unused metadata, got %q vs %q", a, b)
	}
}

func TestFingerprintDiffersWithTemperatureWhenParticipating(t *testing.T) {
	comp := CacheKeyComponents{Temperature: true}
	zero, seven := 0.0, 0.7
	a := Fingerprint(chatReq(t, &zero, ""), "gpt-4o", comp)
	b := Fingerprint(chatReq(t, &seven, ""), "gpt-4o", comp)
	if a == b {
		t.Fatal("expected different fingerprints for different temperatures when temperature participates")
	}
}

func TestFingerprintIgnoresTemperatureWhenNotConfigured(t *testing.T) {
	comp := CacheKeyComponents{}
	zero, seven := 0.0, 0.7
	a := Fingerprint(chatReq(t, &zero, ""), "gpt-4o", comp)
	b := Fingerprint(chatReq(t, &seven, ""), "gpt-4o", comp)
	if a != b {
		t.Fatal("expected identical fingerprints when temperature is not a configured component")
	}
}

func TestSpendKeyEmbedsCalendarSuffix(t *testing.T) {
	now, err := time.Parse(time.RFC3339, "2026-07-31T10:00:00Z")
	if err != nil {
		t.Fatal(err)
	}
	daily := Spend("key1", gateway.BudgetPeriodDaily, now)
	if daily != "gw:spend:{key1}:daily:2026-07-31" {
		t.Fatalf("unexpected daily spend key: %s", daily)
	}
	monthly := Spend("key1", gateway.BudgetPeriodMonthly, now)
	if monthly != "gw:spend:{key1}:monthly:2026-07" {
		t.Fatalf("unexpected monthly spend key: %s", monthly)
	}
}
