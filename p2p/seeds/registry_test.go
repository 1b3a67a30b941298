package seeds

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

type mockResolver struct {
	records map[string][]string
	err     error
}

func (m *mockResolver) LookupTXT(_ context.Context, name string) ([]string, error) {
	if m.err != nil {
		return nil, m.err
	}
	if m.records == nil {
		return nil, errors.New("no records")
	}
	if values, ok := m.records[name]; ok {
		return values, nil
	}
	return nil, errors.New("not found")
}

func mustRegistry(t *testing.T, payload interface{}) *Registry {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	reg, err := Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return reg
}

func signRecord(t *testing.T, priv ed25519.PrivateKey, addr, domain string, notBefore, notAfter int64) string {
	t.Helper()
	message := buildSigningMessage(addr, notBefore, notAfter, domain)
	sig := ed25519.Sign(priv, message)
	record := map[string]interface{}{
		"address":   addr,
		"notBefore": notBefore,
		"notAfter":  notAfter,
		"signature": base64.StdEncoding.EncodeToString(sig),
	}
	raw, err := json.Marshal(record)
	if err != nil {
		t.Fatalf("marshal record: %v", err)
	}
	return recordPrefix + base64.StdEncoding.EncodeToString(raw)
}

func TestResolveIncludesStaticAndDnsSeeds(t *testing.T) {
	t.Parallel()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	now := time.Unix(1_700_000_000, 0)
	notBefore := now.Add(-time.Minute).Unix()
	notAfter := now.Add(time.Hour).Unix()
	txtValue := signRecord(t, priv, "seed-1.example.org:4001", "seeds.example.org", notBefore, notAfter)

	reg := mustRegistry(t, map[string]interface{}{
		"version": 1,
		"authorities": []map[string]interface{}{
			{
				"domain":    "seeds.example.org",
				"algorithm": "ed25519",
				"publicKey": base64.StdEncoding.EncodeToString(pub),
			},
		},
		"static": []map[string]interface{}{
			{"address": "static.example.org:4001"},
		},
	})

	resolver := &mockResolver{records: map[string][]string{
		"_relaynet-seed.seeds.example.org": {txtValue},
	}}

	resolved, err := reg.Resolve(context.Background(), now, resolver)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(resolved) != 2 {
		t.Fatalf("expected 2 seeds, got %d", len(resolved))
	}
	if resolved[0].Source != "registry.static" {
		t.Fatalf("expected first seed to be static, got %q", resolved[0].Source)
	}
	if resolved[1].Source != "dns:seeds.example.org" {
		t.Fatalf("unexpected source %q", resolved[1].Source)
	}
}

func TestResolvePropagatesVerificationErrors(t *testing.T) {
	t.Parallel()
	pub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	now := time.Unix(1_700_000_000, 0)
	badRecord := map[string]interface{}{
		"address": "seed-bad.example.org:4001",
	}
	raw, err := json.Marshal(badRecord)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	txtValue := recordPrefix + base64.StdEncoding.EncodeToString(raw)

	reg := mustRegistry(t, map[string]interface{}{
		"version": 1,
		"authorities": []map[string]interface{}{
			{
				"domain":    "faulty.example.org",
				"algorithm": "ed25519",
				"publicKey": base64.StdEncoding.EncodeToString(pub),
			},
		},
		"static": []map[string]interface{}{
			{"address": "static.example.org:4001"},
		},
	})

	resolver := &mockResolver{records: map[string][]string{
		"_relaynet-seed.faulty.example.org": {txtValue},
	}}

	resolved, err := reg.Resolve(context.Background(), now, resolver)
	if err == nil {
		t.Fatalf("expected error from invalid record")
	}
	if len(resolved) != 1 {
		t.Fatalf("expected only static seed, got %d", len(resolved))
	}
	if resolved[0].Source != "registry.static" {
		t.Fatalf("unexpected source %q", resolved[0].Source)
	}
}

func TestStaticRespectsActivationWindow(t *testing.T) {
	t.Parallel()
	now := time.Unix(1_700_000_000, 0)
	reg := mustRegistry(t, map[string]interface{}{
		"version": 1,
		"static": []map[string]interface{}{
			{
				"address":   "future.example.org:4001",
				"notBefore": now.Add(time.Hour).Unix(),
			},
		},
	})
	resolved := reg.Static(now)
	if len(resolved) != 0 {
		t.Fatalf("expected no active static seeds, got %d", len(resolved))
	}
}

func TestResolveDedupesRepeatedAddresses(t *testing.T) {
	t.Parallel()
	now := time.Unix(1_700_000_000, 0)
	reg := mustRegistry(t, map[string]interface{}{
		"version": 1,
		"static": []map[string]interface{}{
			{"address": "dup.example.org:4001", "source": "a"},
			{"address": "dup.example.org:4001", "source": "b"},
		},
	})
	resolved, err := reg.Resolve(context.Background(), now, nil)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(resolved) != 1 {
		t.Fatalf("expected dedup to 1 seed, got %d", len(resolved))
	}
}

func TestAuthorityRejectsMalformedPublicKey(t *testing.T) {
	t.Parallel()
	_, err := Parse([]byte(`{
		"version": 1,
		"authorities": [{"domain": "bad.example.org", "algorithm": "ed25519", "publicKey": "not-base64!!"}]
	}`))
	if err == nil {
		t.Fatalf("expected parse error for malformed public key")
	}
}

func TestParseRejectsEmptyPayload(t *testing.T) {
	t.Parallel()
	if _, err := Parse(nil); err == nil {
		t.Fatalf("expected error for empty payload")
	}
	if _, err := Parse([]byte("   ")); err == nil {
		t.Fatalf("expected error for whitespace-only payload")
	}
}

func TestRefreshIntervalDefaultsWhenUnset(t *testing.T) {
	t.Parallel()
	reg := mustRegistry(t, map[string]interface{}{"version": 1})
	if got := reg.RefreshInterval(); got != defaultRefreshInterval {
		t.Fatalf("expected default refresh interval, got %v", got)
	}
}
