// Package canonical provides RFC 8785 (JSON Canonicalization Scheme) compliant
// serialization and the named SHA-256 digests of the Proveniq ledger:
// payload hashes, chained entry hashes, evidence-set hashes, and asset-state
// hashes. Every hash the server depends on is recomputed here; hashes supplied
// by producers are advisory only.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gowebpki/jcs"
)

// GenesisSentinel is the literal substituted for the previous hash when
// chaining the first entry.
const GenesisSentinel = "GENESIS"

// TimestampLayout is the exact wall-clock form committed to the entry hash
// domain: UTC, millisecond precision. The string produced from the stored
// timestamp must reproduce the hash bit-exactly, so timestamps are truncated
// to milliseconds before they are ever hashed or persisted.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// JCS returns the RFC 8785 canonical JSON representation of v.
// Map keys are sorted lexicographically by UTF-16 code units at every level
// and numbers use the ECMAScript shortest-round-trip encoding.
func JCS(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: marshal failed: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonical: transform failed: %w", err)
	}
	return out, nil
}

// HashBytes computes the SHA-256 digest of raw bytes as a lowercase hex string.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashPayload returns the SHA-256 hex digest of the canonical serialization
// of an arbitrary JSON-like payload.
func HashPayload(payload any) (string, error) {
	b, err := JCS(payload)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashRawPayload canonicalizes and hashes an already-encoded JSON document.
func HashRawPayload(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		raw = json.RawMessage("null")
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonical: transform failed: %w", err)
	}
	return HashBytes(out), nil
}

// HashEntry computes the chained entry hash:
// SHA-256(payload_hash | previous_hash_or_GENESIS | source | event_type | created_at).
// createdAt must carry at most millisecond precision.
func HashEntry(payloadHash, previousHash, source, eventType string, createdAt time.Time) string {
	prev := previousHash
	if prev == "" {
		prev = GenesisSentinel
	}
	parts := []string{
		payloadHash,
		prev,
		source,
		eventType,
		FormatTimestamp(createdAt),
	}
	return HashBytes([]byte(strings.Join(parts, "|")))
}

// HashEvidenceSet computes the digest of an evidence content-hash set.
// The input order is irrelevant; hashes are sorted before joining. An empty
// set hashes the empty string.
func HashEvidenceSet(contentHashes []string) string {
	sorted := make([]string, len(contentHashes))
	copy(sorted, contentHashes)
	sort.Strings(sorted)
	return HashBytes([]byte(strings.Join(sorted, "|")))
}

// AssetState is the verification-relevant projection of an asset: the latest
// claim, the accumulated evidence hashes, and the ruleset that scopes them.
type AssetState struct {
	Claim          json.RawMessage `json:"claim"`
	EvidenceHashes []string        `json:"evidence_hashes"`
	RulesetVersion string          `json:"ruleset_version"`
}

// HashAssetState returns the canonical hash of an asset state. Evidence
// hashes are sorted so the digest is insensitive to accumulation order, and a
// nil claim hashes as JSON null.
func HashAssetState(state AssetState) (string, error) {
	if state.Claim == nil {
		state.Claim = json.RawMessage("null")
	}
	sorted := make([]string, len(state.EvidenceHashes))
	copy(sorted, state.EvidenceHashes)
	sort.Strings(sorted)
	state.EvidenceHashes = sorted
	return HashPayload(state)
}

// HashSnapshot binds an asset-state hash and an evidence-set hash into the
// single snapshot digest recorded on proof views.
func HashSnapshot(assetStateHash, evidenceSetHash string) (string, error) {
	return HashPayload(map[string]string{
		"asset_state_hash":  assetStateHash,
		"evidence_set_hash": evidenceSetHash,
	})
}

// FormatTimestamp renders t in the committed hash-domain form.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Truncate(time.Millisecond).Format(TimestampLayout)
}

// TruncateTimestamp clamps t to the precision carried by the hash domain.
func TruncateTimestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

// IsHexSHA256 reports whether s looks like a lowercase hex SHA-256 digest.
func IsHexSHA256(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, r := range s {
		if (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') {
			continue
		}
		return false
	}
	return true
}
