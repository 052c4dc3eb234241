// Package events defines the closed canonical event-type taxonomy of the
// Proveniq ledger and the normalization of legacy aliases. The set is extended
// only through a schema version bump; unknown types are rejected at ingestion.
package events

import (
	"sort"
	"strings"
)

// Type is a canonical event-type symbol.
type Type string

// Verification lifecycle.
const (
	ClaimAdded          Type = "CLAIM_ADDED"
	ClaimUpdated        Type = "CLAIM_UPDATED"
	EvidenceAdded       Type = "EVIDENCE_ADDED"
	EvidenceFrozen      Type = "EVIDENCE_FROZEN"
	FreezeLifted        Type = "FREEZE_LIFTED"
	DisputeFiled        Type = "DISPUTE_FILED"
	DisputeResolved     Type = "DISPUTE_RESOLVED"
	VerificationGranted Type = "VERIFICATION_GRANTED"
	VerificationRevoked Type = "VERIFICATION_REVOKED"
	ProofViewCreated    Type = "PROOF_VIEW_CREATED"
	ProofViewRevoked    Type = "PROOF_VIEW_REVOKED"
	StateHashMismatch   Type = "STATE_HASH_MISMATCH"
)

// Domain families. Each producer domain registers its members here; the
// ledger treats them as opaque beyond routing and projection.
var domainTypes = []Type{
	// home
	"HOME_ASSET_REGISTERED",
	"HOME_ASSET_UPDATED",
	"HOME_ASSET_ARCHIVED",
	"HOME_PHOTO_ADDED",
	"HOME_DOCUMENT_ATTACHED",
	"HOME_CUSTODY_TRANSFERRED",
	// service
	"SERVICE_RECORD_ADDED",
	"SERVICE_RECORD_UPDATED",
	"SERVICE_PROVIDER_LINKED",
	// claim
	"CLAIM_FILED",
	"CLAIM_SETTLED",
	"CLAIM_WITHDRAWN",
	// capital
	"CAPITAL_VALUATION_RECORDED",
	"CAPITAL_LIEN_REGISTERED",
	"CAPITAL_LIEN_RELEASED",
	// ops
	"OPS_INSPECTION_COMPLETED",
	"OPS_MAINTENANCE_LOGGED",
	"OPS_INCIDENT_REPORTED",
	// properties
	"PROPERTIES_LISTING_CREATED",
	"PROPERTIES_LISTING_CLOSED",
	"PROPERTIES_TITLE_RECORDED",
}

var lifecycleTypes = []Type{
	ClaimAdded, ClaimUpdated,
	EvidenceAdded, EvidenceFrozen, FreezeLifted,
	DisputeFiled, DisputeResolved,
	VerificationGranted, VerificationRevoked,
	ProofViewCreated, ProofViewRevoked,
	StateHashMismatch,
}

// legacyAliases maps retired VERIFY_* symbols 1:1 to their canonical forms.
var legacyAliases = map[Type]Type{
	"VERIFY_CLAIM_ADDED":      ClaimAdded,
	"VERIFY_CLAIM_UPDATED":    ClaimUpdated,
	"VERIFY_EVIDENCE_ADDED":   EvidenceAdded,
	"VERIFY_EVIDENCE_FROZEN":  EvidenceFrozen,
	"VERIFY_FREEZE_LIFTED":    FreezeLifted,
	"VERIFY_DISPUTE_FILED":    DisputeFiled,
	"VERIFY_DISPUTE_RESOLVED": DisputeResolved,
	"VERIFY_GRANTED":          VerificationGranted,
	"VERIFY_REVOKED":          VerificationRevoked,
	"VERIFY_PROOF_CREATED":    ProofViewCreated,
	"VERIFY_PROOF_REVOKED":    ProofViewRevoked,
}

var canonicalSet = func() map[Type]struct{} {
	set := make(map[Type]struct{}, len(domainTypes)+len(lifecycleTypes))
	for _, t := range domainTypes {
		set[t] = struct{}{}
	}
	for _, t := range lifecycleTypes {
		set[t] = struct{}{}
	}
	return set
}()

// IsCanonical reports whether t is a member of the closed taxonomy.
func IsCanonical(t Type) bool {
	_, ok := canonicalSet[t]
	return ok
}

// Normalize upper-cases and trims a submitted symbol, resolves legacy
// aliases, and reports whether an alias rewrite happened. The returned type
// is only meaningful when known is true.
func Normalize(raw string) (canonical Type, aliased bool, known bool) {
	t := Type(strings.ToUpper(strings.TrimSpace(raw)))
	if c, ok := legacyAliases[t]; ok {
		return c, true, true
	}
	if IsCanonical(t) {
		return t, false, true
	}
	return "", false, false
}

// IsVerificationRelevant reports whether entries of this type feed the
// verification replay reducer and carry projection columns.
func IsVerificationRelevant(t Type) bool {
	switch t {
	case ClaimAdded, ClaimUpdated, EvidenceAdded, EvidenceFrozen, FreezeLifted,
		DisputeFiled, DisputeResolved, VerificationGranted, VerificationRevoked:
		return true
	}
	return false
}

// All returns the sorted canonical taxonomy, for diagnostics and docs.
func All() []Type {
	out := make([]Type, 0, len(canonicalSet))
	for t := range canonicalSet {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
