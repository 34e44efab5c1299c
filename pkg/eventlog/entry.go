// Package eventlog implements the segmented, hash-chained, append-only
// record of every state transition in the engine. Entries are grouped into
// fixed-size segment files; a snapshot file carries the rolling verification
// state so boot-time checks only walk the tail. The log observes: append
// failures are reported to the caller and never abort business operations.
package eventlog

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/arbiter-labs/arbiter/pkg/canonical"
)

// GenesisHash is the distinguished previous_hash of the first entry.
const GenesisHash = "genesis"

// Event types emitted by the engine. These strings are stable: auditors
// index on them.
const (
	EventSituationCreated       = "SITUATION_CREATED"
	EventSituationStatusChanged = "SITUATION_STATUS_CHANGED"
	EventEpisodeCreated         = "EPISODE_CREATED"
	EventProtocolValidated      = "PROTOCOL_VALIDATED"
	EventProtocolRejected       = "PROTOCOL_REJECTED"
	EventDecisionRegistered     = "DECISION_REGISTERED"
	EventDecisionBlocked        = "DECISION_BLOCKED"
	EventEpisodeStateChanged    = "EPISODE_STATE_CHANGED"
	EventContractIssued         = "CONTRACT_ISSUED"
	EventConsequenceRegistered  = "CONSEQUENCE_REGISTERED"
	EventMemoryConsulted        = "MEMORY_CONSULTED"

	EventMandateGranted     = "MANDATE_GRANTED"
	EventMandateRevoked     = "MANDATE_REVOKED"
	EventMandateExpired     = "MANDATE_EXPIRED"
	EventMandateUseConsumed = "MANDATE_USE_CONSUMED"
	EventMandateResumed     = "MANDATE_RESUMED"

	EventAutonomySuspended            = "AUTONOMY_SUSPENDED"
	EventAutonomyRevokedByConsequence = "AUTONOMY_REVOKED_BY_CONSEQUENCE"
	EventAutonomyDegraded             = "AUTONOMY_DEGRADED"
	EventAutonomyHumanReviewFlagged   = "AUTONOMY_HUMAN_REVIEW_FLAGGED"

	EventAgentProtocolProposed = "AGENT_PROTOCOL_PROPOSED"
	EventAgentDecisionProposed = "AGENT_DECISION_PROPOSED"
)

// Entity types referenced by entries.
const (
	EntitySituation   = "situation"
	EntityEpisode     = "episode"
	EntityProtocol    = "protocol"
	EntityDecision    = "decision"
	EntityContract    = "contract"
	EntityObservation = "observation"
	EntityMandate     = "mandate"
	EntityEventLog    = "event_log"
)

// Entry is a single immutable record in the hash chain.
type Entry struct {
	ID           string          `json:"id"`
	Timestamp    time.Time       `json:"timestamp"`
	Actor        string          `json:"actor"`
	EventType    string          `json:"event_type"`
	EntityType   string          `json:"entity_type"`
	EntityID     string          `json:"entity_id"`
	Payload      json.RawMessage `json:"payload"`
	PreviousHash string          `json:"previous_hash"`
	CurrentHash  string          `json:"current_hash"`
}

// computeEntryHash recomputes the chain hash over the entry's immutable
// fields. The payload is canonicalized first so semantically equal payloads
// hash identically, and the timestamp is pinned to RFC 3339 nanoseconds so
// the digest does not depend on time.Time marshaling internals.
func computeEntryHash(e *Entry) (string, error) {
	canonPayload, err := canonical.CanonicalizeRaw(e.Payload)
	if err != nil {
		return "", fmt.Errorf("canonicalize payload: %w", err)
	}

	data := map[string]interface{}{
		"id":            e.ID,
		"timestamp":     e.Timestamp.UTC().Format(time.RFC3339Nano),
		"actor":         e.Actor,
		"event_type":    e.EventType,
		"entity_type":   e.EntityType,
		"entity_id":     e.EntityID,
		"payload":       string(canonPayload),
		"previous_hash": e.PreviousHash,
	}

	canonicalBytes, err := canonical.Canonicalize(data)
	if err != nil {
		return "", err
	}
	return canonical.HashBytes(canonicalBytes), nil
}
