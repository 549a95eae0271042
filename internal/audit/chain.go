// Package audit holds the merge audit hash chain and the authorization
// decision journal.
//
// The chain hash is defined over a canonical JSON array of the entry fields in
// a fixed order. Any change to the field set, the field order, the encoding
// rules or GenesisHash makes previously written chains unverifiable.
package audit

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// GenesisHash is the previous hash of the first entry in every chain.
var GenesisHash = strings.Repeat("0", 64)

// Record is the hashed content of one merge audit entry. JSON-valued fields
// carry the exact text stored in the database so verification sees what was
// persisted, including fields unknown to the typed views below.
type Record struct {
	PrimaryPersonaID     string
	SecondaryPersonaIDs  []string
	MergeStrategy        json.RawMessage
	CapabilityChanges    json.RawMessage
	PermissionChanges    json.RawMessage
	HistoryAccessGranted []string
	OperatorID           *string
	CreatedAt            string
	PreviousHash         string
}

// Canonical returns the byte form the operation hash is computed over:
// [primary, secondaries, strategy, capabilityChanges, permissionChanges,
// historyAccessGranted, operator|null, createdAt, previousHash].
// Objects are emitted with sorted keys, numbers verbatim, no HTML escaping.
func Canonical(r Record) ([]byte, error) {
	strategy, err := normalizeJSON(r.MergeStrategy)
	if err != nil {
		return nil, fmt.Errorf("merge_strategy: %w", err)
	}
	capChanges, err := normalizeJSON(r.CapabilityChanges)
	if err != nil {
		return nil, fmt.Errorf("capability_changes: %w", err)
	}
	permChanges, err := normalizeJSON(r.PermissionChanges)
	if err != nil {
		return nil, fmt.Errorf("permission_changes: %w", err)
	}

	var operator any
	if r.OperatorID != nil {
		operator = *r.OperatorID
	}

	fields := []any{
		r.PrimaryPersonaID,
		nonNil(r.SecondaryPersonaIDs),
		strategy,
		capChanges,
		permChanges,
		nonNil(r.HistoryAccessGranted),
		operator,
		r.CreatedAt,
		r.PreviousHash,
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(fields); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Hash returns the lowercase hex SHA-256 of Canonical(r).
func Hash(r Record) (string, error) {
	canon, err := Canonical(r)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// normalizeJSON decodes raw into a generic value. encoding/json sorts map keys
// on output and json.Number keeps numeric text unchanged.
func normalizeJSON(raw json.RawMessage) (any, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, fmt.Errorf("trailing data after JSON value")
	}
	return v, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// Link is one stored chain entry as read back for verification.
type Link struct {
	EntryID       string
	Seq           int64
	Record        Record
	OperationHash string
	// DecodeErr is set when a stored field could not be read into Record.
	DecodeErr error
}

// Break describes the first entry that failed verification.
type Break struct {
	EntryID  string `json:"entry_id"`
	Seq      int64  `json:"seq"`
	Reason   string `json:"reason"`
	Expected string `json:"expected,omitempty"`
	Actual   string `json:"actual,omitempty"`
}

// Report is the outcome of verifying one persona's chain.
type Report struct {
	PrimaryPersonaID string `json:"primary_persona_id"`
	Entries          int    `json:"entries"`
	Valid            bool   `json:"valid"`
	Break            *Break `json:"break,omitempty"`
}

// Break reasons.
const (
	ReasonPreviousHash  = "previous_hash_mismatch"
	ReasonOperationHash = "operation_hash_mismatch"
	ReasonUndecodable   = "undecodable_entry"
)

// VerifyChain recomputes every hash in links, which must be in seq order.
// Each entry is checked against the stored hash of its predecessor, so the
// first tampered entry is the one reported.
func VerifyChain(primaryID string, links []Link) Report {
	report := Report{PrimaryPersonaID: primaryID, Entries: len(links), Valid: true}
	prev := GenesisHash
	for _, link := range links {
		if link.DecodeErr != nil {
			report.Valid = false
			report.Break = &Break{EntryID: link.EntryID, Seq: link.Seq, Reason: ReasonUndecodable + ": " + link.DecodeErr.Error()}
			return report
		}
		if link.Record.PreviousHash != prev {
			report.Valid = false
			report.Break = &Break{
				EntryID:  link.EntryID,
				Seq:      link.Seq,
				Reason:   ReasonPreviousHash,
				Expected: prev,
				Actual:   link.Record.PreviousHash,
			}
			return report
		}
		rec := link.Record
		rec.PreviousHash = prev
		got, err := Hash(rec)
		if err != nil {
			report.Valid = false
			report.Break = &Break{EntryID: link.EntryID, Seq: link.Seq, Reason: ReasonUndecodable + ": " + err.Error()}
			return report
		}
		if got != link.OperationHash {
			report.Valid = false
			report.Break = &Break{
				EntryID:  link.EntryID,
				Seq:      link.Seq,
				Reason:   ReasonOperationHash,
				Expected: got,
				Actual:   link.OperationHash,
			}
			return report
		}
		prev = link.OperationHash
	}
	return report
}
