package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mako10k/mcp-llm-generator-sub001/internal/audit"
	"github.com/mako10k/mcp-llm-generator-sub001/internal/bus"
)

// MergeAuditEntry is one immutable link of a primary persona's merge chain.
type MergeAuditEntry struct {
	ID                   string                  `json:"id"`
	Seq                  int64                   `json:"seq"`
	PrimaryPersonaID     string                  `json:"primary_persona_id"`
	SecondaryPersonaIDs  []string                `json:"secondary_persona_ids"`
	MergeStrategy        audit.MergeStrategy     `json:"merge_strategy"`
	CapabilityChanges    audit.CapabilityChanges `json:"capability_changes"`
	PermissionChanges    audit.PermissionChanges `json:"permission_changes"`
	HistoryAccessGranted []string                `json:"history_access_granted"`
	OperatorID           *string                 `json:"operator_id,omitempty"`
	PreviousHash         string                  `json:"previous_hash"`
	OperationHash        string                  `json:"operation_hash"`
	CreatedAt            time.Time               `json:"created_at"`
}

// MergeRecordInput is the content of a merge audit entry.
type MergeRecordInput struct {
	PrimaryID            string
	SecondaryIDs         []string
	Strategy             audit.MergeStrategy
	CapabilityChanges    audit.CapabilityChanges
	PermissionChanges    audit.PermissionChanges
	HistoryAccessGranted []string
	OperatorID           string
}

// RecordMerge appends an entry to the primary persona's chain. Appends for
// the same primary are serialized; different primaries proceed independently.
func (s *Store) RecordMerge(ctx context.Context, in MergeRecordInput) (*MergeAuditEntry, error) {
	const op = "record merge"
	if err := validateMergeRecord(op, in); err != nil {
		return nil, err
	}
	unlock := s.mergeLocks.Lock(in.PrimaryID)
	defer unlock()

	var entry *MergeAuditEntry
	err := s.withTx(ctx, op, func(ctx context.Context, tx *sql.Tx) error {
		if err := requirePersona(ctx, tx, op, in.PrimaryID); err != nil {
			return err
		}
		var err error
		entry, err = s.recordMergeTx(ctx, tx, op, in)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.publishMerge(entry)
	return entry, nil
}

func validateMergeRecord(op string, in MergeRecordInput) error {
	if in.PrimaryID == "" {
		return invalidInput(op, "primary persona id is required")
	}
	if len(in.SecondaryIDs) == 0 {
		return invalidInput(op, "at least one secondary persona is required")
	}
	seen := make(map[string]struct{}, len(in.SecondaryIDs))
	for _, id := range in.SecondaryIDs {
		if id == "" {
			return invalidInput(op, "secondary persona id is empty")
		}
		if id == in.PrimaryID {
			return invalidInput(op, "persona %s cannot be merged into itself", id)
		}
		if _, dup := seen[id]; dup {
			return invalidInput(op, "duplicate secondary persona %s", id)
		}
		seen[id] = struct{}{}
	}
	return nil
}

// recordMergeTx appends under a held per-primary lock.
func (s *Store) recordMergeTx(ctx context.Context, tx *sql.Tx, op string, in MergeRecordInput) (*MergeAuditEntry, error) {
	var (
		lastSeq  int64
		prevHash string
	)
	err := tx.QueryRowContext(ctx, `
		SELECT seq, operation_hash FROM persona_merge_audit
		WHERE primary_persona_id = ?
		ORDER BY seq DESC LIMIT 1;
	`, in.PrimaryID).Scan(&lastSeq, &prevHash)
	if errors.Is(err, sql.ErrNoRows) {
		lastSeq, prevHash = 0, audit.GenesisHash
	} else if err != nil {
		return nil, fmt.Errorf("%s: read chain head: %w", op, err)
	}

	strategy, err := json.Marshal(in.Strategy)
	if err != nil {
		return nil, fmt.Errorf("%s: encode strategy: %w", op, err)
	}
	capChanges, err := json.Marshal(in.CapabilityChanges)
	if err != nil {
		return nil, fmt.Errorf("%s: encode capability changes: %w", op, err)
	}
	permChanges, err := json.Marshal(in.PermissionChanges)
	if err != nil {
		return nil, fmt.Errorf("%s: encode permission changes: %w", op, err)
	}
	secondaries := append([]string{}, in.SecondaryIDs...)
	history := append([]string{}, in.HistoryAccessGranted...)

	nowText, now := s.nowText()
	rec := audit.Record{
		PrimaryPersonaID:     in.PrimaryID,
		SecondaryPersonaIDs:  secondaries,
		MergeStrategy:        strategy,
		CapabilityChanges:    capChanges,
		PermissionChanges:    permChanges,
		HistoryAccessGranted: history,
		CreatedAt:            nowText,
		PreviousHash:         prevHash,
	}
	if in.OperatorID != "" {
		operator := in.OperatorID
		rec.OperatorID = &operator
	}
	hash, err := audit.Hash(rec)
	if err != nil {
		return nil, fmt.Errorf("%s: hash: %w", op, err)
	}

	entry := &MergeAuditEntry{
		ID:                   newID(),
		Seq:                  lastSeq + 1,
		PrimaryPersonaID:     in.PrimaryID,
		SecondaryPersonaIDs:  secondaries,
		MergeStrategy:        in.Strategy,
		CapabilityChanges:    in.CapabilityChanges,
		PermissionChanges:    in.PermissionChanges,
		HistoryAccessGranted: history,
		OperatorID:           rec.OperatorID,
		PreviousHash:         prevHash,
		OperationHash:        hash,
		CreatedAt:            now,
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO persona_merge_audit
			(id, seq, primary_persona_id, secondary_persona_ids, merge_strategy, capability_changes,
			 permission_changes, history_access_granted, operator_id, previous_hash, operation_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
	`, entry.ID, entry.Seq, entry.PrimaryPersonaID, encodeList(secondaries), string(strategy), string(capChanges),
		string(permChanges), encodeList(history), nullString(in.OperatorID), prevHash, hash, nowText); err != nil {
		if isUniqueViolation(err) {
			return nil, conflict(op, "merge chain", in.PrimaryID, "another writer appended first")
		}
		return nil, fmt.Errorf("%s: insert: %w", op, err)
	}
	return entry, nil
}

func (s *Store) publishMerge(e *MergeAuditEntry) {
	s.publish(bus.TopicMergeRecorded, bus.MergeRecordedEvent{
		EntryID:          e.ID,
		PrimaryPersonaID: e.PrimaryPersonaID,
		Seq:              e.Seq,
		OperationHash:    e.OperationHash,
	})
}

// VerifyChain recomputes the primary persona's chain in seq order. A broken
// chain returns the report together with an error wrapping
// ErrIntegrityViolation; the entry named in the report is the first break.
func (s *Store) VerifyChain(ctx context.Context, primaryID string) (audit.Report, error) {
	const op = "verify chain"
	if err := requirePersona(ctx, s.db, op, primaryID); err != nil {
		return audit.Report{PrimaryPersonaID: primaryID}, err
	}
	links, err := s.chainLinks(ctx, op, primaryID)
	if err != nil {
		return audit.Report{PrimaryPersonaID: primaryID}, err
	}
	report := audit.VerifyChain(primaryID, links)
	if report.Valid {
		return report, nil
	}
	s.logger.Error("merge audit chain broken",
		"primary_persona_id", primaryID,
		"entry_id", report.Break.EntryID,
		"seq", report.Break.Seq,
		"reason", report.Break.Reason,
	)
	s.publish(bus.TopicIntegrityViolation, bus.IntegrityViolationEvent{
		PrimaryPersonaID: primaryID,
		EntryID:          report.Break.EntryID,
		Seq:              report.Break.Seq,
		Reason:           report.Break.Reason,
	})
	return report, &Error{
		Kind:   ErrIntegrityViolation,
		Op:     op,
		Entity: "merge audit entry",
		ID:     report.Break.EntryID,
		Msg:    fmt.Sprintf("seq %d: %s", report.Break.Seq, report.Break.Reason),
	}
}

func (s *Store) chainLinks(ctx context.Context, op, primaryID string) ([]audit.Link, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, seq, secondary_persona_ids, merge_strategy, capability_changes, permission_changes,
			history_access_granted, operator_id, previous_hash, operation_hash, created_at
		FROM persona_merge_audit
		WHERE primary_persona_id = ?
		ORDER BY seq ASC;
	`, primaryID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var links []audit.Link
	for rows.Next() {
		var (
			link                                 audit.Link
			secondaries, strategy, capCh, permCh string
			history                              string
			operator                             sql.NullString
		)
		if err := rows.Scan(&link.EntryID, &link.Seq, &secondaries, &strategy, &capCh, &permCh,
			&history, &operator, &link.Record.PreviousHash, &link.OperationHash, &link.Record.CreatedAt); err != nil {
			return nil, fmt.Errorf("%s: scan: %w", op, err)
		}
		link.Record.PrimaryPersonaID = primaryID
		link.Record.MergeStrategy = json.RawMessage(strategy)
		link.Record.CapabilityChanges = json.RawMessage(capCh)
		link.Record.PermissionChanges = json.RawMessage(permCh)
		link.Record.OperatorID = stringPtr(operator)
		var err error
		if link.Record.SecondaryPersonaIDs, err = decodeList(secondaries); err != nil {
			link.DecodeErr = fmt.Errorf("secondary_persona_ids: %w", err)
		} else if link.Record.HistoryAccessGranted, err = decodeList(history); err != nil {
			link.DecodeErr = fmt.Errorf("history_access_granted: %w", err)
		}
		links = append(links, link)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: iterate: %w", op, err)
	}
	return links, nil
}

// ListMergeAudit returns the primary persona's entries in seq order.
func (s *Store) ListMergeAudit(ctx context.Context, primaryID string) ([]MergeAuditEntry, error) {
	const op = "list merge audit"
	if err := requirePersona(ctx, s.db, op, primaryID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+mergeColumns+` FROM persona_merge_audit
		WHERE primary_persona_id = ? ORDER BY seq ASC;`, primaryID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()
	var out []MergeAuditEntry
	for rows.Next() {
		e, err := scanMergeEntry(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: iterate: %w", op, err)
	}
	return out, nil
}

// GetMergeAudit returns one entry by id.
func (s *Store) GetMergeAudit(ctx context.Context, id string) (*MergeAuditEntry, error) {
	const op = "get merge audit"
	row := s.db.QueryRowContext(ctx, `SELECT `+mergeColumns+` FROM persona_merge_audit WHERE id = ?;`, id)
	e, err := scanMergeEntry(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(op, "merge audit entry", id)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return e, nil
}

// MergeAuditPrimaries returns every persona that has at least one entry.
func (s *Store) MergeAuditPrimaries(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT primary_persona_id FROM persona_merge_audit ORDER BY primary_persona_id;
	`)
	if err != nil {
		return nil, fmt.Errorf("merge audit primaries: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("merge audit primaries: scan: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

const mergeColumns = `id, seq, primary_persona_id, secondary_persona_ids, merge_strategy, capability_changes,
	permission_changes, history_access_granted, operator_id, previous_hash, operation_hash, created_at`

// scanMergeEntry decodes a stored entry. Content that no longer decodes is
// reported as an integrity violation.
func scanMergeEntry(scan func(dest ...any) error) (*MergeAuditEntry, error) {
	var (
		e                                    MergeAuditEntry
		secondaries, strategy, capCh, permCh string
		history, createdAt                   string
		operator                             sql.NullString
	)
	if err := scan(&e.ID, &e.Seq, &e.PrimaryPersonaID, &secondaries, &strategy, &capCh, &permCh,
		&history, &operator, &e.PreviousHash, &e.OperationHash, &createdAt); err != nil {
		return nil, err
	}
	corrupt := func(field string, err error) error {
		return &Error{Kind: ErrIntegrityViolation, Op: "decode merge audit", Entity: "merge audit entry", ID: e.ID,
			Msg: fmt.Sprintf("%s: %v", field, err)}
	}
	var err error
	if e.SecondaryPersonaIDs, err = decodeList(secondaries); err != nil {
		return nil, corrupt("secondary_persona_ids", err)
	}
	if err := json.Unmarshal([]byte(strategy), &e.MergeStrategy); err != nil {
		return nil, corrupt("merge_strategy", err)
	}
	if err := json.Unmarshal([]byte(capCh), &e.CapabilityChanges); err != nil {
		return nil, corrupt("capability_changes", err)
	}
	if err := json.Unmarshal([]byte(permCh), &e.PermissionChanges); err != nil {
		return nil, corrupt("permission_changes", err)
	}
	if e.HistoryAccessGranted, err = decodeList(history); err != nil {
		return nil, corrupt("history_access_granted", err)
	}
	e.OperatorID = stringPtr(operator)
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, corrupt("created_at", err)
	}
	return &e, nil
}
