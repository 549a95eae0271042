package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mako10k/mcp-llm-generator-sub001/internal/bus"
)

// DelegationStatus is the lifecycle state of a delegation.
type DelegationStatus string

const (
	DelegationPending   DelegationStatus = "pending"
	DelegationAccepted  DelegationStatus = "accepted"
	DelegationCompleted DelegationStatus = "completed"
	DelegationFailed    DelegationStatus = "failed"
	DelegationCancelled DelegationStatus = "cancelled"
)

// Terminal reports whether no further transition is possible from s.
func (s DelegationStatus) Terminal() bool {
	return s == DelegationCompleted || s == DelegationFailed || s == DelegationCancelled
}

var allowedTransitions = map[DelegationStatus]map[DelegationStatus]struct{}{
	DelegationPending: {
		DelegationAccepted:  {},
		DelegationCancelled: {},
	},
	DelegationAccepted: {
		DelegationCompleted: {},
		DelegationFailed:    {},
		DelegationCancelled: {},
	},
}

func canTransition(from, to DelegationStatus) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// Priority bounds; higher is more urgent.
const (
	MinPriority = 1
	MaxPriority = 10
)

// Delegation is a task handed from one persona to another.
type Delegation struct {
	ID              string           `json:"id"`
	DelegatorID     string           `json:"delegator_id"`
	DelegateeID     string           `json:"delegatee_id"`
	TaskDescription string           `json:"task_description"`
	TaskData        json.RawMessage  `json:"task_data,omitempty"`
	Status          DelegationStatus `json:"status"`
	Result          *string          `json:"result,omitempty"`
	ErrorMessage    *string          `json:"error_message,omitempty"`
	Priority        int              `json:"priority"`
	CreatedAt       time.Time        `json:"created_at"`
	AcceptedAt      *time.Time       `json:"accepted_at,omitempty"`
	CompletedAt     *time.Time       `json:"completed_at,omitempty"`
}

// DelegationInput describes a new delegation.
type DelegationInput struct {
	DelegatorID     string
	DelegateeID     string
	TaskDescription string
	TaskData        json.RawMessage
	Priority        int
}

// DelegationFilter narrows ListDelegations. Empty fields match all.
type DelegationFilter struct {
	DelegatorID string
	DelegateeID string
	Status      DelegationStatus
	Limit       int
}

// CreateDelegation inserts a pending delegation.
func (s *Store) CreateDelegation(ctx context.Context, in DelegationInput) (*Delegation, error) {
	const op = "create delegation"
	if in.DelegatorID == in.DelegateeID {
		return nil, invalidInput(op, "persona %s cannot delegate to itself", in.DelegatorID)
	}
	if in.Priority < MinPriority || in.Priority > MaxPriority {
		return nil, invalidInput(op, "priority %d outside [%d,%d]", in.Priority, MinPriority, MaxPriority)
	}
	if strings.TrimSpace(in.TaskDescription) == "" {
		return nil, invalidInput(op, "task description is required")
	}
	var taskData sql.NullString
	if len(in.TaskData) > 0 {
		if !json.Valid(in.TaskData) {
			return nil, invalidInput(op, "task data is not valid JSON")
		}
		taskData = sql.NullString{String: string(in.TaskData), Valid: true}
	}

	var d *Delegation
	err := s.withTx(ctx, op, func(ctx context.Context, tx *sql.Tx) error {
		if err := requirePersona(ctx, tx, op, in.DelegatorID); err != nil {
			return err
		}
		if err := requirePersona(ctx, tx, op, in.DelegateeID); err != nil {
			return err
		}
		nowText, now := s.nowText()
		d = &Delegation{
			ID:              newID(),
			DelegatorID:     in.DelegatorID,
			DelegateeID:     in.DelegateeID,
			TaskDescription: in.TaskDescription,
			TaskData:        in.TaskData,
			Status:          DelegationPending,
			Priority:        in.Priority,
			CreatedAt:       now,
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO persona_delegations
				(id, delegator_id, delegatee_id, task_description, task_data, status, priority, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?);
		`, d.ID, d.DelegatorID, d.DelegateeID, d.TaskDescription, taskData, string(d.Status), d.Priority, nowText); err != nil {
			return fmt.Errorf("%s: insert: %w", op, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.publish(bus.TopicDelegationStateChanged, bus.DelegationStateChangedEvent{
		DelegationID: d.ID,
		DelegatorID:  d.DelegatorID,
		DelegateeID:  d.DelegateeID,
		NewStatus:    string(d.Status),
	})
	return d, nil
}

// GetDelegation returns one delegation.
func (s *Store) GetDelegation(ctx context.Context, id string) (*Delegation, error) {
	return getDelegation(ctx, s.db, "get delegation", id)
}

// AcceptDelegation moves a pending delegation to accepted.
func (s *Store) AcceptDelegation(ctx context.Context, id string) (*Delegation, error) {
	return s.transitionDelegation(ctx, "accept delegation", id, DelegationAccepted, nil, nil)
}

// CompleteDelegation moves an accepted delegation to completed with result.
func (s *Store) CompleteDelegation(ctx context.Context, id, result string) (*Delegation, error) {
	return s.transitionDelegation(ctx, "complete delegation", id, DelegationCompleted, &result, nil)
}

// FailDelegation moves an accepted delegation to failed with errorMessage.
func (s *Store) FailDelegation(ctx context.Context, id, errorMessage string) (*Delegation, error) {
	return s.transitionDelegation(ctx, "fail delegation", id, DelegationFailed, nil, &errorMessage)
}

// CancelDelegation cancels a pending or accepted delegation.
func (s *Store) CancelDelegation(ctx context.Context, id string) (*Delegation, error) {
	return s.transitionDelegation(ctx, "cancel delegation", id, DelegationCancelled, nil, nil)
}

// transitionDelegation reads the current status, checks the transition
// table, then updates only if the status is still the one read.
func (s *Store) transitionDelegation(ctx context.Context, op, id string, to DelegationStatus, result, errMsg *string) (*Delegation, error) {
	var (
		from DelegationStatus
		out  *Delegation
	)
	err := s.withTx(ctx, op, func(ctx context.Context, tx *sql.Tx) error {
		current, err := getDelegation(ctx, tx, op, id)
		if err != nil {
			return err
		}
		from = current.Status
		if !canTransition(from, to) {
			return invalidState(op, "delegation", id, fmt.Sprintf("cannot move from %s to %s", from, to))
		}

		nowText, now := s.nowText()
		var acceptedAt, completedAt sql.NullString
		switch to {
		case DelegationAccepted:
			acceptedAt = sql.NullString{String: nowText, Valid: true}
		case DelegationCompleted, DelegationFailed:
			completedAt = sql.NullString{String: nowText, Valid: true}
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE persona_delegations
			SET status = ?,
				result = COALESCE(?, result),
				error_message = COALESCE(?, error_message),
				accepted_at = COALESCE(?, accepted_at),
				completed_at = COALESCE(?, completed_at)
			WHERE id = ? AND status = ?;
		`, string(to), ptrNull(result), ptrNull(errMsg), acceptedAt, completedAt, id, string(from))
		if err != nil {
			return fmt.Errorf("%s: update: %w", op, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("%s: rows affected: %w", op, err)
		}
		// Within one Store the single connection serializes transactions and
		// losers see InvalidState above. This guards against another process
		// writing the same database file between the read and the update.
		if affected != 1 {
			return conflict(op, "delegation", id, fmt.Sprintf("status changed from %s before update", from))
		}

		current.Status = to
		if result != nil {
			current.Result = result
		}
		if errMsg != nil {
			current.ErrorMessage = errMsg
		}
		if acceptedAt.Valid {
			current.AcceptedAt = &now
		}
		if completedAt.Valid {
			current.CompletedAt = &now
		}
		out = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.publish(bus.TopicDelegationStateChanged, bus.DelegationStateChangedEvent{
		DelegationID: out.ID,
		DelegatorID:  out.DelegatorID,
		DelegateeID:  out.DelegateeID,
		OldStatus:    string(from),
		NewStatus:    string(to),
	})
	return out, nil
}

// PendingQueue returns the delegatee's pending delegations in delivery
// order: priority descending, then oldest first.
func (s *Store) PendingQueue(ctx context.Context, delegateeID string, limit int) ([]Delegation, error) {
	const op = "pending queue"
	if err := requirePersona(ctx, s.db, op, delegateeID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = -1
	}
	return queryDelegations(ctx, s.db, op, `
		SELECT `+delegationColumns+` FROM persona_delegations
		WHERE delegatee_id = ? AND status = 'pending'
		ORDER BY priority DESC, created_at ASC, id ASC
		LIMIT ?;
	`, delegateeID, limit)
}

// ListDelegations returns delegations matching f, newest first.
func (s *Store) ListDelegations(ctx context.Context, f DelegationFilter) ([]Delegation, error) {
	query := `SELECT ` + delegationColumns + ` FROM persona_delegations WHERE 1 = 1`
	var args []any
	if f.DelegatorID != "" {
		query += ` AND delegator_id = ?`
		args = append(args, f.DelegatorID)
	}
	if f.DelegateeID != "" {
		query += ` AND delegatee_id = ?`
		args = append(args, f.DelegateeID)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	query += ` ORDER BY created_at DESC, id ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	return queryDelegations(ctx, s.db, "list delegations", query+";", args...)
}

// IsEligible reports whether the delegatee advertises a public capability
// whose allowed items cover every required tag. It is advisory; the store
// does not enforce it on CreateDelegation.
func (s *Store) IsEligible(ctx context.Context, delegateeID string, requiredTags []string) (bool, error) {
	const op = "is eligible"
	if err := requirePersona(ctx, s.db, op, delegateeID); err != nil {
		return false, err
	}
	c, err := getCapability(ctx, s.db, op, delegateeID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !c.IsPublic {
		return false, nil
	}
	for _, tag := range requiredTags {
		if !c.Allows(tag) {
			return false, nil
		}
	}
	return true, nil
}

const delegationColumns = `id, delegator_id, delegatee_id, task_description, task_data, status, result, error_message, priority, created_at, accepted_at, completed_at`

func getDelegation(ctx context.Context, q queryer, op, id string) (*Delegation, error) {
	row := q.QueryRowContext(ctx, `SELECT `+delegationColumns+` FROM persona_delegations WHERE id = ?;`, id)
	d, err := scanDelegation(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(op, "delegation", id)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return d, nil
}

func queryDelegations(ctx context.Context, q queryer, op, query string, args ...any) ([]Delegation, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()
	var out []Delegation
	for rows.Next() {
		d, err := scanDelegation(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out = append(out, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: iterate: %w", op, err)
	}
	return out, nil
}

func scanDelegation(scan func(dest ...any) error) (*Delegation, error) {
	var (
		d                       Delegation
		taskData                sql.NullString
		status                  string
		result, errMsg          sql.NullString
		createdAt               string
		acceptedAt, completedAt sql.NullString
	)
	if err := scan(&d.ID, &d.DelegatorID, &d.DelegateeID, &d.TaskDescription, &taskData, &status,
		&result, &errMsg, &d.Priority, &createdAt, &acceptedAt, &completedAt); err != nil {
		return nil, err
	}
	if taskData.Valid {
		d.TaskData = json.RawMessage(taskData.String)
	}
	d.Status = DelegationStatus(status)
	d.Result = stringPtr(result)
	d.ErrorMessage = stringPtr(errMsg)
	var err error
	if d.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if d.AcceptedAt, err = parseNullTime(acceptedAt); err != nil {
		return nil, err
	}
	if d.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return nil, err
	}
	return &d, nil
}

func ptrNull(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
