package orchestrator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Store is a thin wrapper around the orchestrator process's pooled
// database handle (§4.8). All queries are parameterized; no string
// interpolation of untrusted values. Transient connection errors are
// returned to the caller, who retries on the next poll tick; see
// TransientDBError.
type Store struct {
	db *sql.DB
}

// NewStore wraps db.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// UpsertStarting idempotently inserts or resets an OrchestratorRecord to
// status=starting for sessionID, per the lifecycle controller's start().
func (s *Store) UpsertStarting(ctx context.Context, sessionID SessionId, pid int, retrieverEnabled, learnerEnabled bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orchestrator_state
			(session_id, pid, retriever_enabled, learner_enabled, status, started_at, last_heartbeat_at)
		VALUES ($1, $2, $3, $4, 'starting', now(), now())
		ON CONFLICT (session_id) DO UPDATE SET
			pid = EXCLUDED.pid,
			retriever_enabled = EXCLUDED.retriever_enabled,
			learner_enabled = EXCLUDED.learner_enabled,
			status = 'starting',
			started_at = now(),
			last_heartbeat_at = now(),
			stopped_at = NULL,
			error_message = NULL
	`, sessionID, pid, retrieverEnabled, learnerEnabled)
	if err != nil {
		return wrapDBErr(err)
	}
	return nil
}

// SetStatus transitions sessionID's record to status. When status is a
// terminal state, stopped_at is stamped.
func (s *Store) SetStatus(ctx context.Context, sessionID SessionId, status OrchestratorStatus) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE orchestrator_state
		SET status = $2,
		    stopped_at = CASE WHEN $2 IN ('stopped', 'crashed') THEN now() ELSE stopped_at END
		WHERE session_id = $1
	`, sessionID, string(status))
	if err != nil {
		return wrapDBErr(err)
	}
	return nil
}

// SetCrashed marks sessionID crashed with errMsg.
func (s *Store) SetCrashed(ctx context.Context, sessionID SessionId, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE orchestrator_state
		SET status = 'crashed', stopped_at = now(), error_message = $2
		WHERE session_id = $1
	`, sessionID, errMsg)
	if err != nil {
		return wrapDBErr(err)
	}
	return nil
}

// SetSubsessionIDs records the primed retriever/learner subsession
// identifiers once initialization completes.
func (s *Store) SetSubsessionIDs(ctx context.Context, sessionID SessionId, retrieverSubID, learnerSubID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE orchestrator_state
		SET retriever_session_id = $2, learner_session_id = $3
		WHERE session_id = $1
	`, sessionID, retrieverSubID, learnerSubID)
	if err != nil {
		return wrapDBErr(err)
	}
	return nil
}

// Heartbeat advances last_heartbeat_at for sessionID.
func (s *Store) Heartbeat(ctx context.Context, sessionID SessionId) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE orchestrator_state SET last_heartbeat_at = now() WHERE session_id = $1
	`, sessionID)
	if err != nil {
		return wrapDBErr(err)
	}
	return nil
}

// ReadStatus reads sessionID's current status, used by the dispatcher to
// detect an externally-driven stopping request on each tick.
func (s *Store) ReadStatus(ctx context.Context, sessionID SessionId) (OrchestratorStatus, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `
		SELECT status FROM orchestrator_state WHERE session_id = $1
	`, sessionID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("no orchestrator_state row for session %s", sessionID)
	}
	if err != nil {
		return "", wrapDBErr(err)
	}
	return OrchestratorStatus(status), nil
}

// ReadHeartbeat reports sessionID's last recorded heartbeat timestamp, for
// Controller.Health's diagnostic snapshot.
func (s *Store) ReadHeartbeat(ctx context.Context, sessionID SessionId) (time.Time, error) {
	var lastHeartbeat time.Time
	err := s.db.QueryRowContext(ctx, `
		SELECT last_heartbeat_at FROM orchestrator_state WHERE session_id = $1
	`, sessionID).Scan(&lastHeartbeat)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, fmt.Errorf("no orchestrator_state row for session %s", sessionID)
	}
	if err != nil {
		return time.Time{}, wrapDBErr(err)
	}
	return lastHeartbeat, nil
}

// PendingInboxCount reports how many cognitive_inbox rows for sessionID are
// still pending or processing, for Controller.Health's queue-depth snapshot.
func (s *Store) PendingInboxCount(ctx context.Context, sessionID SessionId) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `
		SELECT count(*) FROM cognitive_inbox
		WHERE session_id = $1 AND status IN ('pending', 'processing')
	`, sessionID).Scan(&count)
	if err != nil {
		return 0, wrapDBErr(err)
	}
	return count, nil
}

// RenameSession implements the session_reset handoff: the new SessionId's
// row is upserted to running, and the old row transitions to injected
// (consumed by the external state-injection tool), atomically in one
// transaction.
func (s *Store) RenameSession(ctx context.Context, oldID, newID SessionId, pid int, retrieverEnabled, learnerEnabled bool, retrieverSubID, learnerSubID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapDBErr(err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		UPDATE orchestrator_state SET status = 'injected' WHERE session_id = $1
	`, oldID)
	if err != nil {
		return wrapDBErr(err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO orchestrator_state
			(session_id, pid, retriever_enabled, learner_enabled, status, started_at, last_heartbeat_at,
			 retriever_session_id, learner_session_id)
		VALUES ($1, $2, $3, $4, 'running', now(), now(), $5, $6)
		ON CONFLICT (session_id) DO UPDATE SET
			pid = EXCLUDED.pid,
			retriever_enabled = EXCLUDED.retriever_enabled,
			learner_enabled = EXCLUDED.learner_enabled,
			status = 'running',
			started_at = now(),
			last_heartbeat_at = now(),
			stopped_at = NULL,
			error_message = NULL,
			retriever_session_id = EXCLUDED.retriever_session_id,
			learner_session_id = EXCLUDED.learner_session_id
	`, newID, pid, retrieverEnabled, learnerEnabled, retrieverSubID, learnerSubID)
	if err != nil {
		return wrapDBErr(err)
	}

	if err := tx.Commit(); err != nil {
		return wrapDBErr(err)
	}
	return nil
}

// ClaimBatch atomically transitions up to limit pending rows for sessionID
// into processing, preserving FIFO order by creation time. Translates the
// teacher's ent ForUpdate(sql.WithLockAction(sql.SkipLocked)) idiom into raw
// parameterized SQL, since the claim here only needs the fixed operations
// of §4.3/§4.8.
func (s *Store) ClaimBatch(ctx context.Context, sessionID SessionId, limit int) ([]CognitiveInboxMessage, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrapDBErr(err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		UPDATE cognitive_inbox
		SET status = 'processing'
		WHERE id IN (
			SELECT id FROM cognitive_inbox
			WHERE session_id = $1 AND status = 'pending'
			ORDER BY created_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, session_id, message_type, payload, status, created_at, processed_at
	`, sessionID, limit)
	if err != nil {
		return nil, wrapDBErr(err)
	}
	defer rows.Close()

	var msgs []CognitiveInboxMessage
	for rows.Next() {
		var m CognitiveInboxMessage
		var sid string
		if err := rows.Scan(&m.ID, &sid, &m.MessageType, &m.Payload, &m.Status, &m.CreatedAt, &m.ProcessedAt); err != nil {
			return nil, wrapDBErr(err)
		}
		m.SessionID = SessionId(sid)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBErr(err)
	}

	if err := tx.Commit(); err != nil {
		return nil, wrapDBErr(err)
	}

	// Claimed rows are sorted by created_at ASC already (ORDER BY in the
	// subquery), but RETURNING does not guarantee row order, so re-sort.
	sortByCreatedAt(msgs)

	return msgs, nil
}

func sortByCreatedAt(msgs []CognitiveInboxMessage) {
	for i := 1; i < len(msgs); i++ {
		for j := i; j > 0 && msgs[j].CreatedAt.Before(msgs[j-1].CreatedAt); j-- {
			msgs[j], msgs[j-1] = msgs[j-1], msgs[j]
		}
	}
}

// Complete marks id completed.
func (s *Store) Complete(ctx context.Context, id int64) error {
	return s.setMessageStatus(ctx, id, MessageStatusCompleted)
}

// Fail marks id failed.
func (s *Store) Fail(ctx context.Context, id int64) error {
	return s.setMessageStatus(ctx, id, MessageStatusFailed)
}

// Requeue re-marks id pending (the sole permitted backward transition,
// used by the learner's busy-queue re-queue policy).
func (s *Store) Requeue(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE cognitive_inbox SET status = 'pending' WHERE id = $1
	`, id)
	if err != nil {
		return wrapDBErr(err)
	}
	return nil
}

func (s *Store) setMessageStatus(ctx context.Context, id int64, status MessageStatus) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE cognitive_inbox SET status = $2, processed_at = now() WHERE id = $1
	`, id, string(status))
	if err != nil {
		return wrapDBErr(err)
	}
	return nil
}

// FailAllPending marks every pending or processing row for sessionID
// failed, used during shutdown drain.
func (s *Store) FailAllPending(ctx context.Context, sessionID SessionId) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE cognitive_inbox
		SET status = 'failed', processed_at = now()
		WHERE session_id = $1 AND status IN ('pending', 'processing')
	`, sessionID)
	if err != nil {
		return wrapDBErr(err)
	}
	return nil
}

// WriteOutbox inserts a RetrievalOutboxRecord.
func (s *Store) WriteOutbox(ctx context.Context, rec RetrievalOutboxRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO retrieval_inbox
			(session_id, prompt_hash, context_type, context_text, relevance_score, status, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, rec.SessionID, rec.PromptHash, string(rec.ContextType), nullString(rec.ContextText), rec.RelevanceScore, string(rec.Status), rec.ExpiresAt)
	if err != nil {
		return wrapDBErr(err)
	}
	return nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// LatestSessionState fetches the highest-version SessionStateRecord for
// sessionID and projectSlug, or (nil, nil) if none exists.
func (s *Store) LatestSessionState(ctx context.Context, sessionID SessionId, projectSlug string) (*SessionStateRecord, error) {
	var rec SessionStateRecord
	var sid string
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id, project_slug, state_text, token_estimate, version, updated_at
		FROM session_state
		WHERE session_id = $1 AND project_slug = $2
		ORDER BY version DESC
		LIMIT 1
	`, sessionID, projectSlug).Scan(&sid, &rec.ProjectSlug, &rec.StateText, &rec.TokenEstimate, &rec.Version, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapDBErr(err)
	}
	rec.SessionID = SessionId(sid)
	return &rec, nil
}

// InsertSessionState inserts the next version of a SessionStateRecord.
func (s *Store) InsertSessionState(ctx context.Context, rec SessionStateRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_state (session_id, project_slug, state_text, token_estimate, version, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
	`, rec.SessionID, rec.ProjectSlug, rec.StateText, rec.TokenEstimate, rec.Version)
	if err != nil {
		return wrapDBErr(err)
	}
	return nil
}

// DetectAndMarkCrashed marks running orchestrators whose last_heartbeat_at
// is older than staleness as crashed, producing no false positives against
// a healthy orchestrator (§8 invariant 4). Reusable by an external monitor
// process as well as the in-process zombie detector.
func (s *Store) DetectAndMarkCrashed(ctx context.Context, staleness time.Duration) ([]SessionId, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE orchestrator_state
		SET status = 'crashed', stopped_at = now(),
		    error_message = 'heartbeat stale beyond threshold'
		WHERE status = 'running' AND last_heartbeat_at < now() - $1::interval
		RETURNING session_id
	`, fmt.Sprintf("%d seconds", int(staleness.Seconds())))
	if err != nil {
		return nil, wrapDBErr(err)
	}
	defer rows.Close()

	var ids []SessionId
	for rows.Next() {
		var sid string
		if err := rows.Scan(&sid); err != nil {
			return nil, wrapDBErr(err)
		}
		ids = append(ids, SessionId(sid))
	}
	return ids, rows.Err()
}

// SweepExpiredOutbox marks pending retrieval_inbox rows past their expiry
// as expired. Supplemental outbox maintenance (§9/SPEC_FULL.md), run by an
// optional ticker gated by --expiry-sweep.
func (s *Store) SweepExpiredOutbox(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE retrieval_inbox
		SET status = 'expired'
		WHERE status = 'pending' AND expires_at IS NOT NULL AND expires_at < now()
	`)
	if err != nil {
		return 0, wrapDBErr(err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func wrapDBErr(err error) error {
	if err == nil {
		return nil
	}
	return NewTransientDBError(err)
}
