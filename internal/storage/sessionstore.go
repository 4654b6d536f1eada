// Package storage is the Postgres-backed persistence layer for the Session
// row described in spec.md §3: the atomic conditional claim, the monotonic
// eventSeq counter, and every mutable column the Session Process touches
// over a session's lifetime. The work queue itself — SELECT ... FOR UPDATE
// SKIP LOCKED over queued claims — is an external collaborator per spec.md
// §1 Out of scope; only the session row's own atomic-claim UPDATE lives
// here, grounded on the conditional-claim shape in
// other_examples/.../youssefsiam38-agentpg/client.go.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agendo-io/supervisor/pkg/types"
)

// ErrNotFound is returned by Get when no row exists for the given id.
var ErrNotFound = errors.New("storage: session not found")

// Store wraps a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to Postgres and returns a ready Store.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the underlying pool.
func (s *Store) Close() { s.pool.Close() }

// withRetry retries op on transient connection errors with capped
// exponential backoff, the same shape the teacher's session loop used for
// provider call retries (internal/session/loop.go newRetryBackoff),
// reused here for transient Postgres connection errors rather than LLM
// rate limits.
func withRetry(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 10 * time.Second
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if isTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(b, ctx))
}

func isTransient(err error) bool {
	if errors.Is(err, pgx.ErrNoRows) {
		return false
	}
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) {
		// Connection-exception and operator-intervention classes (08*, 57*)
		// are worth retrying; constraint violations and syntax errors are not.
		state := pgErr.SQLState()
		return len(state) >= 2 && (state[:2] == "08" || state[:2] == "57")
	}
	// Errors pgx doesn't classify with a SQLState are network/pool-level
	// (connection refused, pool exhausted) — retried with withRetry's backoff.
	return true
}

// Claim performs the atomic conditional update described in spec.md §4.1:
// guarded by id = sessionID AND status IN ('idle','ended'), it sets
// status='active', worker_id, started_at=now(), heartbeat_at=now(), and
// returns the post-update event_seq so the supervisor's monotonic counter
// survives the resume. ok is false (eventSeq zero) when the update affected
// zero rows — a claim-conflict per spec.md §7(1), which the caller must
// treat as a clean no-op, never an error.
func (s *Store) Claim(ctx context.Context, sessionID, workerID string) (eventSeq int64, ok bool, err error) {
	err = withRetry(ctx, func() error {
		row := s.pool.QueryRow(ctx, `
			UPDATE sessions
			SET status = 'active', worker_id = $2, started_at = extract(epoch from now())*1000, heartbeat_at = extract(epoch from now())*1000
			WHERE id = $1 AND status IN ('idle', 'ended')
			RETURNING event_seq`, sessionID, workerID)
		scanErr := row.Scan(&eventSeq)
		if errors.Is(scanErr, pgx.ErrNoRows) {
			ok = false
			return nil
		}
		if scanErr != nil {
			return scanErr
		}
		ok = true
		return nil
	})
	return eventSeq, ok, err
}

// Get reads the full session row.
func (s *Store) Get(ctx context.Context, sessionID string) (*types.Session, error) {
	var sess types.Session
	var allowedTools []string
	err := withRetry(ctx, func() error {
		row := s.pool.QueryRow(ctx, `
			SELECT id, status, worker_id, pid, session_ref, event_seq, heartbeat_at,
			       started_at, last_active_at, ended_at, idle_timeout_sec, log_file_path,
			       total_cost_usd, total_turns, permission_mode, allowed_tools, model,
			       initial_prompt, plan_file_path, kind
			FROM sessions WHERE id = $1`, sessionID)
		return row.Scan(&sess.ID, &sess.Status, &sess.WorkerID, &sess.PID, &sess.SessionRef,
			&sess.EventSeq, &sess.HeartbeatAt, &sess.StartedAt, &sess.LastActiveAt, &sess.EndedAt,
			&sess.IdleTimeoutSec, &sess.LogFilePath, &sess.TotalCostUsd, &sess.TotalTurns,
			&sess.PermissionMode, &allowedTools, &sess.Model, &sess.InitialPrompt,
			&sess.PlanFilePath, &sess.Kind)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", sessionID, err)
	}
	sess.AllowedTools = allowedTools
	return &sess, nil
}

// NextEventID atomically increments the session's eventSeq and returns the
// post-increment value — the id assigned to the event about to be emitted.
// Assignment happens here, inside the single supervisor goroutine's emit
// path; mappers never call this directly (spec.md §5 ordering guarantee).
func (s *Store) NextEventID(ctx context.Context, sessionID string) (int64, error) {
	var id int64
	err := withRetry(ctx, func() error {
		return s.pool.QueryRow(ctx,
			`UPDATE sessions SET event_seq = event_seq + 1 WHERE id = $1 RETURNING event_seq`,
			sessionID).Scan(&id)
	})
	if err != nil {
		return 0, fmt.Errorf("next event id for %s: %w", sessionID, err)
	}
	return id, nil
}

// InsertEvent persists one AgendoEvent row for SSE-reconnect replay. Called
// after NextEventID has assigned ev.ID.
func (s *Store) InsertEvent(ctx context.Context, ev *types.AgendoEvent) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	return withRetry(ctx, func() error {
		_, err := s.pool.Exec(ctx,
			`INSERT INTO session_events (id, session_id, ts, type, payload) VALUES ($1,$2,$3,$4,$5)`,
			ev.ID, ev.SessionID, ev.Ts, ev.Type, payload)
		return err
	})
}

// EventsSince returns every event with id > sinceID, in order — the SSE
// reconnect replay path.
func (s *Store) EventsSince(ctx context.Context, sessionID string, sinceID int64) ([]types.AgendoEvent, error) {
	var out []types.AgendoEvent
	err := withRetry(ctx, func() error {
		rows, err := s.pool.Query(ctx,
			`SELECT id, session_id, ts, type, payload FROM session_events
			 WHERE session_id = $1 AND id > $2 ORDER BY id ASC`, sessionID, sinceID)
		if err != nil {
			return err
		}
		defer rows.Close()
		out = nil
		for rows.Next() {
			var ev types.AgendoEvent
			var payload json.RawMessage
			if err := rows.Scan(&ev.ID, &ev.SessionID, &ev.Ts, &ev.Type, &payload); err != nil {
				return err
			}
			_ = json.Unmarshal(payload, &ev.Payload)
			out = append(out, ev)
		}
		return rows.Err()
	})
	return out, err
}

// SetStatus updates status and, for the terminal states, endedAt.
func (s *Store) SetStatus(ctx context.Context, sessionID string, status types.Status) error {
	return withRetry(ctx, func() error {
		var err error
		if status == types.StatusEnded || status == types.StatusIdle {
			_, err = s.pool.Exec(ctx,
				`UPDATE sessions SET status = $2, pid = NULL, last_active_at = extract(epoch from now())*1000, ended_at = extract(epoch from now())*1000 WHERE id = $1`,
				sessionID, status)
		} else {
			_, err = s.pool.Exec(ctx,
				`UPDATE sessions SET status = $2, last_active_at = extract(epoch from now())*1000 WHERE id = $1`,
				sessionID, status)
		}
		return err
	})
}

// SetPID records the live subprocess pid.
func (s *Store) SetPID(ctx context.Context, sessionID string, pid int) error {
	return withRetry(ctx, func() error {
		_, err := s.pool.Exec(ctx, `UPDATE sessions SET pid = $2 WHERE id = $1`, sessionID, pid)
		return err
	})
}

// SetHeartbeat refreshes heartbeat_at, called every 30s by the Activity
// Tracker's heartbeat ticker.
func (s *Store) SetHeartbeat(ctx context.Context, sessionID string) error {
	return withRetry(ctx, func() error {
		_, err := s.pool.Exec(ctx,
			`UPDATE sessions SET heartbeat_at = extract(epoch from now())*1000 WHERE id = $1`, sessionID)
		return err
	})
}

// SetSessionRef sets the agent-assigned identifier. Per spec.md §3,
// sessionRef is immutable once set except by an explicit clear (pass nil).
func (s *Store) SetSessionRef(ctx context.Context, sessionID string, ref *string) error {
	return withRetry(ctx, func() error {
		_, err := s.pool.Exec(ctx, `UPDATE sessions SET session_ref = $2 WHERE id = $1`, sessionID, ref)
		return err
	})
}

// RecordResult persists the terminal accounting fields from an agent:result
// frame: cumulative cost and turn count.
func (s *Store) RecordResult(ctx context.Context, sessionID string, addCostUsd float64, addTurns int) error {
	return withRetry(ctx, func() error {
		_, err := s.pool.Exec(ctx,
			`UPDATE sessions SET total_cost_usd = total_cost_usd + $2, total_turns = total_turns + $3 WHERE id = $1`,
			sessionID, addCostUsd, addTurns)
		return err
	})
}

// AddAllowedTool appends toolName to the session's allowlist (an
// allow-session decision, spec.md §4.5) if not already present.
func (s *Store) AddAllowedTool(ctx context.Context, sessionID, toolName string) error {
	return withRetry(ctx, func() error {
		_, err := s.pool.Exec(ctx,
			`UPDATE sessions SET allowed_tools = array_append(allowed_tools, $2)
			 WHERE id = $1 AND NOT ($2 = ANY(allowed_tools))`, sessionID, toolName)
		return err
	})
}

// SetPermissionMode updates the persisted permission mode.
func (s *Store) SetPermissionMode(ctx context.Context, sessionID, mode string) error {
	return withRetry(ctx, func() error {
		_, err := s.pool.Exec(ctx, `UPDATE sessions SET permission_mode = $2 WHERE id = $1`, sessionID, mode)
		return err
	})
}

// SetModel updates the persisted model.
func (s *Store) SetModel(ctx context.Context, sessionID, model string) error {
	return withRetry(ctx, func() error {
		_, err := s.pool.Exec(ctx, `UPDATE sessions SET model = $2 WHERE id = $1`, sessionID, model)
		return err
	})
}

// SetPlanFilePath records the captured plan file for a clear-context
// restart (spec.md §6).
func (s *Store) SetPlanFilePath(ctx context.Context, sessionID string, path *string) error {
	return withRetry(ctx, func() error {
		_, err := s.pool.Exec(ctx, `UPDATE sessions SET plan_file_path = $2 WHERE id = $1`, sessionID, path)
		return err
	})
}

// ClearContextRestart atomically clears session_ref and rewrites
// initial_prompt/permission_mode as one statement, matching scenario 5 in
// spec.md §8: the restart must not observe a half-applied state.
func (s *Store) ClearContextRestart(ctx context.Context, sessionID, newPrompt, permissionMode string) error {
	return withRetry(ctx, func() error {
		_, err := s.pool.Exec(ctx,
			`UPDATE sessions SET session_ref = NULL, initial_prompt = $2, permission_mode = $3 WHERE id = $1`,
			sessionID, newPrompt, permissionMode)
		return err
	})
}

// SetLogFilePath records the resolved session log path once the Log Writer
// opens it.
func (s *Store) SetLogFilePath(ctx context.Context, sessionID, path string) error {
	return withRetry(ctx, func() error {
		_, err := s.pool.Exec(ctx, `UPDATE sessions SET log_file_path = $2 WHERE id = $1`, sessionID, path)
		return err
	})
}
