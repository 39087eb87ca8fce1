package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prudhvinik1/tenantsync/internal/models"
)

const replaySchema = `
	CREATE TABLE IF NOT EXISTS sync_actions (
		seq         BIGSERIAL PRIMARY KEY,
		action_id   TEXT        NOT NULL,
		tenant_id   TEXT        NOT NULL,
		user_id     TEXT        NOT NULL,
		type        TEXT        NOT NULL,
		entity_type TEXT        NOT NULL DEFAULT '',
		entity_id   TEXT        NOT NULL DEFAULT '',
		payload     JSONB,
		ts          BIGINT      NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS sync_actions_tenant_ts_idx
		ON sync_actions (tenant_id, ts, seq);`

type PostgresReplayStore struct {
	pool      *pgxpool.Pool
	retention ReplayRetention
	now       func() time.Time
}

func NewPostgresReplayStore(pool *pgxpool.Pool, retention ReplayRetention) *PostgresReplayStore {
	return &PostgresReplayStore{
		pool:      pool,
		retention: retention,
		now:       time.Now,
	}
}

// EnsureSchema creates the replay table if it does not exist yet.
func (r *PostgresReplayStore) EnsureSchema(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, replaySchema); err != nil {
		return fmt.Errorf("failed to create replay schema: %w", err)
	}
	return nil
}

// Append inserts the action under a per-tenant advisory lock so that the
// timestamp clamp and the insert are serialized across server instances.
func (r *PostgresReplayStore) Append(ctx context.Context, action *models.Action) (*models.Action, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, action.TenantID); err != nil {
		return nil, fmt.Errorf("failed to lock tenant log: %w", err)
	}

	var last int64
	err = tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(ts), 0) FROM sync_actions WHERE tenant_id = $1`,
		action.TenantID,
	).Scan(&last)
	if err != nil {
		return nil, fmt.Errorf("failed to read last timestamp: %w", err)
	}

	stored := *action
	if last > stored.Timestamp {
		stored.Timestamp = last
	}

	var payload any
	if len(stored.Payload) > 0 {
		payload = string(stored.Payload)
	}

	query := `INSERT INTO sync_actions (action_id, tenant_id, user_id, type, entity_type, entity_id, payload, ts)
	          VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8)`
	_, err = tx.Exec(ctx, query,
		stored.ActionID,
		stored.TenantID,
		stored.UserID,
		stored.Type,
		stored.EntityType,
		stored.EntityID,
		payload,
		stored.Timestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to append action: %w", err)
	}

	if err := r.evict(ctx, tx, stored.TenantID); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit action: %w", err)
	}
	return &stored, nil
}

func (r *PostgresReplayStore) evict(ctx context.Context, tx pgx.Tx, tenantID string) error {
	if cutoff := r.retention.cutoff(r.now()); cutoff > 0 {
		_, err := tx.Exec(ctx,
			`DELETE FROM sync_actions WHERE tenant_id = $1 AND ts < $2`,
			tenantID, cutoff,
		)
		if err != nil {
			return fmt.Errorf("failed to evict expired actions: %w", err)
		}
	}

	if r.retention.MaxEntries > 0 {
		_, err := tx.Exec(ctx,
			`DELETE FROM sync_actions
			 WHERE tenant_id = $1 AND seq <= (
			     SELECT seq FROM sync_actions
			     WHERE tenant_id = $1
			     ORDER BY ts DESC, seq DESC
			     OFFSET $2 LIMIT 1
			 )`,
			tenantID, r.retention.MaxEntries,
		)
		if err != nil {
			return fmt.Errorf("failed to trim replay log: %w", err)
		}
	}
	return nil
}

func (r *PostgresReplayStore) Query(ctx context.Context, tenantID string, since int64) ([]*models.Action, error) {
	floor := since
	if cutoff := r.retention.cutoff(r.now()); cutoff-1 > floor {
		floor = cutoff - 1
	}

	query := `SELECT action_id, tenant_id, user_id, type, entity_type, entity_id, payload, ts
	          FROM sync_actions
	          WHERE tenant_id = $1 AND ts > $2
	          ORDER BY ts ASC, seq ASC`

	rows, err := r.pool.Query(ctx, query, tenantID, floor)
	if err != nil {
		return nil, fmt.Errorf("failed to query replay log: %w", err)
	}
	defer rows.Close()

	var actions []*models.Action
	for rows.Next() {
		var action models.Action
		var payload []byte
		err := rows.Scan(
			&action.ActionID,
			&action.TenantID,
			&action.UserID,
			&action.Type,
			&action.EntityType,
			&action.EntityID,
			&payload,
			&action.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan action: %w", err)
		}
		action.Payload = payload
		actions = append(actions, &action)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating actions: %w", err)
	}
	return actions, nil
}

// Purge removes every retained action of a tenant.
func (r *PostgresReplayStore) Purge(ctx context.Context, tenantID string) error {
	result, err := r.pool.Exec(ctx, `DELETE FROM sync_actions WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return fmt.Errorf("failed to purge actions: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
