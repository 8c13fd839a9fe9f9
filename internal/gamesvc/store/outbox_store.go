package store

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/avvvet/crash-services/internal/gamesvc/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type OutboxStore struct {
	db *pgxpool.Pool
}

func NewOutboxStore(db *pgxpool.Pool) *OutboxStore {
	return &OutboxStore{db: db}
}

const outboxColumns = `id, kind, round_id, bet_id, payload, status, attempts, last_error, tx_hash, created_at, updated_at`

func scanOutbox(row pgx.Row) (*models.OutboxItem, error) {
	it := &models.OutboxItem{}
	err := row.Scan(
		&it.ID,
		&it.Kind,
		&it.RoundID,
		&it.BetID,
		&it.Payload,
		&it.Status,
		&it.Attempts,
		&it.LastError,
		&it.TxHash,
		&it.CreatedAt,
		&it.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return it, nil
}

// Enqueue persists a relay before anything is sent. A second snapshot for the
// same round returns the existing row untouched.
func (s *OutboxStore) Enqueue(ctx context.Context, item *models.OutboxItem) (*models.OutboxItem, error) {
	row := s.db.QueryRow(ctx, `
		INSERT INTO settlement_outbox (kind, round_id, bet_id, payload)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (round_id) WHERE kind = 'round_snapshot'
		DO UPDATE SET updated_at = settlement_outbox.updated_at
		RETURNING `+outboxColumns,
		item.Kind, item.RoundID, item.BetID, item.Payload)
	it, err := scanOutbox(row)
	if err != nil {
		return nil, translate("enqueue outbox item", err)
	}
	return it, nil
}

func (s *OutboxStore) MarkSent(ctx context.Context, id int64, txHash string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE settlement_outbox
		SET status = 'sent', tx_hash = $2, attempts = attempts + 1, last_error = '', updated_at = now()
		WHERE id = $1
	`, id, txHash)
	return translate("mark outbox sent", err)
}

// MarkFailed never downgrades a row another relay already got through.
func (s *OutboxStore) MarkFailed(ctx context.Context, id int64, cause string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE settlement_outbox
		SET status = 'failed', attempts = attempts + 1, last_error = $2, updated_at = now()
		WHERE id = $1 AND status <> 'sent'
	`, id, cause)
	return translate("mark outbox failed", err)
}

// Claim moves a pending or failed item to sending. It reports false when the
// item is already sent or another relay holds it.
func (s *OutboxStore) Claim(ctx context.Context, id int64) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE settlement_outbox
		SET status = 'sending', updated_at = now()
		WHERE id = $1 AND status IN ('pending', 'failed')
	`, id)
	if err != nil {
		return false, translate("claim outbox item", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Requeue puts a failed item back in front of the relay worker.
func (s *OutboxStore) Requeue(ctx context.Context, id int64) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE settlement_outbox
		SET status = 'pending', attempts = 0, updated_at = now()
		WHERE id = $1 AND status = 'failed'
	`, id)
	if err != nil {
		return translate("requeue outbox item", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("outbox item %d: %w", id, ErrNotFound)
	}
	return nil
}

func (s *OutboxStore) ListByStatus(ctx context.Context, status string, limit int) ([]*models.OutboxItem, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+outboxColumns+`
		FROM settlement_outbox
		WHERE status = $1
		ORDER BY id
		LIMIT $2
	`, status, limit)
	if err != nil {
		return nil, translate("list outbox", err)
	}
	defer rows.Close()

	var items []*models.OutboxItem
	for rows.Next() {
		it, err := scanOutbox(rows)
		if err != nil {
			return nil, translate("scan outbox", err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, translate("list outbox", err)
	}
	return items, nil
}

// ClaimDue claims up to limit items for the relay worker and commits the
// claim before returning, so no row lock is held while the ledger is called.
// Pending and failed items qualify once idle for minAge; a sending claim
// older than claimTTL belongs to a relay that died and is taken over. Items
// that already failed maxAttempts times are left for an operator.
func (s *OutboxStore) ClaimDue(ctx context.Context, limit, maxAttempts int, minAge, claimTTL time.Duration) ([]*models.OutboxItem, error) {
	rows, err := s.db.Query(ctx, `
		UPDATE settlement_outbox
		SET status = 'sending', updated_at = now()
		WHERE id IN (
			SELECT id
			FROM settlement_outbox
			WHERE attempts < $1
			  AND (
				(status IN ('pending', 'failed') AND updated_at < now() - make_interval(secs => $2))
				OR (status = 'sending' AND updated_at < now() - make_interval(secs => $3))
			  )
			ORDER BY id
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+outboxColumns,
		maxAttempts, minAge.Seconds(), claimTTL.Seconds(), limit)
	if err != nil {
		return nil, translate("claim outbox items", err)
	}
	defer rows.Close()

	var items []*models.OutboxItem
	for rows.Next() {
		it, err := scanOutbox(rows)
		if err != nil {
			return nil, translate("scan outbox", err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, translate("claim outbox items", err)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}
