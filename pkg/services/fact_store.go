package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/hivemesh/hivemesh/pkg/hsp"
	"github.com/hivemesh/hivemesh/pkg/knowledge"
)

// FactStore persists fact records in PostgreSQL. Quarantined and rejected
// records stay queryable for audit but never appear in live lookups.
type FactStore struct {
	db *sqlx.DB
}

// NewFactStore creates a fact store over the given pool.
func NewFactStore(db *sqlx.DB) *FactStore {
	return &FactStore{db: db}
}

func (s *FactStore) Insert(ctx context.Context, rec *knowledge.Record) error {
	factJSON, err := json.Marshal(rec.Fact)
	if err != nil {
		return fmt.Errorf("failed to marshal fact: %w", err)
	}
	provenance, err := json.Marshal(rec.Provenance)
	if err != nil {
		return fmt.Errorf("failed to marshal provenance: %w", err)
	}
	conflicts, err := json.Marshal(orEmpty(rec.ConflictsWith))
	if err != nil {
		return fmt.Errorf("failed to marshal conflict links: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO facts (id, fact, fact_id, subject, predicate, object,
		   stored_confidence, effective_confidence, corroboration, provenance,
		   status, superseded_by, supersedes, conflicts_with, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		rec.ID, factJSON, rec.Fact.FactID, rec.Subject, rec.Predicate, rec.Object,
		rec.StoredConfidence, rec.EffectiveConfidence, rec.Corroboration, provenance,
		rec.Status, rec.SupersededBy, rec.Supersedes, conflicts, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert fact record: %w", err)
	}
	return nil
}

func (s *FactStore) GetByFactID(ctx context.Context, factID string) (*knowledge.Record, error) {
	row := s.db.QueryRowxContext(ctx,
		selectRecord+` WHERE fact_id = $1 AND status = 'live'`, factID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

func (s *FactStore) LiveByPair(ctx context.Context, subject, predicate string) ([]*knowledge.Record, error) {
	rows, err := s.db.QueryxContext(ctx,
		selectRecord+` WHERE subject = $1 AND predicate = $2 AND status = 'live' ORDER BY created_at`,
		subject, predicate)
	if err != nil {
		return nil, fmt.Errorf("failed to query live facts: %w", err)
	}
	defer rows.Close()

	var out []*knowledge.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *FactStore) IncrementCorroboration(ctx context.Context, id, senderID string) error {
	sender, err := json.Marshal(senderID)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE facts SET corroboration = corroboration + 1,
		 provenance = provenance || $2::jsonb, updated_at = $3 WHERE id = $1`,
		id, sender, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to corroborate fact: %w", err)
	}
	return requireRow(res, id)
}

func (s *FactStore) Supersede(ctx context.Context, oldID, newID string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`UPDATE facts SET status = 'superseded', superseded_by = $2, updated_at = $3 WHERE id = $1`,
		oldID, newID, now)
	if err != nil {
		return fmt.Errorf("failed to mark fact superseded: %w", err)
	}
	if err := requireRow(res, oldID); err != nil {
		return err
	}

	res, err = tx.ExecContext(ctx,
		`UPDATE facts SET supersedes = $2, updated_at = $3 WHERE id = $1`,
		newID, oldID, now)
	if err != nil {
		return fmt.Errorf("failed to back-link superseding fact: %w", err)
	}
	if err := requireRow(res, newID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *FactStore) MarkConflicting(ctx context.Context, a, b string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, pair := range [][2]string{{a, b}, {b, a}} {
		link, err := json.Marshal(pair[1])
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE facts SET conflicts_with = conflicts_with || $2::jsonb, updated_at = now() WHERE id = $1`,
			pair[0], link)
		if err != nil {
			return fmt.Errorf("failed to cross-link conflicting facts: %w", err)
		}
		if err := requireRow(res, pair[0]); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// PurgeSettledFacts deletes quarantined, rejected, and superseded records not
// touched since the retention window. Live records are never purged.
func (s *FactStore) PurgeSettledFacts(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM facts WHERE status <> 'live' AND updated_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge settled facts: %w", err)
	}
	return res.RowsAffected()
}

const selectRecord = `SELECT id, fact, subject, predicate, object,
	stored_confidence, effective_confidence, corroboration, provenance,
	status, superseded_by, supersedes, conflicts_with, created_at, updated_at
	FROM facts`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*knowledge.Record, error) {
	var (
		rec                            knowledge.Record
		factJSON, provenance, conflicts []byte
	)
	err := row.Scan(&rec.ID, &factJSON, &rec.Subject, &rec.Predicate, &rec.Object,
		&rec.StoredConfidence, &rec.EffectiveConfidence, &rec.Corroboration, &provenance,
		&rec.Status, &rec.SupersededBy, &rec.Supersedes, &conflicts,
		&rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	var fact hsp.Fact
	if err := json.Unmarshal(factJSON, &fact); err != nil {
		return nil, fmt.Errorf("failed to decode stored fact: %w", err)
	}
	rec.Fact = fact
	if err := json.Unmarshal(provenance, &rec.Provenance); err != nil {
		return nil, fmt.Errorf("failed to decode provenance: %w", err)
	}
	if err := json.Unmarshal(conflicts, &rec.ConflictsWith); err != nil {
		return nil, fmt.Errorf("failed to decode conflict links: %w", err)
	}
	return &rec, nil
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
