package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Fact is a single profile fact, keyed uniquely per (user_id, key).
type Fact struct {
	ID               int64
	UserID           string
	Key              string
	Value            string
	Confidence       float64
	Status           string // "candidate" or "confirmed"
	Sensitivity      string // "low", "medium", "high"
	TTLDays          *int
	ExpiresAt        *int64
	FactDate         *int64
	SchemaName       string
	ProvenanceKind   string // "ai_proposed", "ai_confirmed", "user_confirmed"
	ProvenanceSource string
	Embedding        []float64
	RecallCount      int
	LastRecalledAt   *int64
	CreatedAt        int64
	UpdatedAt        int64
}

// Fact lifecycle statuses.
const (
	StatusCandidate = "candidate"
	StatusConfirmed = "confirmed"
)

// Provenance kinds shared by facts and episodic memories.
const (
	ProvenanceAIProposed    = "ai_proposed"
	ProvenanceAIConfirmed   = "ai_confirmed"
	ProvenanceUserConfirmed = "user_confirmed"
)

// FactInput carries the caller-supplied fields for a fact write.
type FactInput struct {
	Key         string
	Value       string
	Confidence  float64
	Sensitivity string
	TTLDays     *int
	FactDate    *int64
	SchemaName  string
	Embedding   []float64
}

// ProposeFact writes a candidate fact. The write is an upsert on
// (user_id, key); see upsertFact for the overwrite policy.
func (db *DB) ProposeFact(userID string, in FactInput) (*Fact, error) {
	return db.upsertFact(userID, in, StatusCandidate, ProvenanceAIProposed)
}

// ConfirmFact writes a confirmed fact with the same upsert contract as
// ProposeFact.
func (db *DB) ConfirmFact(userID string, in FactInput) (*Fact, error) {
	return db.upsertFact(userID, in, StatusConfirmed, ProvenanceAIConfirmed)
}

// upsertFact is the single write path for facts. Policy: the last write
// for a (user_id, key) wins unconditionally, regardless of the prior
// row's status, so a later propose can replace a confirmed fact with a
// candidate. Kept in one function so the policy can change in one place.
func (db *DB) upsertFact(userID string, in FactInput, status, provenance string) (*Fact, error) {
	now := time.Now().UnixMilli()

	var expiresAt *int64
	if in.TTLDays != nil {
		e := now + int64(*in.TTLDays)*24*60*60*1000
		expiresAt = &e
	}

	f := &Fact{
		UserID:         userID,
		Key:            in.Key,
		Value:          in.Value,
		Confidence:     clamp01(in.Confidence),
		Status:         status,
		Sensitivity:    in.Sensitivity,
		TTLDays:        in.TTLDays,
		ExpiresAt:      expiresAt,
		FactDate:       in.FactDate,
		SchemaName:     in.SchemaName,
		ProvenanceKind: provenance,
		Embedding:      in.Embedding,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if f.Sensitivity == "" {
		f.Sensitivity = "low"
	}

	blob := encodeEmbedding(in.Embedding)
	_, err := db.Exec(`
		INSERT INTO facts (user_id, key, value, confidence, status, sensitivity,
			ttl_days, expires_at, fact_date, schema_name, provenance_kind,
			embedding, recall_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULLIF(?, ''), ?, ?, 0, ?, ?)
		ON CONFLICT(user_id, key) DO UPDATE SET
			value = excluded.value,
			confidence = excluded.confidence,
			status = excluded.status,
			sensitivity = excluded.sensitivity,
			ttl_days = excluded.ttl_days,
			expires_at = excluded.expires_at,
			fact_date = excluded.fact_date,
			schema_name = excluded.schema_name,
			provenance_kind = excluded.provenance_kind,
			embedding = excluded.embedding,
			updated_at = excluded.updated_at
	`, userID, f.Key, f.Value, f.Confidence, f.Status, f.Sensitivity,
		f.TTLDays, f.ExpiresAt, f.FactDate, f.SchemaName, f.ProvenanceKind,
		blob, now, now)
	if err != nil {
		return nil, fmt.Errorf("upsert fact %q: %w", in.Key, err)
	}

	return db.GetFact(userID, in.Key)
}

// ApproveFact transitions a candidate fact to confirmed with
// user_confirmed provenance. Returns ErrNotFound if no candidate row
// exists for the key.
func (db *DB) ApproveFact(userID, key string) (*Fact, error) {
	now := time.Now().UnixMilli()
	result, err := db.Exec(`
		UPDATE facts SET status = ?, provenance_kind = ?, updated_at = ?
		WHERE user_id = ? AND key = ? AND status = ?
	`, StatusConfirmed, ProvenanceUserConfirmed, now, userID, key, StatusCandidate)
	if err != nil {
		return nil, fmt.Errorf("approve fact %q: %w", key, err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return nil, fmt.Errorf("approve fact %q: %w", key, ErrNotFound)
	}
	return db.GetFact(userID, key)
}

// DeleteFact removes the fact for a key. Idempotent: deleting an absent
// key is not an error. Reject is the same operation.
func (db *DB) DeleteFact(userID, key string) error {
	_, err := db.Exec("DELETE FROM facts WHERE user_id = ? AND key = ?", userID, key)
	if err != nil {
		return fmt.Errorf("delete fact %q: %w", key, err)
	}
	return nil
}

// GetFact returns the fact for a key, or nil if absent or expired.
func (db *DB) GetFact(userID, key string) (*Fact, error) {
	now := time.Now().UnixMilli()
	row := db.QueryRow(factSelect+`
		WHERE user_id = ? AND key = ?
		AND (expires_at IS NULL OR expires_at >= ?)
	`, userID, key, now)
	f, err := scanFact(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get fact %q: %w", key, err)
	}
	return f, nil
}

// ListCurrentFacts sweeps expired facts, then returns the user's
// remaining facts ordered by updated_at descending.
func (db *DB) ListCurrentFacts(userID string) ([]Fact, error) {
	if _, err := db.SweepExpiredFacts(userID); err != nil {
		return nil, err
	}
	return db.listFacts(userID, "")
}

// ListConfirmedFacts returns only confirmed, unexpired facts, the set
// safe to feed to the language model as chat context.
func (db *DB) ListConfirmedFacts(userID string) ([]Fact, error) {
	return db.listFacts(userID, StatusConfirmed)
}

func (db *DB) listFacts(userID, status string) ([]Fact, error) {
	now := time.Now().UnixMilli()
	query := factSelect + `
		WHERE user_id = ?
		AND (expires_at IS NULL OR expires_at >= ?)
	`
	args := []any{userID, now}
	if status != "" {
		query += " AND status = ?"
		args = append(args, status)
	}
	query += " ORDER BY updated_at DESC"

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list facts: %w", err)
	}
	defer rows.Close()

	var facts []Fact
	for rows.Next() {
		f, err := scanFact(rows)
		if err != nil {
			return nil, fmt.Errorf("scan fact: %w", err)
		}
		facts = append(facts, *f)
	}
	return facts, rows.Err()
}

// RecordFactRecall increments recall_count and stamps last_recalled_at.
func (db *DB) RecordFactRecall(userID string, id int64) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE facts SET recall_count = recall_count + 1, last_recalled_at = ?
		WHERE user_id = ? AND id = ?
	`, now, userID, id)
	if err != nil {
		return fmt.Errorf("record fact recall: %w", err)
	}
	return nil
}

// SweepExpiredFacts deletes the user's facts whose expires_at is in the
// past and returns the number removed. Facts without a TTL are never
// swept. Side-effect-free when nothing is expired.
func (db *DB) SweepExpiredFacts(userID string) (int, error) {
	now := time.Now().UnixMilli()
	result, err := db.Exec(`
		DELETE FROM facts
		WHERE user_id = ? AND expires_at IS NOT NULL AND expires_at < ?
	`, userID, now)
	if err != nil {
		return 0, fmt.Errorf("sweep expired facts: %w", err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

const factSelect = `
	SELECT id, user_id, key, value, confidence, status, sensitivity,
		ttl_days, expires_at, fact_date, schema_name, provenance_kind,
		provenance_source, embedding, recall_count, last_recalled_at,
		created_at, updated_at
	FROM facts
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFact(row rowScanner) (*Fact, error) {
	var f Fact
	var ttlDays sql.NullInt64
	var expiresAt, factDate, lastRecalled sql.NullInt64
	var schemaName, provSource sql.NullString
	var blob []byte

	err := row.Scan(&f.ID, &f.UserID, &f.Key, &f.Value, &f.Confidence,
		&f.Status, &f.Sensitivity, &ttlDays, &expiresAt, &factDate,
		&schemaName, &f.ProvenanceKind, &provSource, &blob,
		&f.RecallCount, &lastRecalled, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if ttlDays.Valid {
		d := int(ttlDays.Int64)
		f.TTLDays = &d
	}
	if expiresAt.Valid {
		f.ExpiresAt = &expiresAt.Int64
	}
	if factDate.Valid {
		f.FactDate = &factDate.Int64
	}
	if lastRecalled.Valid {
		f.LastRecalledAt = &lastRecalled.Int64
	}
	f.SchemaName = schemaName.String
	f.ProvenanceSource = provSource.String
	f.Embedding = decodeEmbedding(blob)
	return &f, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
