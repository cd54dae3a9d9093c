package store

import (
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// EpisodicMemory is a dated memory with a decaying, recall-reinforced
// strength score.
type EpisodicMemory struct {
	ID               string
	UserID           string
	Text             string
	OccurredAt       *int64
	Location         string
	Confidence       float64
	EmotionalValence float64
	Importance       float64
	MemoryStrength   float64
	RecallCount      int
	LastRecalledAt   *int64
	LastDecayedAt    *int64
	ProvenanceKind   string
	Embedding        []float64
	CreatedAt        int64
}

// DecayPolicy returns the current strength of a memory given its stored
// strength and the time elapsed since it was last reinforced. Any policy
// must keep strength in [0,1] and never return more than the stored value.
type DecayPolicy func(stored float64, elapsed time.Duration) float64

// decayHalfLife and decayFloor parameterize the default forgetting curve.
const (
	decayHalfLife = 30 * 24 * time.Hour
	decayFloor    = 0.05
)

// DefaultDecay is an exponential forgetting curve: 30-day half-life with
// a floor of 0.05 so memories are never fully forgotten.
// Computed in Go (not SQL) because modernc.org/sqlite lacks pow().
func DefaultDecay(stored float64, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return clamp01(stored)
	}
	decayed := stored * math.Pow(0.5, elapsed.Hours()/decayHalfLife.Hours())
	if decayed < decayFloor {
		decayed = decayFloor
	}
	if decayed > stored {
		decayed = stored
	}
	return clamp01(decayed)
}

// reinforce raises strength halfway back toward 1.0. A recall never
// decreases strength and never pushes it above 1.0.
func reinforce(current float64) float64 {
	return clamp01(current + (1-current)*0.5)
}

// EpisodicInput carries caller-supplied fields for an episodic write.
// Temporal resolution happens before the store is reached: Text is the
// cleaned text and OccurredAt the resolved date, if any.
type EpisodicInput struct {
	Text       string
	Confidence float64
	OccurredAt *int64
	Location   string
	Embedding  []float64
}

// ProposeEpisodic creates an episodic memory with ai_proposed provenance.
func (db *DB) ProposeEpisodic(userID string, in EpisodicInput) (*EpisodicMemory, error) {
	return db.insertEpisodic(userID, in, ProvenanceAIProposed)
}

// ConfirmEpisodic creates an episodic memory with ai_confirmed provenance.
func (db *DB) ConfirmEpisodic(userID string, in EpisodicInput) (*EpisodicMemory, error) {
	return db.insertEpisodic(userID, in, ProvenanceAIConfirmed)
}

func (db *DB) insertEpisodic(userID string, in EpisodicInput, provenance string) (*EpisodicMemory, error) {
	now := time.Now().UnixMilli()
	m := &EpisodicMemory{
		ID:             uuid.New().String(),
		UserID:         userID,
		Text:           in.Text,
		OccurredAt:     in.OccurredAt,
		Location:       in.Location,
		Confidence:     clamp01(in.Confidence),
		Importance:     clamp01(in.Confidence), // importance starts at confidence
		MemoryStrength: 1.0,
		ProvenanceKind: provenance,
		Embedding:      in.Embedding,
		CreatedAt:      now,
	}

	_, err := db.Exec(`
		INSERT INTO episodic_memories (id, user_id, text, occurred_at, location,
			confidence, emotional_valence, importance, memory_strength,
			recall_count, provenance_kind, embedding, created_at)
		VALUES (?, ?, ?, ?, NULLIF(?, ''), ?, 0, ?, 1.0, 0, ?, ?, ?)
	`, m.ID, userID, m.Text, m.OccurredAt, m.Location,
		m.Confidence, m.Importance, m.ProvenanceKind,
		encodeEmbedding(in.Embedding), now)
	if err != nil {
		return nil, fmt.Errorf("insert episodic memory: %w", err)
	}
	return m, nil
}

// ApproveEpisodic marks a memory as user-confirmed. Returns ErrNotFound
// if the id does not exist for this user.
func (db *DB) ApproveEpisodic(userID, id string) (*EpisodicMemory, error) {
	result, err := db.Exec(`
		UPDATE episodic_memories SET provenance_kind = ?
		WHERE user_id = ? AND id = ?
	`, ProvenanceUserConfirmed, userID, id)
	if err != nil {
		return nil, fmt.Errorf("approve episodic %s: %w", id, err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return nil, fmt.Errorf("approve episodic %s: %w", id, ErrNotFound)
	}
	return db.GetEpisodic(userID, id)
}

// DeleteEpisodic removes a memory. Idempotent: an absent id is a success.
func (db *DB) DeleteEpisodic(userID, id string) error {
	_, err := db.Exec("DELETE FROM episodic_memories WHERE user_id = ? AND id = ?", userID, id)
	if err != nil {
		return fmt.Errorf("delete episodic %s: %w", id, err)
	}
	return nil
}

// GetEpisodic returns a memory by id, or nil if not found.
func (db *DB) GetEpisodic(userID, id string) (*EpisodicMemory, error) {
	row := db.QueryRow(episodicSelect+" WHERE user_id = ? AND id = ?", userID, id)
	m, err := scanEpisodic(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get episodic %s: %w", id, err)
	}
	return m, nil
}

// ListEpisodic returns the user's memories ordered by occurred_at
// descending, undated memories last.
func (db *DB) ListEpisodic(userID string) ([]EpisodicMemory, error) {
	rows, err := db.Query(episodicSelect+`
		WHERE user_id = ?
		ORDER BY occurred_at IS NULL, occurred_at DESC, created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list episodic: %w", err)
	}
	defer rows.Close()

	var memories []EpisodicMemory
	for rows.Next() {
		m, err := scanEpisodic(rows)
		if err != nil {
			return nil, fmt.Errorf("scan episodic: %w", err)
		}
		memories = append(memories, *m)
	}
	return memories, rows.Err()
}

// RecordEpisodicRecall increments recall_count and recomputes strength:
// the stored strength first decays for the time elapsed since the last
// reinforcement, then the recall raises it back toward 1.0.
func (db *DB) RecordEpisodicRecall(userID, id string, policy DecayPolicy) (*EpisodicMemory, error) {
	if policy == nil {
		policy = DefaultDecay
	}

	m, err := db.GetEpisodic(userID, id)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, fmt.Errorf("record recall %s: %w", id, ErrNotFound)
	}

	now := time.Now().UnixMilli()
	current := policy(m.MemoryStrength, time.Duration(now-recallRefTime(m))*time.Millisecond)
	strength := reinforce(current)

	_, err = db.Exec(`
		UPDATE episodic_memories
		SET recall_count = recall_count + 1, last_recalled_at = ?, memory_strength = ?
		WHERE user_id = ? AND id = ?
	`, now, strength, userID, id)
	if err != nil {
		return nil, fmt.Errorf("record recall %s: %w", id, err)
	}

	m.RecallCount++
	m.LastRecalledAt = &now
	m.MemoryStrength = strength
	return m, nil
}

// DecayEpisodic persists the decayed strength for every memory, across
// all users. Returns the number of rows whose strength decreased.
// Strength only ever decreases here; reinforcement happens on recall.
// Each decrease stamps last_decayed_at, and elapsed time is measured
// from that stamp, so repeated runs never re-apply decay the stored
// strength already reflects.
func (db *DB) DecayEpisodic(policy DecayPolicy) (int, error) {
	if policy == nil {
		policy = DefaultDecay
	}

	rows, err := db.Query(`
		SELECT id, user_id, memory_strength, occurred_at, last_recalled_at,
			last_decayed_at, created_at
		FROM episodic_memories
	`)
	if err != nil {
		return 0, fmt.Errorf("query decayable memories: %w", err)
	}
	defer rows.Close()

	type target struct {
		id, userID string
		strength   float64
		ref        int64
	}

	now := time.Now().UnixMilli()
	var targets []target
	for rows.Next() {
		var t target
		var occurred, lastRecalled, lastDecayed sql.NullInt64
		var createdAt int64
		if err := rows.Scan(&t.id, &t.userID, &t.strength, &occurred, &lastRecalled, &lastDecayed, &createdAt); err != nil {
			return 0, fmt.Errorf("scan decay target: %w", err)
		}
		t.ref = createdAt
		if occurred.Valid && occurred.Int64 > t.ref {
			t.ref = occurred.Int64
		}
		if lastRecalled.Valid && lastRecalled.Int64 > t.ref {
			t.ref = lastRecalled.Int64
		}
		if lastDecayed.Valid && lastDecayed.Int64 > t.ref {
			t.ref = lastDecayed.Int64
		}
		targets = append(targets, t)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	updated := 0
	for _, t := range targets {
		decayed := policy(t.strength, time.Duration(now-t.ref)*time.Millisecond)
		if decayed >= t.strength-1e-6 {
			// Negligible decrease: skip the write, and skip the stamp
			// too so the stored strength still corresponds to its old
			// reference point.
			continue
		}
		if _, err := db.Exec(`
			UPDATE episodic_memories SET memory_strength = ?, last_decayed_at = ?
			WHERE user_id = ? AND id = ?
		`, decayed, now, t.userID, t.id); err != nil {
			return updated, fmt.Errorf("update decayed strength: %w", err)
		}
		updated++
	}
	return updated, nil
}

// recallRefTime picks the reference point decay is measured from: the
// most recent of last recall, last decay run, occurred_at, and creation.
// The stored strength already reflects everything up to that instant.
func recallRefTime(m *EpisodicMemory) int64 {
	ref := m.CreatedAt
	if m.OccurredAt != nil && *m.OccurredAt > ref {
		ref = *m.OccurredAt
	}
	if m.LastRecalledAt != nil && *m.LastRecalledAt > ref {
		ref = *m.LastRecalledAt
	}
	if m.LastDecayedAt != nil && *m.LastDecayedAt > ref {
		ref = *m.LastDecayedAt
	}
	return ref
}

const episodicSelect = `
	SELECT id, user_id, text, occurred_at, location, confidence,
		emotional_valence, importance, memory_strength, recall_count,
		last_recalled_at, last_decayed_at, provenance_kind, embedding, created_at
	FROM episodic_memories
`

func scanEpisodic(row rowScanner) (*EpisodicMemory, error) {
	var m EpisodicMemory
	var occurred, lastRecalled, lastDecayed sql.NullInt64
	var location sql.NullString
	var blob []byte

	err := row.Scan(&m.ID, &m.UserID, &m.Text, &occurred, &location,
		&m.Confidence, &m.EmotionalValence, &m.Importance, &m.MemoryStrength,
		&m.RecallCount, &lastRecalled, &lastDecayed, &m.ProvenanceKind, &blob, &m.CreatedAt)
	if err != nil {
		return nil, err
	}

	if occurred.Valid {
		m.OccurredAt = &occurred.Int64
	}
	if lastRecalled.Valid {
		m.LastRecalledAt = &lastRecalled.Int64
	}
	if lastDecayed.Valid {
		m.LastDecayedAt = &lastDecayed.Int64
	}
	m.Location = location.String
	m.Embedding = decodeEmbedding(blob)
	return &m, nil
}
