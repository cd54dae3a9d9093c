package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ProceduralRule is a behavioral rule with observation/application
// counters. times_observed and times_applied only ever increase.
type ProceduralRule struct {
	ID             string
	UserID         string
	RuleType       string // "habit", "preference", "routine", "if_then", "skill"
	Condition      string
	Action         string
	Context        string
	Confidence     float64
	Frequency      string
	Importance     float64
	TimesObserved  int
	TimesApplied   int
	LastObservedAt *int64
	LastAppliedAt  *int64
	Status         string // "active", "inactive", "deprecated"
	Embedding      []float64
	CreatedAt      int64
	UpdatedAt      int64
}

// RuleInput carries caller-supplied fields for a rule write.
type RuleInput struct {
	RuleType   string
	Action     string
	Condition  string
	Context    string
	Confidence *float64 // defaults to 0.7
	Frequency  string
	Importance *float64 // defaults to 0.5
	Embedding  []float64
}

// ProposeRule creates an active rule. Confidence defaults to 0.7 and
// importance to 0.5 when not supplied.
func (db *DB) ProposeRule(userID string, in RuleInput) (*ProceduralRule, error) {
	now := time.Now().UnixMilli()

	confidence := 0.7
	if in.Confidence != nil {
		confidence = clamp01(*in.Confidence)
	}
	importance := 0.5
	if in.Importance != nil {
		importance = clamp01(*in.Importance)
	}

	r := &ProceduralRule{
		ID:             uuid.New().String(),
		UserID:         userID,
		RuleType:       in.RuleType,
		Condition:      in.Condition,
		Action:         in.Action,
		Context:        in.Context,
		Confidence:     confidence,
		Frequency:      in.Frequency,
		Importance:     importance,
		TimesObserved:  1,
		LastObservedAt: &now,
		Status:         "active",
		Embedding:      in.Embedding,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	_, err := db.Exec(`
		INSERT INTO procedural_rules (id, user_id, rule_type, condition, action,
			context, confidence, frequency, importance, times_observed,
			times_applied, last_observed_at, status, embedding, created_at, updated_at)
		VALUES (?, ?, ?, NULLIF(?, ''), ?, NULLIF(?, ''), ?, NULLIF(?, ''), ?, 1, 0, ?, 'active', ?, ?, ?)
	`, r.ID, userID, r.RuleType, r.Condition, r.Action, r.Context,
		r.Confidence, r.Frequency, r.Importance, now,
		encodeEmbedding(in.Embedding), now, now)
	if err != nil {
		return nil, fmt.Errorf("insert rule: %w", err)
	}
	return r, nil
}

// RuleUpdate holds the updatable fields of a rule. Nil pointers leave
// the stored value unchanged.
type RuleUpdate struct {
	Condition  *string
	Action     *string
	Context    *string
	Confidence *float64
	Frequency  *string
	Importance *float64
	Status     *string
	Embedding  []float64 // set by the caller when text fields changed
}

// NeedsReembed reports whether the update touches a text field that
// feeds the embedding (action, condition, or context).
func (u RuleUpdate) NeedsReembed() bool {
	return u.Action != nil || u.Condition != nil || u.Context != nil
}

// UpdateRule applies a partial update. Returns ErrNotFound for an
// unknown id.
func (db *DB) UpdateRule(userID, id string, u RuleUpdate) (*ProceduralRule, error) {
	var sets []string
	var args []any

	set := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}

	if u.Condition != nil {
		set("condition", sql.NullString{String: *u.Condition, Valid: *u.Condition != ""})
	}
	if u.Action != nil {
		set("action", *u.Action)
	}
	if u.Context != nil {
		set("context", sql.NullString{String: *u.Context, Valid: *u.Context != ""})
	}
	if u.Confidence != nil {
		set("confidence", clamp01(*u.Confidence))
	}
	if u.Frequency != nil {
		set("frequency", sql.NullString{String: *u.Frequency, Valid: *u.Frequency != ""})
	}
	if u.Importance != nil {
		set("importance", clamp01(*u.Importance))
	}
	if u.Status != nil {
		set("status", *u.Status)
	}
	if u.Embedding != nil {
		set("embedding", encodeEmbedding(u.Embedding))
	}
	if len(sets) == 0 {
		return db.mustGetRule(userID, id)
	}
	set("updated_at", time.Now().UnixMilli())

	query := "UPDATE procedural_rules SET " + strings.Join(sets, ", ") +
		" WHERE user_id = ? AND id = ?"
	args = append(args, userID, id)

	result, err := db.Exec(query, args...)
	if err != nil {
		return nil, fmt.Errorf("update rule %s: %w", id, err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return nil, fmt.Errorf("update rule %s: %w", id, ErrNotFound)
	}
	return db.mustGetRule(userID, id)
}

// RecordRuleObservation increments times_observed and stamps
// last_observed_at. Returns ErrNotFound for an unknown id.
func (db *DB) RecordRuleObservation(userID, id string) error {
	return db.bumpRuleCounter(userID, id, "times_observed", "last_observed_at")
}

// RecordRuleApplication increments times_applied and stamps
// last_applied_at. Returns ErrNotFound for an unknown id.
func (db *DB) RecordRuleApplication(userID, id string) error {
	return db.bumpRuleCounter(userID, id, "times_applied", "last_applied_at")
}

func (db *DB) bumpRuleCounter(userID, id, counter, stamp string) error {
	now := time.Now().UnixMilli()
	result, err := db.Exec(fmt.Sprintf(`
		UPDATE procedural_rules SET %s = %s + 1, %s = ?, updated_at = ?
		WHERE user_id = ? AND id = ?
	`, counter, counter, stamp), now, now, userID, id)
	if err != nil {
		return fmt.Errorf("bump %s on rule %s: %w", counter, id, err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("bump %s on rule %s: %w", counter, id, ErrNotFound)
	}
	return nil
}

// ListRules returns the user's active rules ordered by importance
// descending. Inactive and deprecated rules are soft-retired out of view.
func (db *DB) ListRules(userID string) ([]ProceduralRule, error) {
	rows, err := db.Query(ruleSelect+`
		WHERE user_id = ? AND status = 'active'
		ORDER BY importance DESC, updated_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	var rules []ProceduralRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		rules = append(rules, *r)
	}
	return rules, rows.Err()
}

// GetRule returns a rule by id, or nil if not found.
func (db *DB) GetRule(userID, id string) (*ProceduralRule, error) {
	row := db.QueryRow(ruleSelect+" WHERE user_id = ? AND id = ?", userID, id)
	r, err := scanRule(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get rule %s: %w", id, err)
	}
	return r, nil
}

func (db *DB) mustGetRule(userID, id string) (*ProceduralRule, error) {
	r, err := db.GetRule(userID, id)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, fmt.Errorf("rule %s: %w", id, ErrNotFound)
	}
	return r, nil
}

// DeleteRule removes a rule. Idempotent.
func (db *DB) DeleteRule(userID, id string) error {
	_, err := db.Exec("DELETE FROM procedural_rules WHERE user_id = ? AND id = ?", userID, id)
	if err != nil {
		return fmt.Errorf("delete rule %s: %w", id, err)
	}
	return nil
}

const ruleSelect = `
	SELECT id, user_id, rule_type, condition, action, context, confidence,
		frequency, importance, times_observed, times_applied,
		last_observed_at, last_applied_at, status, embedding,
		created_at, updated_at
	FROM procedural_rules
`

func scanRule(row rowScanner) (*ProceduralRule, error) {
	var r ProceduralRule
	var condition, context, frequency sql.NullString
	var lastObserved, lastApplied sql.NullInt64
	var blob []byte

	err := row.Scan(&r.ID, &r.UserID, &r.RuleType, &condition, &r.Action,
		&context, &r.Confidence, &frequency, &r.Importance,
		&r.TimesObserved, &r.TimesApplied, &lastObserved, &lastApplied,
		&r.Status, &blob, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}

	r.Condition = condition.String
	r.Context = context.String
	r.Frequency = frequency.String
	if lastObserved.Valid {
		r.LastObservedAt = &lastObserved.Int64
	}
	if lastApplied.Valid {
		r.LastAppliedAt = &lastApplied.Int64
	}
	r.Embedding = decodeEmbedding(blob)
	return &r, nil
}
