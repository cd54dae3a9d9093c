package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Document is a pre-chunked document text used as a retrieval source.
// Chunking and ingestion happen upstream; the store only accepts
// ready-made chunks.
type Document struct {
	ID        string
	UserID    string
	Title     string
	Text      string
	Embedding []float64
	CreatedAt int64
}

// AddDocument stores a document chunk with its embedding.
func (db *DB) AddDocument(userID, title, text string, embedding []float64) (*Document, error) {
	now := time.Now().UnixMilli()
	d := &Document{
		ID:        uuid.New().String(),
		UserID:    userID,
		Title:     title,
		Text:      text,
		Embedding: embedding,
		CreatedAt: now,
	}

	_, err := db.Exec(`
		INSERT INTO documents (id, user_id, title, text, embedding, created_at)
		VALUES (?, ?, NULLIF(?, ''), ?, ?, ?)
	`, d.ID, userID, title, text, encodeEmbedding(embedding), now)
	if err != nil {
		return nil, fmt.Errorf("insert document: %w", err)
	}
	return d, nil
}

// ListDocuments returns the user's document chunks, newest first.
func (db *DB) ListDocuments(userID string) ([]Document, error) {
	rows, err := db.Query(`
		SELECT id, user_id, title, text, embedding, created_at
		FROM documents WHERE user_id = ?
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var d Document
		var title sql.NullString
		var blob []byte
		if err := rows.Scan(&d.ID, &d.UserID, &title, &d.Text, &blob, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		d.Title = title.String
		d.Embedding = decodeEmbedding(blob)
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// DeleteDocument removes a document chunk. Idempotent.
func (db *DB) DeleteDocument(userID, id string) error {
	_, err := db.Exec("DELETE FROM documents WHERE user_id = ? AND id = ?", userID, id)
	if err != nil {
		return fmt.Errorf("delete document %s: %w", id, err)
	}
	return nil
}
