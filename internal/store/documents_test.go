package store

import "testing"

func TestDocumentLifecycle(t *testing.T) {
	db := testDB(t)

	d, err := db.AddDocument("u1", "trip notes", "hiking gear checklist", []float64{0.1, 0.2})
	if err != nil {
		t.Fatalf("AddDocument: %v", err)
	}
	if d.ID == "" {
		t.Error("ID not assigned")
	}

	docs, err := db.ListDocuments("u1")
	if err != nil {
		t.Fatalf("ListDocuments: %v", err)
	}
	if len(docs) != 1 || docs[0].Title != "trip notes" {
		t.Errorf("docs = %+v", docs)
	}
	if len(docs[0].Embedding) != 2 {
		t.Errorf("Embedding = %v, want 2 floats", docs[0].Embedding)
	}

	// Scoped per user.
	other, err := db.ListDocuments("u2")
	if err != nil {
		t.Fatalf("ListDocuments u2: %v", err)
	}
	if len(other) != 0 {
		t.Errorf("u2 docs = %+v, want none", other)
	}

	if err := db.DeleteDocument("u1", d.ID); err != nil {
		t.Fatalf("DeleteDocument: %v", err)
	}
	if err := db.DeleteDocument("u1", d.ID); err != nil {
		t.Errorf("second delete: %v, want nil", err)
	}
}
