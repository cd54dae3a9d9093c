package store

import (
	"errors"
	"testing"
	"time"
)

func TestProposeFact(t *testing.T) {
	db := testDB(t)

	f, err := db.ProposeFact("u1", FactInput{Key: "favorite_food", Value: "ramen", Confidence: 0.6})
	if err != nil {
		t.Fatalf("ProposeFact: %v", err)
	}
	if f.Status != StatusCandidate {
		t.Errorf("Status = %q, want candidate", f.Status)
	}
	if f.ProvenanceKind != ProvenanceAIProposed {
		t.Errorf("ProvenanceKind = %q, want ai_proposed", f.ProvenanceKind)
	}
	if f.Sensitivity != "low" {
		t.Errorf("Sensitivity = %q, want default low", f.Sensitivity)
	}
}

func TestUpsertOverwritesRegardlessOfStatus(t *testing.T) {
	db := testDB(t)

	if _, err := db.ConfirmFact("u1", FactInput{Key: "home_city", Value: "Lisbon", Confidence: 0.95}); err != nil {
		t.Fatalf("ConfirmFact: %v", err)
	}

	// A later propose replaces the confirmed row with a candidate.
	f, err := db.ProposeFact("u1", FactInput{Key: "home_city", Value: "Porto", Confidence: 0.6})
	if err != nil {
		t.Fatalf("ProposeFact: %v", err)
	}
	if f.Value != "Porto" {
		t.Errorf("Value = %q, want Porto", f.Value)
	}
	if f.Status != StatusCandidate {
		t.Errorf("Status = %q, want candidate after overwrite", f.Status)
	}

	facts, err := db.ListCurrentFacts("u1")
	if err != nil {
		t.Fatalf("ListCurrentFacts: %v", err)
	}
	if len(facts) != 1 {
		t.Fatalf("len(facts) = %d, want 1", len(facts))
	}
}

func TestConfidenceClamped(t *testing.T) {
	db := testDB(t)

	f, err := db.ProposeFact("u1", FactInput{Key: "k", Value: "v", Confidence: 1.7})
	if err != nil {
		t.Fatalf("ProposeFact: %v", err)
	}
	if f.Confidence != 1.0 {
		t.Errorf("Confidence = %v, want clamped to 1.0", f.Confidence)
	}
}

func TestApproveFact(t *testing.T) {
	db := testDB(t)

	if _, err := db.ProposeFact("u1", FactInput{Key: "k", Value: "v", Confidence: 0.6}); err != nil {
		t.Fatalf("ProposeFact: %v", err)
	}

	f, err := db.ApproveFact("u1", "k")
	if err != nil {
		t.Fatalf("ApproveFact: %v", err)
	}
	if f.Status != StatusConfirmed {
		t.Errorf("Status = %q, want confirmed", f.Status)
	}
	if f.ProvenanceKind != ProvenanceUserConfirmed {
		t.Errorf("ProvenanceKind = %q, want user_confirmed", f.ProvenanceKind)
	}

	// Approving again finds no candidate row.
	if _, err := db.ApproveFact("u1", "k"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second approve: err = %v, want ErrNotFound", err)
	}
}

func TestApproveFactMissing(t *testing.T) {
	db := testDB(t)

	if _, err := db.ApproveFact("u1", "absent"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestDeleteFactIdempotent(t *testing.T) {
	db := testDB(t)

	if _, err := db.ProposeFact("u1", FactInput{Key: "k", Value: "v"}); err != nil {
		t.Fatalf("ProposeFact: %v", err)
	}
	if err := db.DeleteFact("u1", "k"); err != nil {
		t.Fatalf("DeleteFact: %v", err)
	}
	if err := db.DeleteFact("u1", "k"); err != nil {
		t.Errorf("second delete: %v, want nil", err)
	}

	f, err := db.GetFact("u1", "k")
	if err != nil {
		t.Fatalf("GetFact: %v", err)
	}
	if f != nil {
		t.Error("fact still present after delete")
	}
}

func TestSweepExpiredFacts(t *testing.T) {
	db := testDB(t)

	ttl := 30
	if _, err := db.ConfirmFact("u1", FactInput{Key: "temp", Value: "v", TTLDays: &ttl}); err != nil {
		t.Fatalf("ConfirmFact: %v", err)
	}
	if _, err := db.ConfirmFact("u1", FactInput{Key: "keep", Value: "v"}); err != nil {
		t.Fatalf("ConfirmFact: %v", err)
	}

	// Force the TTL'd row into the past.
	past := time.Now().UnixMilli() - 1000
	if _, err := db.Exec("UPDATE facts SET expires_at = ? WHERE key = 'temp'", past); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	n, err := db.SweepExpiredFacts("u1")
	if err != nil {
		t.Fatalf("SweepExpiredFacts: %v", err)
	}
	if n != 1 {
		t.Errorf("swept = %d, want 1", n)
	}

	// A second sweep has nothing to do.
	n, err = db.SweepExpiredFacts("u1")
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if n != 0 {
		t.Errorf("second sweep = %d, want 0", n)
	}

	facts, err := db.ListCurrentFacts("u1")
	if err != nil {
		t.Fatalf("ListCurrentFacts: %v", err)
	}
	if len(facts) != 1 || facts[0].Key != "keep" {
		t.Errorf("facts = %+v, want only 'keep'", facts)
	}
}

func TestGetFactHidesExpired(t *testing.T) {
	db := testDB(t)

	ttl := 1
	if _, err := db.ConfirmFact("u1", FactInput{Key: "temp", Value: "v", TTLDays: &ttl}); err != nil {
		t.Fatalf("ConfirmFact: %v", err)
	}
	past := time.Now().UnixMilli() - 1000
	if _, err := db.Exec("UPDATE facts SET expires_at = ? WHERE key = 'temp'", past); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	f, err := db.GetFact("u1", "temp")
	if err != nil {
		t.Fatalf("GetFact: %v", err)
	}
	if f != nil {
		t.Error("expired fact returned from GetFact")
	}
}

func TestListConfirmedFacts(t *testing.T) {
	db := testDB(t)

	if _, err := db.ProposeFact("u1", FactInput{Key: "cand", Value: "v"}); err != nil {
		t.Fatalf("ProposeFact: %v", err)
	}
	if _, err := db.ConfirmFact("u1", FactInput{Key: "conf", Value: "v"}); err != nil {
		t.Fatalf("ConfirmFact: %v", err)
	}

	facts, err := db.ListConfirmedFacts("u1")
	if err != nil {
		t.Fatalf("ListConfirmedFacts: %v", err)
	}
	if len(facts) != 1 || facts[0].Key != "conf" {
		t.Errorf("facts = %+v, want only 'conf'", facts)
	}
}

func TestRecordFactRecall(t *testing.T) {
	db := testDB(t)

	f, err := db.ConfirmFact("u1", FactInput{Key: "k", Value: "v"})
	if err != nil {
		t.Fatalf("ConfirmFact: %v", err)
	}

	if err := db.RecordFactRecall("u1", f.ID); err != nil {
		t.Fatalf("RecordFactRecall: %v", err)
	}
	if err := db.RecordFactRecall("u1", f.ID); err != nil {
		t.Fatalf("RecordFactRecall: %v", err)
	}

	got, err := db.GetFact("u1", "k")
	if err != nil {
		t.Fatalf("GetFact: %v", err)
	}
	if got.RecallCount != 2 {
		t.Errorf("RecallCount = %d, want 2", got.RecallCount)
	}
	if got.LastRecalledAt == nil {
		t.Error("LastRecalledAt not set")
	}
}

func TestFactEmbeddingRoundTrip(t *testing.T) {
	db := testDB(t)

	vec := []float64{0.1, -0.2, 0.3}
	if _, err := db.ConfirmFact("u1", FactInput{Key: "k", Value: "v", Embedding: vec}); err != nil {
		t.Fatalf("ConfirmFact: %v", err)
	}

	f, err := db.GetFact("u1", "k")
	if err != nil {
		t.Fatalf("GetFact: %v", err)
	}
	if len(f.Embedding) != 3 || f.Embedding[1] != -0.2 {
		t.Errorf("Embedding = %v, want %v", f.Embedding, vec)
	}
}
