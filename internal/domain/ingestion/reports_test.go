package ingestion

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
)

func testReport(source string, received time.Time, outcomes ...Outcome) *BatchReport {
	r := &BatchReport{
		ID:           uuid.New(),
		SourceSystem: source,
		ReceivedAt:   received,
		CompletedAt:  received.Add(time.Second),
		Outcomes:     outcomes,
	}
	r.Counts = countOutcomes(outcomes)
	r.Status = batchStatus(r.Counts)
	return r
}

func TestMemoryReportRepository_SaveGet(t *testing.T) {
	repo := NewMemoryReportRepository()
	ctx := context.Background()
	base := time.Date(2024, 1, 5, 8, 0, 0, 0, time.UTC)

	r := testReport("EPIC", base, Outcome{Index: 0, ControlID: "C1", Status: StatusAccepted})
	if err := repo.Save(ctx, r); err != nil {
		t.Fatalf("Save: %v", err)
	}
	r.Outcomes[0].Status = StatusRejected

	got, err := repo.Get(ctx, r.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Outcomes[0].Status != StatusAccepted {
		t.Error("stored report must not alias the caller's outcomes")
	}
	if _, err := repo.Get(ctx, uuid.New()); err != ErrReportNotFound {
		t.Errorf("expected ErrReportNotFound, got %v", err)
	}
}

func TestMemoryReportRepository_List(t *testing.T) {
	repo := NewMemoryReportRepository()
	ctx := context.Background()
	base := time.Date(2024, 1, 5, 8, 0, 0, 0, time.UTC)

	var ids []uuid.UUID
	for i, src := range []string{"EPIC", "LAB", "EPIC", "EPIC"} {
		r := testReport(src, base.Add(time.Duration(i)*time.Minute), Outcome{ControlID: "C", Status: StatusAccepted})
		repo.Save(ctx, r)
		ids = append(ids, r.ID)
	}

	all, total, err := repo.List(ctx, ReportFilter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 4 || len(all) != 4 {
		t.Fatalf("expected 4/4, got %d/%d", len(all), total)
	}
	if all[0].ID != ids[3] || all[3].ID != ids[0] {
		t.Error("expected newest first")
	}
	for _, r := range all {
		if r.Outcomes != nil {
			t.Error("summaries should not carry outcomes")
		}
	}

	page, total, _ := repo.List(ctx, ReportFilter{SourceSystem: "EPIC", Limit: 2, Offset: 1})
	if total != 3 || len(page) != 2 {
		t.Fatalf("expected 2 of 3, got %d of %d", len(page), total)
	}
	if page[0].ID != ids[2] || page[1].ID != ids[0] {
		t.Errorf("unexpected page order")
	}

	past, total, _ := repo.List(ctx, ReportFilter{Offset: 10})
	if total != 4 || len(past) != 0 {
		t.Errorf("offset past end: %d of %d", len(past), total)
	}
}

func TestMemoryReportRepository_LatestOutcome(t *testing.T) {
	repo := NewMemoryReportRepository()
	ctx := context.Background()
	base := time.Date(2024, 1, 5, 8, 0, 0, 0, time.UTC)

	first := testReport("EPIC", base, Outcome{Index: 0, ControlID: "C1", Status: StatusRejected})
	second := testReport("EPIC", base.Add(time.Minute),
		Outcome{Index: 0, ControlID: "C9", Status: StatusAccepted},
		Outcome{Index: 1, ControlID: "C1", Status: StatusAccepted})
	other := testReport("LAB", base.Add(2*time.Minute), Outcome{Index: 0, ControlID: "C1", Status: StatusDuplicate})
	for _, r := range []*BatchReport{first, second, other} {
		repo.Save(ctx, r)
	}

	st, err := repo.LatestOutcome(ctx, "EPIC", "C1")
	if err != nil {
		t.Fatalf("LatestOutcome: %v", err)
	}
	if st.BatchID != second.ID || st.Outcome.Status != StatusAccepted || st.Outcome.Index != 1 {
		t.Errorf("unexpected latest: %+v", st)
	}
	if !st.RecordedAt.Equal(second.CompletedAt) {
		t.Errorf("RecordedAt = %v, want %v", st.RecordedAt, second.CompletedAt)
	}

	if _, err := repo.LatestOutcome(ctx, "EPIC", "NOPE"); err != ErrReportNotFound {
		t.Errorf("expected ErrReportNotFound, got %v", err)
	}
}
