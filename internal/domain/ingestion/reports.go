package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/hl7ingest/internal/platform/db"
)

var ErrReportNotFound = errors.New("ingestion: report not found")

// ReportFilter narrows a report listing. Limit 0 means no limit.
type ReportFilter struct {
	SourceSystem string
	Limit        int
	Offset       int
}

// MessageStatus is the most recent outcome recorded for a control ID.
type MessageStatus struct {
	BatchID    uuid.UUID `json:"batchId"`
	RecordedAt time.Time `json:"recordedAt"`
	Outcome    Outcome   `json:"outcome"`
}

// ReportRepository stores completed batch reports. List returns summaries
// without outcomes, newest first.
type ReportRepository interface {
	Save(ctx context.Context, r *BatchReport) error
	Get(ctx context.Context, id uuid.UUID) (*BatchReport, error)
	List(ctx context.Context, f ReportFilter) ([]*BatchReport, int, error)
	LatestOutcome(ctx context.Context, sourceSystem, controlID string) (*MessageStatus, error)
}

// =========== memory ===========

type MemoryReportRepository struct {
	mu      sync.RWMutex
	reports map[uuid.UUID]*BatchReport
	order   []uuid.UUID
}

func NewMemoryReportRepository() *MemoryReportRepository {
	return &MemoryReportRepository{reports: make(map[uuid.UUID]*BatchReport)}
}

func (m *MemoryReportRepository) Save(_ context.Context, r *BatchReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.reports[r.ID]; !ok {
		m.order = append(m.order, r.ID)
	}
	cp := *r
	cp.Outcomes = append([]Outcome(nil), r.Outcomes...)
	m.reports[r.ID] = &cp
	return nil
}

func (m *MemoryReportRepository) Get(_ context.Context, id uuid.UUID) (*BatchReport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.reports[id]
	if !ok {
		return nil, ErrReportNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryReportRepository) List(_ context.Context, f ReportFilter) ([]*BatchReport, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var all []*BatchReport
	for _, id := range m.order {
		r := m.reports[id]
		if f.SourceSystem != "" && r.SourceSystem != f.SourceSystem {
			continue
		}
		summary := *r
		summary.Outcomes = nil
		all = append(all, &summary)
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].ReceivedAt.After(all[j].ReceivedAt) })

	total := len(all)
	if f.Offset >= total {
		return []*BatchReport{}, total, nil
	}
	all = all[f.Offset:]
	if f.Limit > 0 && f.Limit < len(all) {
		all = all[:f.Limit]
	}
	return all, total, nil
}

func (m *MemoryReportRepository) LatestOutcome(_ context.Context, sourceSystem, controlID string) (*MessageStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for i := len(m.order) - 1; i >= 0; i-- {
		r := m.reports[m.order[i]]
		if r.SourceSystem != sourceSystem {
			continue
		}
		for j := len(r.Outcomes) - 1; j >= 0; j-- {
			if r.Outcomes[j].ControlID == controlID {
				return &MessageStatus{BatchID: r.ID, RecordedAt: r.CompletedAt, Outcome: r.Outcomes[j]}, nil
			}
		}
	}
	return nil, ErrReportNotFound
}

// =========== postgres ===========

// PGReportRepository stores the full report as JSON in ingestion_batch and
// one row per outcome in ingestion_message for status lookups.
type PGReportRepository struct{ pool *pgxpool.Pool }

func NewPGReportRepository(pool *pgxpool.Pool) *PGReportRepository {
	return &PGReportRepository{pool: pool}
}

func (p *PGReportRepository) Save(ctx context.Context, r *BatchReport) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	return db.WithTx(ctx, p.pool, func(ctx context.Context) error {
		tx := db.TxFromContext(ctx)
		_, err := tx.Exec(ctx, `
			INSERT INTO ingestion_batch (id, source_system, submitted_by, status, total, accepted, rejected, duplicate, received_at, completed_at, report)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			r.ID, r.SourceSystem, r.SubmittedBy, string(r.Status),
			r.Counts.Total, r.Counts.Accepted, r.Counts.Rejected, r.Counts.Duplicate,
			r.ReceivedAt, r.CompletedAt, body)
		if err != nil {
			return fmt.Errorf("insert batch: %w", err)
		}

		batch := &pgx.Batch{}
		for _, o := range r.Outcomes {
			ob, err := json.Marshal(o)
			if err != nil {
				return fmt.Errorf("encode outcome %d: %w", o.Index, err)
			}
			batch.Queue(`
				INSERT INTO ingestion_message (batch_id, message_index, source_system, control_id, message_type, status, outcome, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
				r.ID, o.Index, r.SourceSystem, o.ControlID, o.MessageType, string(o.Status), ob, r.CompletedAt)
		}
		if batch.Len() == 0 {
			return nil
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert outcomes: %w", err)
		}
		return nil
	})
}

func (p *PGReportRepository) Get(ctx context.Context, id uuid.UUID) (*BatchReport, error) {
	var body []byte
	err := p.pool.QueryRow(ctx, `SELECT report FROM ingestion_batch WHERE id = $1`, id).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrReportNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get report: %w", err)
	}
	var r BatchReport
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}
	return &r, nil
}

func (p *PGReportRepository) List(ctx context.Context, f ReportFilter) ([]*BatchReport, int, error) {
	where, args := "", []interface{}{}
	if f.SourceSystem != "" {
		where = "WHERE source_system = $1"
		args = append(args, f.SourceSystem)
	}

	var total int
	if err := p.pool.QueryRow(ctx, "SELECT COUNT(*) FROM ingestion_batch "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count reports: %w", err)
	}

	limit := "ALL"
	if f.Limit > 0 {
		limit = fmt.Sprintf("%d", f.Limit)
	}
	query := fmt.Sprintf(`
		SELECT id, source_system, submitted_by, status, total, accepted, rejected, duplicate, received_at, completed_at
		FROM ingestion_batch %s ORDER BY received_at DESC LIMIT %s OFFSET %d`, where, limit, f.Offset)

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list reports: %w", err)
	}
	defer rows.Close()

	out := []*BatchReport{}
	for rows.Next() {
		var (
			r      BatchReport
			status string
		)
		if err := rows.Scan(&r.ID, &r.SourceSystem, &r.SubmittedBy, &status,
			&r.Counts.Total, &r.Counts.Accepted, &r.Counts.Rejected, &r.Counts.Duplicate,
			&r.ReceivedAt, &r.CompletedAt); err != nil {
			return nil, 0, fmt.Errorf("scan report: %w", err)
		}
		r.Status = BatchStatus(status)
		out = append(out, &r)
	}
	return out, total, rows.Err()
}

func (p *PGReportRepository) LatestOutcome(ctx context.Context, sourceSystem, controlID string) (*MessageStatus, error) {
	var (
		st   MessageStatus
		body []byte
	)
	err := p.pool.QueryRow(ctx, `
		SELECT batch_id, created_at, outcome FROM ingestion_message
		WHERE source_system = $1 AND control_id = $2
		ORDER BY created_at DESC, message_index DESC LIMIT 1`,
		sourceSystem, controlID).Scan(&st.BatchID, &st.RecordedAt, &body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrReportNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest outcome: %w", err)
	}
	if err := json.Unmarshal(body, &st.Outcome); err != nil {
		return nil, fmt.Errorf("decode outcome: %w", err)
	}
	return &st, nil
}
