package ingestion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/hl7ingest/internal/domain/clinical"
	"github.com/ehr/hl7ingest/internal/platform/events"
	"github.com/ehr/hl7ingest/internal/platform/hl7v2"
)

// EventBatchCompleted is published once per finished batch.
const EventBatchCompleted = "hl7.batch.completed"

// ErrInfrastructureUnavailable means the store or the ledger failed the
// pre-flight check. No message was processed and no report exists.
var ErrInfrastructureUnavailable = errors.New("ingestion: infrastructure unavailable")

// CoordinatorConfig tunes batch processing. A zero BatchTimeout disables
// the deadline. Reports and Publisher are optional.
type CoordinatorConfig struct {
	Concurrency  int
	BatchTimeout time.Duration
	Reports      ReportRepository
	Publisher    events.Publisher
}

// Coordinator runs every message of a batch through decode, validate, map,
// reserve, persist and commit, isolating failures per message.
type Coordinator struct {
	store     clinical.Store
	ledger    Ledger
	validator *Validator
	mapper    *Mapper
	cfg       CoordinatorConfig
	logger    zerolog.Logger
	nowFunc   func() time.Time
}

func NewCoordinator(store clinical.Store, ledger Ledger, cfg CoordinatorConfig, logger zerolog.Logger) *Coordinator {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	return &Coordinator{
		store:     store,
		ledger:    ledger,
		validator: NewValidator(),
		mapper:    NewMapper(),
		cfg:       cfg,
		logger:    logger.With().Str("component", "coordinator").Logger(),
		nowFunc:   time.Now,
	}
}

// prepared is the result of the CPU-only first phase. A non-nil outcome is
// final; otherwise mapping is ready to persist.
type prepared struct {
	index    int
	dm       *DecodedMessage
	findings []Finding
	mapping  *Mapping
	outcome  *Outcome
}

func (p *prepared) ledgerKey() LedgerKey {
	return LedgerKey{SourceSystem: p.dm.SourceSystem, ControlID: p.dm.ControlID}
}

// base is an outcome carrying the identifying fields known so far.
func (p *prepared) base() Outcome {
	o := Outcome{Index: p.index, Findings: p.findings}
	if p.dm != nil {
		o.ControlID = p.dm.ControlID
		o.MessageType = p.dm.Message.Type
	}
	return o
}

func (p *prepared) reject(code, msg string) Outcome {
	o := p.base()
	o.Status = StatusRejected
	o.Error = &OutcomeError{Code: code, Message: msg}
	return o
}

// Ingest processes batch and returns its report with one outcome per
// message in input order. Per-message failures never fail the call; only
// ErrInfrastructureUnavailable does.
func (c *Coordinator) Ingest(ctx context.Context, batch Batch) (*BatchReport, error) {
	if batch.ID == uuid.Nil {
		batch.ID = uuid.New()
	}
	if batch.ReceivedAt.IsZero() {
		batch.ReceivedAt = c.nowFunc().UTC()
	}
	log := c.logger.With().Str("batch_id", batch.ID.String()).Str("source_system", batch.SourceSystem).Logger()

	if err := c.store.Ping(ctx); err != nil {
		log.Error().Err(err).Msg("resource store unavailable")
		return nil, fmt.Errorf("%w: resource store: %v", ErrInfrastructureUnavailable, err)
	}
	if err := c.ledger.Ping(ctx); err != nil {
		log.Error().Err(err).Msg("idempotency ledger unavailable")
		return nil, fmt.Errorf("%w: ledger: %v", ErrInfrastructureUnavailable, err)
	}

	parent := ctx
	if c.cfg.BatchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.BatchTimeout)
		defer cancel()
	}

	start := c.nowFunc()
	preps := c.prepareAll(batch)
	outcomes := c.persistAll(ctx, batch.ID, preps)

	report := &BatchReport{
		ID:           batch.ID,
		SourceSystem: batch.SourceSystem,
		SubmittedBy:  batch.SubmittedBy,
		ReceivedAt:   batch.ReceivedAt,
		CompletedAt:  c.nowFunc().UTC(),
		Counts:       countOutcomes(outcomes),
		Outcomes:     outcomes,
	}
	report.Status = batchStatus(report.Counts)

	log.Info().
		Str("status", string(report.Status)).
		Int("total", report.Counts.Total).
		Int("accepted", report.Counts.Accepted).
		Int("rejected", report.Counts.Rejected).
		Int("duplicate", report.Counts.Duplicate).
		Dur("duration", c.nowFunc().Sub(start)).
		Msg("batch ingested")

	c.record(context.WithoutCancel(parent), report, log)
	return report, nil
}

// prepareAll decodes, validates and maps every message in parallel.
func (c *Coordinator) prepareAll(batch Batch) []*prepared {
	preps := make([]*prepared, len(batch.Messages))
	var g errgroup.Group
	g.SetLimit(c.cfg.Concurrency)
	for i := range batch.Messages {
		i := i
		raw := batch.Messages[i]
		if raw.SourceSystem == "" {
			raw.SourceSystem = batch.SourceSystem
		}
		g.Go(func() error {
			preps[i] = c.prepare(i, raw)
			return nil
		})
	}
	_ = g.Wait()
	return preps
}

func (c *Coordinator) prepare(index int, raw RawMessage) *prepared {
	p := &prepared{index: index}

	dm, err := Decode(raw)
	if err != nil {
		code := ErrCodeMalformedHeader
		var de *hl7v2.DecodeError
		if errors.As(err, &de) {
			code = string(de.Kind)
		}
		o := p.reject(code, err.Error())
		o.ControlID = raw.ControlID
		p.outcome = &o
		return p
	}
	p.dm = dm

	p.findings = c.validator.Validate(dm)
	if HasErrors(p.findings) {
		code := ErrCodeValidation
		if dm.ControlID == "" {
			code = ErrCodeMissingControlID
		}
		o := p.reject(code, "message failed validation")
		if o.ControlID == "" {
			o.ControlID = dm.SuppliedControlID
		}
		p.outcome = &o
		return p
	}

	m, err := c.mapper.Map(dm)
	if err != nil {
		code := MappingUnmappable
		var me *MappingError
		if errors.As(err, &me) {
			code = me.Kind
		}
		o := p.reject(code, err.Error())
		p.outcome = &o
		return p
	}
	p.mapping = m
	return p
}

// persistAll runs the blocking phase. Messages are dispatched in input
// order through a semaphore, so a message only ever waits on messages with
// a lower index.
func (c *Coordinator) persistAll(ctx context.Context, batchID uuid.UUID, preps []*prepared) []Outcome {
	outcomes := make([]Outcome, len(preps))
	done := make([]chan struct{}, len(preps))
	for i := range done {
		done[i] = make(chan struct{})
	}

	producers := make(map[clinical.NaturalKey][]int)
	senders := make(map[LedgerKey][]int)
	for _, p := range preps {
		if p.outcome != nil {
			continue
		}
		for _, r := range p.mapping.Records {
			producers[r.Key()] = append(producers[r.Key()], p.index)
		}
		senders[p.ledgerKey()] = append(senders[p.ledgerKey()], p.index)
	}
	initial := c.snapshotReferences(ctx, preps, producers)

	sem := make(chan struct{}, c.cfg.Concurrency)
	var wg sync.WaitGroup
	for _, p := range preps {
		if p.outcome != nil {
			outcomes[p.index] = *p.outcome
			close(done[p.index])
			continue
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			outcomes[p.index] = p.reject(ErrCodeTimeout, "batch timed out before the message was processed")
			close(done[p.index])
			continue
		}

		wg.Add(1)
		go func(p *prepared) {
			defer wg.Done()
			defer func() { <-sem }()
			defer close(done[p.index])

			w := &persistWork{
				c:         c,
				ref:       IngestionRef{BatchID: batchID, MessageIndex: p.index},
				p:         p,
				done:      done,
				producers: producers,
				senders:   senders,
				initial:   initial,
			}
			outcomes[p.index] = w.run(ctx)
		}(p)
	}
	wg.Wait()
	return outcomes
}

// snapshotReferences resolves, before any write, every external reference
// that a message of the batch also produces. A message that refers to a key
// only later messages produce sees this result, whatever the scheduling.
func (c *Coordinator) snapshotReferences(ctx context.Context, preps []*prepared, producers map[clinical.NaturalKey][]int) map[clinical.NaturalKey]error {
	out := make(map[clinical.NaturalKey]error)
	for _, p := range preps {
		if p.outcome != nil {
			continue
		}
		for _, key := range p.mapping.ExternalReferences() {
			if _, done := out[key]; done || len(producers[key]) == 0 {
				continue
			}
			out[key] = resolveOne(ctx, c.store, key)
		}
	}
	return out
}

// persistWork is the second phase for one message.
type persistWork struct {
	c         *Coordinator
	ref       IngestionRef
	p         *prepared
	done      []chan struct{}
	producers map[clinical.NaturalKey][]int
	senders   map[LedgerKey][]int
	initial   map[clinical.NaturalKey]error
}

func (w *persistWork) timeout() Outcome {
	return w.p.reject(ErrCodeTimeout, "batch timed out before the message completed")
}

// earlier returns the done channels of the indices below this message's.
func (w *persistWork) earlier(indices []int) []chan struct{} {
	var out []chan struct{}
	for _, i := range indices {
		if i < w.p.index {
			out = append(out, w.done[i])
		}
	}
	return out
}

func waitAll(ctx context.Context, chans []chan struct{}) error {
	for _, ch := range chans {
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (w *persistWork) run(ctx context.Context) Outcome {
	c, p := w.c, w.p
	if ctx.Err() != nil {
		return w.timeout()
	}

	for _, key := range p.mapping.ExternalReferences() {
		var err error
		switch pending := w.earlier(w.producers[key]); {
		case len(pending) > 0:
			if waitAll(ctx, pending) != nil {
				return w.timeout()
			}
			err = resolveOne(ctx, c.store, key)
		case len(w.producers[key]) > 0:
			// Only later messages produce the key, so the answer is the
			// store's state when the batch started.
			err = w.initial[key]
		default:
			err = resolveOne(ctx, c.store, key)
		}
		if err != nil {
			return w.failure(ctx, err)
		}
	}

	// An earlier message with the same control ID settles first, so a
	// failed first attempt does not turn this one into a duplicate.
	key := p.ledgerKey()
	if waitAll(ctx, w.earlier(w.senders[key])) != nil {
		return w.timeout()
	}

	res, err := c.ledger.CheckAndReserve(ctx, key, w.ref)
	if err != nil {
		return w.failure(ctx, err)
	}
	if !res.Fresh {
		o := p.base()
		o.Status = StatusDuplicate
		o.Original = originalOf(res.Original)
		return o
	}

	refs, err := c.store.UpsertAll(ctx, p.mapping.Records)
	if err != nil {
		w.release(ctx, key)
		return w.failure(ctx, err)
	}

	if err := c.ledger.Commit(ctx, key, w.ref, refs); err != nil {
		w.release(ctx, key)
		return w.failure(ctx, err)
	}

	o := p.base()
	o.Status = StatusAccepted
	o.Resources = refs
	return o
}

// release frees a reservation even when ctx is already done.
func (w *persistWork) release(ctx context.Context, key LedgerKey) {
	if err := w.c.ledger.Release(context.WithoutCancel(ctx), key, w.ref); err != nil {
		w.c.logger.Error().Err(err).
			Str("source_system", key.SourceSystem).
			Str("control_id", key.ControlID).
			Msg("failed to release ledger reservation")
	}
}

// failure maps a phase-two error onto a rejected outcome.
func (w *persistWork) failure(ctx context.Context, err error) Outcome {
	var me *MappingError
	var pe *clinical.PersistenceError
	switch {
	case ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		return w.timeout()
	case errors.As(err, &me):
		return w.p.reject(me.Kind, me.Error())
	case errors.As(err, &pe):
		return w.p.reject(string(pe.Kind), pe.Error())
	default:
		return w.p.reject(ErrCodeUnavailable, err.Error())
	}
}

// record saves and publishes the report. Neither failure reaches the caller.
func (c *Coordinator) record(ctx context.Context, report *BatchReport, log zerolog.Logger) {
	if c.cfg.Reports != nil {
		if err := c.cfg.Reports.Save(ctx, report); err != nil {
			log.Error().Err(err).Msg("failed to save batch report")
		}
	}
	if c.cfg.Publisher == nil {
		return
	}
	ev, err := events.New(EventBatchCompleted, report.SourceSystem, report.ID.String(), report)
	if err != nil {
		log.Error().Err(err).Msg("failed to build batch event")
		return
	}
	if err := c.cfg.Publisher.Publish(ctx, ev); err != nil {
		log.Error().Err(err).Msg("failed to publish batch event")
	}
}

// ValidationResult is the dry-run view of one message.
type ValidationResult struct {
	ControlID   string                   `json:"controlId,omitempty"`
	MessageType string                   `json:"messageType,omitempty"`
	Category    Category                 `json:"category,omitempty"`
	Valid       bool                     `json:"valid"`
	Findings    []Finding                `json:"findings,omitempty"`
	Error       *OutcomeError            `json:"error,omitempty"`
	Resources   []map[string]interface{} `json:"resources,omitempty"`
}

// Validate decodes, validates and maps raw without touching the ledger or
// the store.
func (c *Coordinator) Validate(raw RawMessage) ValidationResult {
	p := c.prepare(0, raw)
	res := ValidationResult{Findings: p.findings}
	if p.dm != nil {
		res.ControlID = p.dm.ControlID
		res.MessageType = p.dm.Message.Type
		res.Category = p.dm.Category
	}
	if p.outcome != nil {
		res.Error = p.outcome.Error
		return res
	}
	res.Valid = true
	for _, r := range p.mapping.Records {
		res.Resources = append(res.Resources, r.ToFHIR())
	}
	return res
}
