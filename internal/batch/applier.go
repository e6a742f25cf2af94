package batch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/JonMunkholm/scah/internal/audit"
	"github.com/JonMunkholm/scah/internal/core"
	"github.com/JonMunkholm/scah/internal/identity"
	"github.com/JonMunkholm/scah/internal/logging"
	"github.com/JonMunkholm/scah/internal/mapping"
	"github.com/JonMunkholm/scah/internal/storage"
	"github.com/JonMunkholm/scah/internal/validate"
)

// DefaultTimeout bounds a strict commit's single transaction.
const DefaultTimeout = 10 * time.Minute

// Config tunes an Applier.
type Config struct {
	// Workers validates rows in parallel. Zero uses GOMAXPROCS.
	Workers int

	// Timeout bounds the transaction of a strict commit.
	Timeout time.Duration
}

// Applier previews and commits batches.
type Applier struct {
	store   *storage.Store
	audit   *audit.Writer
	gate    *Gate
	workers int
	timeout time.Duration
}

// NewApplier returns an Applier writing to store. Commits are serialized
// through gate.
func NewApplier(store *storage.Store, w *audit.Writer, gate *Gate, cfg Config) *Applier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Applier{
		store:   store,
		audit:   w,
		gate:    gate,
		workers: cfg.Workers,
		timeout: cfg.Timeout,
	}
}

// Gate returns the commit gate.
func (a *Applier) Gate() *Gate { return a.gate }

// Preview classifies every row without writing anything. Rows are resolved
// in order against storage plus the persons earlier rows would create, so
// the outcome matches what Commit would do against the same storage state.
func (a *Applier) Preview(ctx context.Context, b Batch, m mapping.Mapping, opts Options) (*Report, error) {
	start := time.Now()
	results, err := a.validate(ctx, b, m, opts)
	if err != nil {
		return nil, err
	}
	plan, err := a.plan(ctx, b, results, opts)
	if err != nil {
		return nil, err
	}

	rep := newReport(b, ModePreview, opts.policy())
	rep.Missing = m.Missing(opts.Defaults)
	for _, row := range plan {
		rep.add(row)
	}
	rep.Duration = time.Since(start)
	return rep, nil
}

// Commit writes the batch under opts.Policy. It waits for the commit gate
// and fails with ErrTooManyImports if another commit holds it too long.
//
// The report is returned even when err is non-nil, so callers can show
// which row stopped the batch and how many rows were processed.
func (a *Applier) Commit(ctx context.Context, b Batch, m mapping.Mapping, opts Options) (*Report, error) {
	if err := a.checkCommit(ctx, b, m, opts); err != nil {
		return nil, err
	}
	if err := a.gate.Acquire(ctx); err != nil {
		return nil, err
	}
	defer a.gate.Release()
	return a.commit(ctx, b, m, opts)
}

func (a *Applier) checkCommit(ctx context.Context, b Batch, m mapping.Mapping, opts Options) error {
	if len(b.Rows) == 0 {
		return ErrEmptyBatch
	}
	if _, err := ParsePolicy(string(opts.Policy)); err != nil {
		return err
	}
	if open := m.Unresolved(); len(open) > 0 {
		labels := make([]string, len(open))
		for i, c := range open {
			labels[i] = c.Label
		}
		return fmt.Errorf("%w: %s", ErrUnresolvedMapping, strings.Join(labels, ", "))
	}
	if low := m.Unconfirmed(); len(low) > 0 {
		labels := make([]string, len(low))
		for i, c := range low {
			labels[i] = fmt.Sprintf("%s (%s %.2f)", c.Label, c.Field, c.Confidence)
		}
		return fmt.Errorf("%w: %s", ErrUnconfirmedMapping, strings.Join(labels, ", "))
	}
	if missing := m.Missing(opts.Defaults); len(missing) > 0 {
		names := make([]string, len(missing))
		for i, f := range missing {
			names[i] = string(f)
		}
		return fmt.Errorf("%w: %s", ErrIncompleteMapping, strings.Join(names, ", "))
	}
	if _, ok := core.ActorFromContext(ctx); !ok {
		return core.ErrUnauthorized
	}
	return nil
}

// commit runs a checked batch while the caller holds a gate slot.
func (a *Applier) commit(ctx context.Context, b Batch, m mapping.Mapping, opts Options) (*Report, error) {
	start := time.Now()
	policy := opts.policy()
	log := logging.WithFields(ctx, "batch_id", b.ID, "policy", policy, "source", b.Source)
	log.Info("import commit started", "rows", len(b.Rows))

	p := &progress{fn: opts.Progress, Progress: Progress{BatchID: b.ID, Total: len(b.Rows)}}
	p.phase(PhaseValidating)
	results, err := a.validate(ctx, b, m, opts)
	if err != nil {
		p.fail(PhaseFailed, err)
		return nil, err
	}

	var rep *Report
	if policy == BestEffort {
		rep, err = a.commitBestEffort(ctx, b, results, opts, p)
	} else {
		rep, err = a.commitStrict(ctx, b, results, opts, p)
	}
	if rep != nil {
		rep.Duration = time.Since(start)
	}

	switch {
	case err != nil && rep != nil && rep.Cancelled:
		p.fail(PhaseCancelled, err)
		log.Warn("import commit cancelled", "processed", rep.Counts.Processed, "pending", rep.Counts.Pending)
	case err != nil:
		p.fail(PhaseFailed, err)
		log.Error("import commit failed", "error", err)
	case rep.Cancelled:
		p.fail(PhaseCancelled, context.Canceled)
		log.Warn("import commit cancelled",
			"committed", rep.Counts.Committed, "processed", rep.Counts.Processed, "pending", rep.Counts.Pending)
	default:
		p.phase(PhaseComplete)
		log.Info("import commit finished",
			"committed", rep.Counts.Committed,
			"skipped", rep.Counts.Skipped,
			"duration", rep.Duration)
	}
	return rep, err
}

// commitStrict writes every row in one transaction. It refuses to start
// unless the replayed resolution accepts every row.
func (a *Applier) commitStrict(ctx context.Context, b Batch, results []validate.Result, opts Options, p *progress) (*Report, error) {
	p.phase(PhaseResolving)
	plan, err := a.plan(ctx, b, results, opts)
	if err != nil {
		return nil, err
	}
	for _, row := range plan {
		if !row.Status.Accepted() {
			rep := newReport(b, ModeCommit, Strict)
			for _, r := range plan {
				rep.add(r)
			}
			rep.Aborted = true
			rep.Error = fmt.Sprintf("%s: %s", row.Label(), row.Status)
			return rep, fmt.Errorf("%w: %s is %s", ErrAborted, row.Label(), row.Status)
		}
	}

	p.phase(PhaseCommitting)
	wctx := context.WithoutCancel(ctx)
	var rep *Report
	cancelled := false
	err = a.store.WithTxTimeout(wctx, a.timeout, func(tx *storage.Tx) error {
		rep = newReport(b, ModeCommit, Strict)
		p.reset()
		for i, row := range plan {
			if err := ctx.Err(); err != nil {
				cancelled = true
				return err
			}
			w, err := a.writeRow(wctx, tx, b, i, results[i].Record, opts)
			if err != nil {
				if core.IsRowLevel(err) {
					rep.add(rowFailure(row, err))
				}
				return fmt.Errorf("%s: %w", row.Label(), err)
			}
			rep.add(w.apply(row))
			p.row(rep)
		}
		id, err := a.summary(wctx, tx, b, rep)
		rep.SummaryAuditID = id
		return err
	})
	if err == nil {
		return rep, nil
	}

	if rep == nil {
		rep = newReport(b, ModeCommit, Strict)
	}
	rep = rep.rolledBack()
	rep.Aborted = true
	rep.Cancelled = cancelled
	rep.Error = err.Error()
	return rep, fmt.Errorf("%w: %w", ErrAborted, err)
}

// commitBestEffort writes each accepted row in its own transaction. Rows
// that fail validation, resolution or a storage constraint are skipped. An
// audit failure or a busy store stops the batch; the row it hit stays
// pending.
func (a *Applier) commitBestEffort(ctx context.Context, b Batch, results []validate.Result, opts Options, p *progress) (*Report, error) {
	p.phase(PhaseCommitting)
	wctx := context.WithoutCancel(ctx)
	log := logging.WithFields(ctx, "batch_id", b.ID)
	rep := newReport(b, ModeCommit, BestEffort)

	var fatal error
	for i, res := range results {
		if ctx.Err() != nil {
			rep.Cancelled = true
			break
		}
		row := RowResult{Index: i, Sheet: b.Rows[i].Sheet, Line: b.Rows[i].Line}
		if !res.OK() {
			row.Status = StatusValidationError
			row.Errors = res.Errors
			rep.add(row)
			p.row(rep)
			continue
		}

		var w written
		err := a.store.WithTx(wctx, func(tx *storage.Tx) error {
			var err error
			w, err = a.writeRow(wctx, tx, b, i, res.Record, opts)
			return err
		})
		if err != nil && !core.IsRowLevel(err) {
			fatal = fmt.Errorf("%s: %w", row.Label(), err)
			rep.Aborted = true
			rep.Error = fatal.Error()
			break
		}
		if err != nil {
			log.Debug("import row skipped", "row", row.Label(), "error", err)
			rep.add(rowFailure(row, err))
		} else {
			rep.add(w.apply(row))
		}
		p.row(rep)
	}

	sumErr := a.store.WithTx(wctx, func(tx *storage.Tx) error {
		id, err := a.summary(wctx, tx, b, rep)
		rep.SummaryAuditID = id
		return err
	})
	if fatal != nil {
		return rep, fatal
	}
	if sumErr != nil {
		rep.Error = sumErr.Error()
		return rep, fmt.Errorf("import summary: %w", sumErr)
	}
	return rep, nil
}

func (a *Applier) validate(ctx context.Context, b Batch, m mapping.Mapping, opts Options) ([]validate.Result, error) {
	raws := make([]validate.Raw, len(b.Rows))
	for i, row := range b.Rows {
		raws[i] = m.Apply(row.Cells)
	}
	return validate.ValidateAll(ctx, raws, validate.Options{Defaults: opts.Defaults, Today: opts.Today}, a.workers)
}

// plan resolves validated rows in order without writing.
func (a *Applier) plan(ctx context.Context, b Batch, results []validate.Result, opts Options) ([]RowResult, error) {
	ov := identity.NewOverlay(a.store)
	rows := make([]RowResult, len(results))
	for i, res := range results {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		row := RowResult{Index: i, Sheet: b.Rows[i].Sheet, Line: b.Rows[i].Line}
		if !res.OK() {
			row.Status = StatusValidationError
			row.Errors = res.Errors
			rows[i] = row
			continue
		}

		r, err := identity.Resolve(ctx, ov, res.Record, identity.Options{Force: opts.force(i)})
		if errors.Is(err, identity.ErrNotCandidate) {
			rows[i] = rowFailure(row, forceError(err))
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", row.Label(), err)
		}

		row.Status = Status(r.Outcome)
		row.Forced = r.Forced
		switch r.Outcome {
		case identity.NewPerson:
			row.PersonID = ov.Add(res.Record.Person()).ID
		case identity.ExistingPerson:
			row.PersonID = r.Person.ID
			if enriched, changed := identity.Enrich(*r.Person, res.Record); changed {
				ov.Put(enriched)
				row.Enriched = true
			}
		case identity.Conflict:
			row.Conflict = r.Conflict
		}
		rows[i] = row
	}
	return rows, nil
}

// written is what writeRow stored for one row.
type written struct {
	personID int64
	stayID   int64
	auditID  int64
	created  bool
	enriched bool
	forced   bool
}

func (w written) apply(row RowResult) RowResult {
	row.Status = StatusExistingPerson
	if w.created {
		row.Status = StatusNewPerson
	}
	row.Conflict = nil
	row.PersonID = w.personID
	row.StayID = w.stayID
	row.AuditID = w.auditID
	row.Enriched = w.enriched
	row.Forced = w.forced
	row.Committed = true
	return row
}

// rowSnapshot is the after-state of an IMPORT_ROW audit record.
type rowSnapshot struct {
	Person        storage.Person `json:"person"`
	Stay          storage.Stay   `json:"stay"`
	PersonCreated bool           `json:"personCreated"`
}

// writeRow resolves rec inside tx and writes its person and stay with one
// IMPORT_ROW audit record. A conflict is returned as *core.IdentityConflict.
func (a *Applier) writeRow(ctx context.Context, tx *storage.Tx, b Batch, i int, rec validate.Record, opts Options) (written, error) {
	res, err := identity.Resolve(ctx, tx, rec, identity.Options{Force: opts.force(i)})
	if errors.Is(err, identity.ErrNotCandidate) {
		return written{}, forceError(err)
	}
	if err != nil {
		return written{}, err
	}
	if res.Outcome == identity.Conflict {
		return written{}, res.Conflict
	}

	actor, _ := core.ActorFromContext(ctx)
	w := written{forced: res.Forced}
	// prior and w.personID are filled by Run; the audit record reads them
	// after Run returns.
	var prior *storage.Person
	m := audit.Mutation{
		Action:   audit.ActionImportRow,
		Table:    audit.TableStays,
		PersonID: &w.personID,
		Before:   &prior,
		Detail:   fmt.Sprintf("%s %s", b.Source, RowResult{Sheet: b.Rows[i].Sheet, Line: b.Rows[i].Line}.Label()),
		BatchID:  b.ID,
		Run: func(tx *storage.Tx) (int64, any, error) {
			var person storage.Person
			if res.Outcome == identity.NewPerson {
				person = rec.Person()
				if err := tx.CreatePerson(ctx, &person); err != nil {
					return 0, nil, err
				}
				w.created = true
			} else {
				person = *res.Person
				if enriched, changed := identity.Enrich(person, rec); changed {
					before := person
					if err := tx.UpdatePerson(ctx, &enriched); err != nil {
						return 0, nil, err
					}
					prior, person = &before, enriched
					w.enriched = true
				}
			}

			stay := rec.Stay(person.ID, actor.Username, b.ID)
			if rec.Establishment != "" {
				est, err := tx.EstablishmentByName(ctx, rec.Establishment)
				if err != nil {
					return 0, nil, err
				}
				if est != nil {
					stay.EstablishmentID = &est.ID
				}
			}
			if err := tx.CreateStay(ctx, &stay); err != nil {
				return 0, nil, err
			}
			w.personID, w.stayID = person.ID, stay.ID
			return stay.ID, rowSnapshot{Person: person, Stay: stay, PersonCreated: w.created}, nil
		},
	}
	_, auditID, err := a.audit.Apply(ctx, tx, m)
	if err != nil {
		return written{}, err
	}
	w.auditID = auditID
	return w, nil
}

// importSnapshot is the after-state of an IMPORT summary record.
type importSnapshot struct {
	Source    string  `json:"source"`
	Policy    Policy  `json:"policy"`
	Counts    Counts  `json:"counts"`
	AuditIDs  []int64 `json:"auditIds,omitempty"`
	Cancelled bool    `json:"cancelled,omitempty"`
	Aborted   bool    `json:"aborted,omitempty"`
}

func (a *Applier) summary(ctx context.Context, tx *storage.Tx, b Batch, rep *Report) (int64, error) {
	return a.audit.Record(ctx, tx, audit.Entry{
		Action: audit.ActionImport,
		Table:  audit.TableImports,
		After: importSnapshot{
			Source:    rep.Source,
			Policy:    rep.Policy,
			Counts:    rep.Counts,
			AuditIDs:  rep.AuditIDs,
			Cancelled: rep.Cancelled,
			Aborted:   rep.Aborted,
		},
		Detail:  rep.Summary(),
		BatchID: b.ID,
	})
}

// rolledBack returns a copy of r with every write undone.
func (r *Report) rolledBack() *Report {
	out := &Report{
		BatchID: r.BatchID,
		Source:  r.Source,
		Mode:    r.Mode,
		Policy:  r.Policy,
		Missing: r.Missing,
		Counts:  Counts{Rows: r.Counts.Rows, Pending: r.Counts.Rows},
		Rows:    make([]RowResult, 0, len(r.Rows)),
	}
	for _, row := range r.Rows {
		if row.Committed && row.Status == StatusNewPerson {
			row.PersonID = 0
		}
		row.Committed = false
		row.StayID, row.AuditID = 0, 0
		out.add(row)
	}
	return out
}

// progress forwards commit progress to an optional callback.
type progress struct {
	Progress
	fn func(Progress)
}

func (p *progress) emit() {
	if p.fn != nil {
		p.fn(p.Progress)
	}
}

func (p *progress) phase(ph Phase) {
	p.Phase = ph
	p.Current = 0
	if ph == PhaseComplete {
		p.Current = p.Total
	}
	p.emit()
}

func (p *progress) reset() {
	p.Current, p.Committed, p.Skipped = 0, 0, 0
}

func (p *progress) row(rep *Report) {
	p.Current = rep.Counts.Processed
	p.Committed = rep.Counts.Committed
	p.Skipped = rep.Counts.Skipped
	p.emit()
}

func (p *progress) fail(ph Phase, err error) {
	p.Phase = ph
	p.Error = err.Error()
	p.emit()
}
