package examprep

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Ingestor orchestrates one exam document from raw bytes to stored questions.
type Ingestor struct {
	cfg       CategoryConfig
	patterns  PatternSet
	store     DocumentStore
	db        *DB
	client    *ExtractionClient
	validator *Validator
	locker    ExamLocker
	log       *Logger

	// LogDir receives per-run audit logs and report JSON. Empty means "log".
	LogDir string
}

// IngestRequest selects the exam to ingest.
type IngestRequest struct {
	Exam ExamID
	// NoWait fails with ErrIngestionInProgress instead of waiting for a
	// concurrent run of the same exam.
	NoWait bool
	// DryRun validates and reports without writing questions or the report.
	DryRun bool
}

// NewIngestor wires the pipeline stages for one exam category.
func NewIngestor(cfg CategoryConfig, store DocumentStore, db *DB, client *ExtractionClient, locker ExamLocker, log *Logger) (*Ingestor, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	patterns, err := cfg.Patterns()
	if err != nil {
		return nil, err
	}
	if locker == nil {
		locker = NewMemoryExamLocker()
	}
	return &Ingestor{
		cfg:       cfg,
		patterns:  patterns,
		store:     store,
		db:        db,
		client:    client,
		validator: NewValidator(ExplanationLengthScorer(cfg.MinExplanationLength)),
		locker:    locker,
		log:       orNop(log),
	}, nil
}

// Ingest runs load, segment, extract, validate, dedup and store for one exam.
// Per-block failures land in the report; the returned error is reserved for
// failures of the whole document (segmentation, storage, cancellation). The
// report is returned, and persisted when possible, in both cases.
func (ing *Ingestor) Ingest(ctx context.Context, req IngestRequest) (*ValidationReport, error) {
	examID := req.Exam.String()
	report := &ValidationReport{
		RunID:     uuid.NewString(),
		ExamID:    examID,
		StartedAt: time.Now().UTC(),
	}
	log := ing.log.With("exam", examID, "run", report.RunID)
	log.Info("ingestion started", "category", ing.cfg.Name, "provider", ing.cfg.Provider)

	runLog, err := NewRunLog(ing.LogDir, report.RunID, req.Exam, ing.cfg)
	if err != nil {
		// Continue without the audit file rather than failing the run
		log.Warn("failed to create run log", "error", err)
		runLog = nil
	}
	defer runLog.Close()

	if ing.db == nil && !req.DryRun {
		return ing.finish(ctx, report, runLog, log, req, errors.New("no database configured"))
	}

	if !req.DryRun {
		// held until the report is saved
		unlock, err := ing.lock(ctx, req)
		if err != nil {
			return ing.finish(ctx, report, runLog, log, req, err)
		}
		defer unlock()
	}

	doc, err := LoadDocument(ctx, ing.store, req.Exam)
	if err != nil {
		return ing.finish(ctx, report, runLog, log, req, fmt.Errorf("failed to load document: %w", err))
	}
	runLog.Logf("Document: %d pages, %d characters\n", doc.PageCount, len(doc.Text))

	blocks, err := Segment(doc, ing.patterns)
	if err != nil {
		return ing.finish(ctx, report, runLog, log, req, err)
	}
	batches := Batches(blocks, ing.cfg.MaxBatchSize)
	report.Blocks = len(blocks)
	report.Batches = len(batches)
	log.Info("document segmented", "pages", doc.PageCount, "blocks", len(blocks), "batches", len(batches))

	outcomes, tokens, err := ing.extract(ctx, examID, batches, runLog)
	report.TokensUsed = tokens
	if err != nil {
		return ing.finish(ctx, report, runLog, log, req, err)
	}

	var records []QuestionRecord
	for _, o := range outcomes {
		runLog.LogOutcome(o)
		if o.Accepted() {
			records = append(records, *o.Record)
		} else {
			report.addIssues(o.Rejection.Issue())
		}
	}
	sort.SliceStable(records, func(i, j int) bool { return records[i].BlockStart < records[j].BlockStart })

	deduped, decisions := Deduplicate(records)
	for _, d := range decisions {
		runLog.LogDedupResult(d)
		report.addIssues(d.Issue())
	}
	report.Accepted = len(deduped)
	report.addFlags(deduped)

	if req.DryRun {
		return ing.finish(ctx, report, runLog, log, req, nil)
	}

	res, err := ing.write(ctx, req, deduped)
	if err != nil {
		return ing.finish(ctx, report, runLog, log, req, err)
	}
	report.Stored = res.Inserted + res.Updated
	log.Info("questions stored", "inserted", res.Inserted, "updated", res.Updated, "unchanged", res.Unchanged)
	return ing.finish(ctx, report, runLog, log, req, nil)
}

// extract fans batches out to the extraction client and validates each
// response as it arrives. Outcomes come back in batch order.
func (ing *Ingestor) extract(ctx context.Context, examID string, batches [][]CandidateBlock, runLog *RunLog) ([]Outcome, int, error) {
	results := make([][]Outcome, len(batches))
	tokens := make([]int, len(batches))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ing.cfg.Concurrency)
	for i, batch := range batches {
		g.Go(func() error {
			ex, err := ing.client.ExtractBatch(gctx, batch, runLog)
			if err != nil {
				return fmt.Errorf("failed to extract blocks %s: %w", blockSpan(batch), err)
			}
			tokens[i] = ex.TokensUsed
			results[i] = ing.validator.ValidateExtraction(examID, ex)
			return nil
		})
	}
	err := g.Wait()

	total := 0
	for _, n := range tokens {
		total += n
	}
	if err != nil {
		return nil, total, err
	}
	if ctx.Err() != nil {
		return nil, total, ctx.Err()
	}

	var out []Outcome
	for _, r := range results {
		out = append(out, r...)
	}
	return out, total, nil
}

// lock takes the exam lock for a whole run, or fails at once under NoWait.
func (ing *Ingestor) lock(ctx context.Context, req IngestRequest) (func(), error) {
	if req.NoWait {
		return ing.locker.TryLock(ctx, req.Exam.String())
	}
	return ing.locker.Lock(ctx, req.Exam.String())
}

// write stores records; the caller holds the exam lock.
func (ing *Ingestor) write(ctx context.Context, req IngestRequest, records []QuestionRecord) (UpsertResult, error) {
	res, err := ing.db.UpsertQuestions(ctx, req.Exam, records)
	if err != nil {
		return UpsertResult{}, fmt.Errorf("failed to store questions: %w", err)
	}
	return res, nil
}

func (ing *Ingestor) finish(ctx context.Context, report *ValidationReport, runLog *RunLog, log *Logger, req IngestRequest, runErr error) (*ValidationReport, error) {
	report.FinishedAt = time.Now().UTC()
	report.sortIssues()
	if runErr != nil {
		report.Error = runErr.Error()
		log.Error("ingestion failed", "error", runErr)
		runLog.Logf("Run failed: %v\n", runErr)
	}

	if _, err := runLog.WriteReport(report); err != nil {
		log.Warn("failed to write report file", "error", err)
	}
	if ing.db != nil && !req.DryRun {
		// saved even when ctx was cancelled
		saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := ing.db.SaveReport(saveCtx, report); err != nil {
			log.Error("failed to save report", "error", err)
			runErr = errors.Join(runErr, err)
		}
	}

	log.Info("ingestion finished", "summary", report.Summary().String(),
		"duration", report.FinishedAt.Sub(report.StartedAt))
	return report, runErr
}
