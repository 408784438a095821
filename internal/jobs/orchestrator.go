// Package jobs accepts generation jobs, hands them to a dispatcher and runs the worker body
// that turns a PENDING record into a COMPLETED or FAILED one.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/mohammad-safakhou/specforge/config"
	"github.com/mohammad-safakhou/specforge/internal/alignment"
	"github.com/mohammad-safakhou/specforge/internal/document"
	"github.com/mohammad-safakhou/specforge/internal/events"
	"github.com/mohammad-safakhou/specforge/internal/gatekeeper"
	"github.com/mohammad-safakhou/specforge/internal/lint"
	"github.com/mohammad-safakhou/specforge/internal/llm"
	"github.com/mohammad-safakhou/specforge/internal/logging"
	"github.com/mohammad-safakhou/specforge/internal/retrieval"
	"github.com/mohammad-safakhou/specforge/internal/store"
)

// Store is the persistence the orchestrator needs.
type Store interface {
	CreateSpecRecord(ctx context.Context, in store.NewSpec) (store.SpecRecord, error)
	GetSpecRecord(ctx context.Context, id string) (store.SpecRecord, bool, error)
	GetSpecStatus(ctx context.Context, id string) (store.SpecStatus, bool, error)
	CompleteSpecRecord(ctx context.Context, id string, doc json.RawMessage, metadata map[string]interface{}) (bool, error)
	FailSpecRecord(ctx context.Context, id string, metadata map[string]interface{}) (bool, error)
	UpsertGraphNode(ctx context.Context, projectID, name, nodeType string) (string, error)
	UpsertGraphEdge(ctx context.Context, projectID, sourceID, targetID, relation string) error
	ListStalePending(ctx context.Context, age time.Duration, limit int) ([]string, error)
}

// Retriever assembles grounding context. Implemented by *retrieval.Assembler.
type Retriever interface {
	Retrieve(ctx context.Context, query, projectID string, limit int) []retrieval.Fragment
	Format(fragments []retrieval.Fragment) string
}

// Aligner checks generated content against the intent. Implemented by *alignment.Checker.
type Aligner interface {
	Check(ctx context.Context, intent, validatedContext, content string) alignment.Result
}

// Admitter decides whether an intent may be generated. Implemented by *gatekeeper.Service.
type Admitter interface {
	Admit(ctx context.Context, in gatekeeper.Intent) (gatekeeper.Result, error)
}

// LineageInvalidator drops cached lineage listings once a record changes.
type LineageInvalidator interface {
	Invalidate(ctx context.Context, rootID string)
}

// Options wires the orchestrator's collaborators. Admitter, Retriever, Aligner, Events, Lineage
// and Tracer are optional; without an Admitter every valid submission is admitted.
type Options struct {
	Store      Store
	Generator  llm.Generator
	Admitter   Admitter
	Retriever  Retriever
	Aligner    Aligner
	Dispatcher Dispatcher
	Events     *events.Notifier
	Lineage    LineageInvalidator
	Tracer     trace.Tracer
	Logger     *zap.Logger

	Model            string
	MaxInputChars    int
	RetrievalLimit   int
	AlignmentEnabled bool
}

// OptionsFromConfig fills the scalar settings from cfg.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Model:            cfg.LLM.Model,
		MaxInputChars:    cfg.Submission.MaxInputChars,
		RetrievalLimit:   cfg.Retrieval.Limit,
		AlignmentEnabled: cfg.Alignment.Enabled,
	}
}

// Orchestrator implements Submit, Status and the worker body.
type Orchestrator struct {
	opts   Options
	tracer trace.Tracer
	logger *zap.Logger
}

func New(opts Options) *Orchestrator {
	tracer := opts.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("jobs")
	}
	if opts.RetrievalLimit <= 0 {
		opts.RetrievalLimit = 8
	}
	return &Orchestrator{opts: opts, tracer: tracer, logger: logging.OrNop(opts.Logger).Named("jobs")}
}

// SetDispatcher installs the dispatcher after construction; the local pool needs the
// orchestrator to exist first.
func (o *Orchestrator) SetDispatcher(d Dispatcher) { o.opts.Dispatcher = d }

// Submit validates req, runs it past the gatekeeper, creates the PENDING record and dispatches
// it. A FAIL or CLARIFICATION_REQUIRED verdict is returned in the result, not as an error, and
// creates no record.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	req.InputText = strings.TrimSpace(req.InputText)
	if err := req.Validate(o.opts.MaxInputChars); err != nil {
		return SubmitResult{}, err
	}
	if o.opts.Admitter != nil {
		verdict, err := o.opts.Admitter.Admit(ctx, gatekeeper.Intent{
			ProjectID: req.ProjectID,
			Text:      req.InputText,
			Answers:   req.Answers,
		})
		if err != nil {
			return SubmitResult{}, fmt.Errorf("gatekeeper: %w", err)
		}
		if verdict.Status != gatekeeper.StatusPass {
			jobsNotAdmitted.WithLabelValues(string(verdict.Status)).Inc()
			o.logger.Info("submission not admitted",
				zap.String("owner_id", req.OwnerID),
				zap.String("status", string(verdict.Status)),
				zap.Int("questions", len(verdict.Questions)))
			return SubmitResult{Status: string(verdict.Status), Gatekeeper: &verdict}, nil
		}
	}

	meta := map[string]interface{}{}
	if len(req.Settings) > 0 {
		meta["settings"] = req.Settings
	}
	if vc := strings.TrimSpace(req.ValidatedContext); vc != "" {
		meta["validated_context"] = vc
	}
	rec, err := o.opts.Store.CreateSpecRecord(ctx, store.NewSpec{
		OwnerID:   req.OwnerID,
		ProjectID: req.ProjectID,
		RootID:    req.RootID,
		ParentID:  req.ParentID,
		Status:    store.StatusPending,
		InputText: req.InputText,
		Metadata:  meta,
	})
	if err != nil {
		return SubmitResult{}, err
	}
	jobsSubmitted.Inc()
	o.logger.Info("job submitted",
		zap.String("job_id", rec.ID),
		zap.String("root_id", rec.RootID),
		zap.Int("version", rec.Version))
	o.opts.Events.Notify(ctx, events.Lifecycle{
		JobID: rec.ID, Stage: events.StageSubmitted, OwnerID: rec.OwnerID, RootID: rec.RootID, Version: rec.Version,
	})
	if o.opts.Lineage != nil && rec.Version > 1 {
		o.opts.Lineage.Invalidate(ctx, rec.RootID)
	}
	o.indexGraph(ctx, rec.ProjectID, rec.InputText)

	res := SubmitResult{JobID: rec.ID, RootID: rec.RootID, Version: rec.Version, Status: string(store.StatusPending)}
	if o.opts.Dispatcher == nil {
		err = errors.New("no dispatcher configured")
	} else {
		err = o.opts.Dispatcher.Dispatch(ctx, Job{ID: rec.ID, OwnerID: rec.OwnerID, ProjectID: rec.ProjectID, Settings: req.Settings})
	}
	if err != nil {
		mode := "none"
		if o.opts.Dispatcher != nil {
			mode = o.opts.Dispatcher.Mode()
		}
		dispatchFailures.WithLabelValues(mode).Inc()
		// the caller must not be left holding a PENDING record nobody will pick up
		failErr := o.fail(context.WithoutCancel(ctx), rec, "dispatch", err, map[string]interface{}{"dispatch_error": err.Error()})
		if failErr != nil {
			o.logger.Error("could not fail undispatched job", zap.String("job_id", rec.ID), zap.Error(failErr))
		}
		res.Status = string(store.StatusFailed)
		return res, fmt.Errorf("%w: %v", ErrDispatch, err)
	}
	return res, nil
}

// indexGraph records entities and relations named in the input. Best effort.
func (o *Orchestrator) indexGraph(ctx context.Context, projectID, text string) {
	ids := map[string]string{}
	node := func(name string) (string, error) {
		key := strings.ToLower(name)
		if id, ok := ids[key]; ok {
			return id, nil
		}
		id, err := o.opts.Store.UpsertGraphNode(ctx, projectID, name, "entity")
		if err != nil {
			return "", err
		}
		ids[key] = id
		return id, nil
	}
	for _, name := range retrieval.ExtractEntities(text) {
		if _, err := node(name); err != nil {
			o.logger.Warn("graph node upsert failed", zap.String("project_id", projectID), zap.Error(err))
			return
		}
	}
	for _, rel := range retrieval.ExtractRelations(text) {
		src, err := node(rel.Source)
		if err == nil {
			var dst string
			if dst, err = node(rel.Target); err == nil {
				err = o.opts.Store.UpsertGraphEdge(ctx, projectID, src, dst, rel.Relation)
			}
		}
		if err != nil {
			o.logger.Warn("graph edge upsert failed", zap.String("project_id", projectID), zap.Error(err))
			return
		}
	}
}

// Status reports the job's record status, or unknown for ids that name no record.
func (o *Orchestrator) Status(ctx context.Context, jobID string) (StatusResult, error) {
	res := StatusResult{JobID: jobID, Status: StatusUnknown}
	if _, err := uuid.Parse(jobID); err != nil {
		return res, nil
	}
	status, ok, err := o.opts.Store.GetSpecStatus(ctx, jobID)
	if err != nil {
		return res, fmt.Errorf("job status: %w", err)
	}
	if ok {
		res.Status = string(status)
	}
	return res, nil
}

// Process is the worker body. It is a no-op for records that are not PENDING, so redelivery
// is safe. It returns nil once the record is terminal and an error when it could not get
// there, in which case the transport may retry.
func (o *Orchestrator) Process(ctx context.Context, jobID string) (err error) {
	ctx, span := o.tracer.Start(ctx, "jobs.process", trace.WithAttributes(attribute.String("job.id", jobID)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	rec, ok, err := o.opts.Store.GetSpecRecord(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", jobID, err)
	}
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, store.ErrNotFound)
	}
	if rec.Status != store.StatusPending {
		o.logger.Debug("skip non-pending job", zap.String("job_id", jobID), zap.String("status", string(rec.Status)))
		return nil
	}
	span.SetAttributes(attribute.String("lineage.root", rec.RootID), attribute.Int("lineage.version", rec.Version))

	started := time.Now()
	doc, meta, genErr := o.generate(ctx, rec)
	if genErr != nil {
		if ctx.Err() != nil {
			// shutting down: leave the record PENDING for redelivery
			return ctx.Err()
		}
		category := string(llm.KindOf(genErr))
		if category == "" {
			category = "internal"
		}
		if err := o.fail(ctx, rec, category, genErr, nil); err != nil {
			return err
		}
		jobDuration.WithLabelValues(string(store.StatusFailed)).Observe(time.Since(started).Seconds())
		return nil
	}

	meta["completed_at"] = time.Now().UTC().Format(time.RFC3339)
	meta["model"] = o.opts.Model
	meta["persona"] = llm.Author.Name
	changed, err := o.opts.Store.CompleteSpecRecord(ctx, rec.ID, doc, meta)
	if err != nil {
		return fmt.Errorf("complete job %s: %w", rec.ID, err)
	}
	if !changed {
		o.logger.Info("job already terminal", zap.String("job_id", rec.ID))
		return nil
	}
	jobsFinished.WithLabelValues(string(store.StatusCompleted), "").Inc()
	jobDuration.WithLabelValues(string(store.StatusCompleted)).Observe(time.Since(started).Seconds())
	o.logger.Info("job completed",
		zap.String("job_id", rec.ID),
		zap.Duration("took", time.Since(started)))
	o.afterTerminal(ctx, rec, events.StageCompleted, "")
	return nil
}

var documentShape = llm.MustShape("specification_document", document.SchemaJSON(), "document", "specification", "result")

// generate runs retrieval, generation, linting and the alignment check for rec.
func (o *Orchestrator) generate(ctx context.Context, rec store.SpecRecord) (json.RawMessage, map[string]interface{}, error) {
	meta := map[string]interface{}{}

	grounding := ""
	if o.opts.Retriever != nil {
		frags := o.opts.Retriever.Retrieve(ctx, rec.InputText, rec.ProjectID, o.opts.RetrievalLimit)
		grounding = o.opts.Retriever.Format(frags)
		meta["retrieval"] = map[string]interface{}{"fragments": len(frags)}
	}

	raw, err := o.opts.Generator.Generate(ctx, llm.Author, buildPrompt(rec, grounding), documentShape)
	if err != nil {
		return nil, nil, err
	}
	payload, err := documentShape.Extract(raw)
	if err != nil {
		return nil, nil, err
	}
	if payload, err = document.Sanitize(payload); err != nil {
		return nil, nil, &llm.Error{Kind: llm.KindInvalidResponse, Err: err}
	}
	var doc document.Document
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, nil, &llm.Error{Kind: llm.KindInvalidResponse, Err: fmt.Errorf("decode document: %w", err)}
	}

	quality := lint.Lint(doc)
	meta["quality"] = quality

	if o.opts.AlignmentEnabled && o.opts.Aligner != nil {
		validated, _ := rec.Metadata["validated_context"].(string)
		meta["alignment"] = o.opts.Aligner.Check(ctx, rec.InputText, validated, doc.Text())
	}
	return payload, meta, nil
}

func buildPrompt(rec store.SpecRecord, grounding string) string {
	var b strings.Builder
	b.WriteString("Write a specification document for the following project description.\n\n")
	b.WriteString("Project description:\n")
	b.WriteString(rec.InputText)
	b.WriteString("\n")
	if vc, _ := rec.Metadata["validated_context"].(string); vc != "" {
		b.WriteString("\nClarified details:\n")
		b.WriteString(vc)
		b.WriteString("\n")
	}
	if settings, ok := rec.Metadata["settings"].(map[string]interface{}); ok && len(settings) > 0 {
		if raw, err := json.Marshal(settings); err == nil {
			b.WriteString("\nGeneration settings:\n")
			b.Write(raw)
			b.WriteString("\n")
		}
	}
	if grounding != "" {
		b.WriteString("\nReference material from accepted specifications. Reuse it where it fits; verbatim tiers may be copied, lower tiers only inform:\n")
		b.WriteString(grounding)
		b.WriteString("\n")
	}
	return b.String()
}

// Fail moves a PENDING job to FAILED. Used by transports that give up on a job.
func (o *Orchestrator) Fail(ctx context.Context, jobID, category string, cause error) error {
	rec, ok, err := o.opts.Store.GetSpecRecord(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", jobID, err)
	}
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, store.ErrNotFound)
	}
	return o.fail(ctx, rec, category, cause, nil)
}

func (o *Orchestrator) fail(ctx context.Context, rec store.SpecRecord, category string, cause error, extra map[string]interface{}) error {
	meta := map[string]interface{}{
		"error": map[string]interface{}{
			"category": category,
			"message":  cause.Error(),
		},
		"failed_at": time.Now().UTC().Format(time.RFC3339),
	}
	var llmErr *llm.Error
	if errors.As(cause, &llmErr) && llmErr.RetryAfter > 0 {
		meta["error"].(map[string]interface{})["retry_after"] = int(llmErr.RetryAfter.Seconds())
	}
	for k, v := range extra {
		meta[k] = v
	}
	changed, err := o.opts.Store.FailSpecRecord(ctx, rec.ID, meta)
	if err != nil {
		return fmt.Errorf("fail job %s: %w", rec.ID, err)
	}
	if !changed {
		return nil
	}
	jobsFinished.WithLabelValues(string(store.StatusFailed), category).Inc()
	o.logger.Warn("job failed",
		zap.String("job_id", rec.ID),
		zap.String("category", category),
		zap.Error(cause))
	o.afterTerminal(ctx, rec, events.StageFailed, category)
	return nil
}

func (o *Orchestrator) afterTerminal(ctx context.Context, rec store.SpecRecord, stage, reason string) {
	o.opts.Events.Notify(ctx, events.Lifecycle{
		JobID: rec.ID, Stage: stage, OwnerID: rec.OwnerID, RootID: rec.RootID, Version: rec.Version, Reason: reason,
	})
	if o.opts.Lineage != nil {
		o.opts.Lineage.Invalidate(ctx, rec.RootID)
	}
}
