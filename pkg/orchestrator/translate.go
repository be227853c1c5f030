package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/autoscribe/autoscribe/pkg/budget"
	"github.com/autoscribe/autoscribe/pkg/extract"
	"github.com/autoscribe/autoscribe/pkg/generation"
	"github.com/autoscribe/autoscribe/pkg/stores"
	"github.com/autoscribe/autoscribe/pkg/telemetry"
)

// translationWorkType keys translation estimates and metrics.
const translationWorkType = "translation"

func (o *Orchestrator) translate(ctx context.Context, report *TickReport, logger *telemetry.Logger) error {
	languages := o.cfg.TranslationLanguages
	if len(languages) == 0 {
		report.Status = StatusDisabled
		return nil
	}

	ctx, span := o.startPhase(ctx, PhaseTranslate)
	defer span.End()
	logger = logger.WithPhase(string(PhaseTranslate))

	snap, err := o.deps.Governor.Stats(ctx)
	if err != nil {
		return NewError(ErrorClassUnexpected, "failed to compute budget", err).WithPhase(PhaseTranslate)
	}
	o.recordBudget(snap)
	if snap.Exhausted() {
		report.Status = StatusBudgetExhausted
		return nil
	}

	pending, err := o.deps.Documents.PendingTranslations(ctx, languages, o.cfg.TranslationBatch)
	if err != nil {
		return NewError(ErrorClassUnexpected, "failed to list pending translations", err).WithPhase(PhaseTranslate)
	}
	if len(pending) == 0 {
		report.Status = StatusNoWork
		return nil
	}

	run := &translationRun{
		o:      o,
		report: report,
		logger: logger,
		day:    o.deps.Governor.Today(),
	}

	for i, p := range pending {
		if ctx.Err() != nil {
			report.Status = StatusCancelled
			return nil
		}
		if i > 0 {
			if err := o.sleep(ctx, o.cfg.PacingDelay); err != nil {
				report.Status = StatusCancelled
				return nil
			}
		}
		if err := o.renew(ctx, TranslateLock, PhaseTranslate); err != nil {
			return err
		}
		if err := o.deps.Documents.MarkTranslationAttempt(ctx, p.Article.ID); err != nil {
			return NewError(ErrorClassUnexpected, "failed to mark translation attempt", err).WithPhase(PhaseTranslate)
		}
		if err := run.article(ctx, p); err != nil {
			return err
		}
	}

	report.Status = StatusCompleted
	return nil
}

// translationRun fans out one article to its missing languages. Budget
// reservations, writes and report updates go through mu one unit at a time.
type translationRun struct {
	o      *Orchestrator
	report *TickReport
	logger *telemetry.Logger
	day    string

	mu sync.Mutex
	// estimates of units that passed the budget check but are not yet
	// recorded in the ledger
	reserved int64
}

func (r *translationRun) article(ctx context.Context, p stores.PendingTranslation) error {
	missing := p.Missing
	if len(missing) > r.o.cfg.MaxTranslationsPerArticle {
		missing = missing[:r.o.cfg.MaxTranslationsPerArticle]
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.o.cfg.MaxTranslationsPerArticle)
	for _, lang := range missing {
		g.Go(func() error {
			return r.unit(gctx, p.Article, lang)
		})
	}
	return g.Wait()
}

func (r *translationRun) unit(ctx context.Context, article stores.ArticleRecord, lang string) error {
	o := r.o
	log := r.logger.WithPartition(lang).WithField("article_id", article.ID)

	estimate := o.deps.Estimator.Adjusted(ctx, translationWorkType, lang, o.cfg.TranslationEstimate)
	decision, err := r.reserve(ctx, estimate)
	if err != nil {
		return NewError(ErrorClassUnexpected, "failed to check budget", err).WithPhase(PhaseTranslate)
	}
	if !decision.Allowed {
		r.mu.Lock()
		r.report.Skipped++
		r.mu.Unlock()
		o.metrics.RecordItem(kindTranslation, "skipped")
		o.metrics.RecordError(string(ErrorClassCapacityDenied))
		_ = o.events.PublishItemSkipped(r.report.TickID, lang, article.Title, string(decision.Reason))
		log.WithField("reason", string(decision.Reason)).Info("Translation skipped")
		return nil
	}
	defer r.release(estimate)

	req := generation.TranslationRequest(article.Body, article.Language, lang, o.cfg.TranslationMaxTokens)
	resp, genErr := o.generate(ctx, translationWorkType, req)

	var doc extract.Document
	if genErr == nil {
		doc = extract.Extract(resp.Content, extract.Hints{Topic: article.Title})
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.write(ctx, log, article, lang, resp, genErr, doc)
}

// write persists the result of one unit. Callers hold mu.
func (r *translationRun) write(ctx context.Context, log *telemetry.Logger, article stores.ArticleRecord, lang string, resp generation.Response, genErr error, doc extract.Document) error {
	o := r.o

	if resp.Usage.Total() > 0 {
		if err := o.deps.Usage.RecordUsage(ctx, r.day, resp.Usage.InputTokens, resp.Usage.OutputTokens); err != nil {
			return NewError(ErrorClassUnexpected, "failed to record usage", err).WithPhase(PhaseTranslate)
		}
		r.report.TokensUsed += resp.Usage.Total()
	}

	if genErr != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.report.Failed++
		o.metrics.RecordItem(kindTranslation, "failed")
		o.metrics.RecordError(string(ErrorClassUpstreamUnavailable))
		log.WithError(genErr).Warn("Translation failed")
		return nil
	}

	payload, err := json.Marshal(doc)
	if err != nil {
		return NewError(ErrorClassUnexpected, "failed to encode document", err).WithPhase(PhaseTranslate)
	}

	slug := extract.Slugify(doc.Title)
	if slug == "" {
		slug = article.Slug + "-" + lang
	}

	err = o.deps.Documents.InsertTranslation(ctx, stores.TranslationRecord{
		ID:              uuid.New().String(),
		ArticleID:       article.ID,
		Language:        lang,
		Slug:            slug,
		Title:           doc.Title,
		MetaDescription: doc.MetaDescription,
		Body:            extract.Render(doc),
		Document:        string(payload),
		ModelID:         resp.Model,
		InputTokens:     resp.Usage.InputTokens,
		OutputTokens:    resp.Usage.OutputTokens,
	})
	switch {
	case errors.Is(err, stores.ErrDuplicate):
		r.report.Duplicates++
		o.metrics.RecordItem(kindTranslation, "duplicate")
		o.metrics.RecordError(string(ErrorClassPersistenceConflict))
	case err != nil:
		return NewError(ErrorClassUnexpected, "failed to store translation", err).WithPhase(PhaseTranslate)
	default:
		r.report.Generated++
		o.metrics.RecordItem(kindTranslation, "generated")
		_ = o.events.PublishItemGenerated(r.report.TickID, lang, slug, resp.Usage.Total())
		log.WithField("slug", slug).WithField("tokens", resp.Usage.Total()).Info("Translation stored")
	}

	if err := o.deps.Estimator.Update(ctx, translationWorkType, lang, o.cfg.TranslationEstimate, resp.Usage.Total()); err != nil {
		log.WithError(err).Warn("Failed to update estimate model")
	}
	return nil
}

// reserve checks the budget for estimate on top of the units still in
// flight and reserves it when allowed.
func (r *translationRun) reserve(ctx context.Context, estimate int64) (budget.Decision, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, err := r.o.deps.Governor.CanRunOperation(ctx, r.reserved+estimate)
	if err != nil || !d.Allowed {
		return d, err
	}
	r.reserved += estimate
	return d, nil
}

func (r *translationRun) release(estimate int64) {
	r.mu.Lock()
	r.reserved -= estimate
	r.mu.Unlock()
}
