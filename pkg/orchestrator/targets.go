package orchestrator

import (
	"cmp"
	"context"
	"slices"
	"strings"

	"github.com/autoscribe/autoscribe/pkg/config"
	"github.com/autoscribe/autoscribe/pkg/discovery"
	"github.com/autoscribe/autoscribe/pkg/extract"
	"github.com/autoscribe/autoscribe/pkg/queue"
	"github.com/autoscribe/autoscribe/pkg/stores"
	"github.com/autoscribe/autoscribe/pkg/telemetry"
)

// scoreEpsilon keeps a zero weight from zeroing the whole product.
const scoreEpsilon = 0.01

// DefaultScore is the weighted product of language, work type and category
// weight.
func DefaultScore(languageWeight, typeWeight, categoryWeight float64) float64 {
	return (languageWeight + scoreEpsilon) * (typeWeight + scoreEpsilon) * (categoryWeight + scoreEpsilon)
}

// ItemSlug is the document slug a work item produces. It is derived from the
// topic so a regenerated item collides with the stored document.
func ItemSlug(item queue.WorkItem) string {
	if item.WorkType == "" || item.WorkType == "article" {
		return extract.Slugify(item.Topic)
	}
	return extract.Slugify(item.WorkType + " " + item.Topic)
}

// buildTargets discovers topics for every language, drops those already
// published, scores the rest and keeps the best limit items.
func (o *Orchestrator) buildTargets(ctx context.Context, logger *telemetry.Logger, limit int) ([]queue.WorkItem, error) {
	categories, err := o.deps.Categories.ListCategories(ctx)
	if err != nil {
		return nil, NewError(ErrorClassUnexpected, "failed to list categories", err).WithPhase(PhaseBuildQueue)
	}
	if len(categories) == 0 {
		return nil, NewError(ErrorClassConfiguration, "cannot build a queue", ErrNoCategories).WithPhase(PhaseBuildQueue)
	}

	bySlug := make(map[string]stores.Category, len(categories))
	for _, c := range categories {
		bySlug[c.Slug] = c
	}

	w := o.weights()
	workTypes := make([]string, 0, len(w.WorkTypes))
	for wt := range w.WorkTypes {
		workTypes = append(workTypes, wt)
	}
	slices.Sort(workTypes)

	var candidates []queue.WorkItem
	seen := make(map[string]bool)

	for _, lang := range o.cfg.Languages {
		topics, err := o.deps.Discoverer.Discover(ctx, lang, categories, o.cfg.TopicsPerCategory)
		if err != nil || len(topics) == 0 {
			logger.WithPartition(lang).WithError(err).
				WithField("error_class", string(ErrorClassUpstreamUnavailable)).
				Warn("Discovery returned nothing, using evergreen topics")
			topics = discovery.Evergreen(categories, o.cfg.TopicsPerCategory)
		}

		for _, t := range topics {
			cat, ok := bySlug[t.Category]
			if !ok {
				continue
			}

			for _, workType := range workTypes {
				item := queue.WorkItem{
					Partition:    lang,
					CategoryID:   cat.ID,
					CategorySlug: cat.Slug,
					CategoryName: cat.Name,
					Topic:        t.Topic,
					WorkType:     workType,
					Complexity:   o.cfg.Complexity,
				}

				slug := ItemSlug(item)
				if slug == "" || seen[lang+"/"+slug] {
					continue
				}
				seen[lang+"/"+slug] = true

				exists, err := o.deps.Documents.HasArticle(ctx, lang, slug)
				if err != nil {
					return nil, NewError(ErrorClassUnexpected, "failed to check existing documents", err).WithPhase(PhaseBuildQueue)
				}
				if exists {
					continue
				}

				item.PriorityScore = o.score(ctx, logger, item, w, cat)
				item.EstimatedCost = o.deps.Estimator.Adjusted(ctx, workType, lang, o.cfg.ArticleEstimate)
				candidates = append(candidates, item)
			}
		}
	}

	rank(candidates)
	if limit >= 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	return candidates, nil
}

func (o *Orchestrator) score(ctx context.Context, logger *telemetry.Logger, item queue.WorkItem, w config.Weights, cat stores.Category) float64 {
	langW := w.Languages[item.Partition]
	typeW := w.WorkTypes[item.WorkType]
	def := DefaultScore(langW, typeW, cat.Weight)

	if o.deps.Scorer == nil {
		return def
	}

	s, err := o.deps.Scorer.Score(ctx, config.ScoreInput{
		Partition:      item.Partition,
		Category:       item.CategorySlug,
		Topic:          item.Topic,
		WorkType:       item.WorkType,
		LanguageWeight: langW,
		TypeWeight:     typeW,
		CategoryWeight: cat.Weight,
		Default:        def,
	})
	if err != nil {
		logger.WithError(err).WithField("topic", item.Topic).Warn("Scoring script failed, using default score")
		return def
	}
	return s
}

// rank orders items by descending score. Equal scores are ordered by topic
// and the sort is stable otherwise.
func rank(items []queue.WorkItem) {
	slices.SortStableFunc(items, func(a, b queue.WorkItem) int {
		if c := cmp.Compare(b.PriorityScore, a.PriorityScore); c != 0 {
			return c
		}
		return strings.Compare(a.Topic, b.Topic)
	})
}
