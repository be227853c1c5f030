package budget

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/autoscribe/autoscribe/pkg/stores"
	"github.com/autoscribe/autoscribe/pkg/telemetry"
)

const estimatesKey = "budget:estimates"

const (
	maxSamples = 50
	minSamples = 5
)

// Model is the learned estimation error for one (work type, partition) key.
// AvgError is always the mean of Samples.
type Model struct {
	Samples  []float64 `json:"samples" yaml:"samples"`
	AvgError float64   `json:"avg_error" yaml:"avg_error"`
}

func (m *Model) add(sample float64) {
	m.Samples = append(m.Samples, sample)
	if len(m.Samples) > maxSamples {
		m.Samples = append([]float64(nil), m.Samples[len(m.Samples)-maxSamples:]...)
	}

	var sum float64
	for _, s := range m.Samples {
		sum += s
	}
	m.AvgError = sum / float64(len(m.Samples))
}

// Estimator adjusts base cost estimates using recorded relative errors.
type Estimator struct {
	store   stores.StateStore
	logger  *telemetry.Logger
	metrics *telemetry.Metrics

	mu sync.Mutex
}

// NewEstimator creates an estimator persisting its models in store.
func NewEstimator(store stores.StateStore, tel *telemetry.Telemetry) *Estimator {
	e := &Estimator{
		store:  store,
		logger: telemetry.NewNopLogger(),
	}
	if tel != nil {
		e.logger = tel.Logger.NewComponentLogger("estimator")
		e.metrics = tel.Metrics
	}
	return e
}

// ModelKey returns the storage key of a work type and partition.
func ModelKey(workType, partition string) string {
	return workType + ":" + partition
}

// load reads every model. A missing key yields an empty map; read and
// decode failures are returned so callers never write back a truncated set.
func (e *Estimator) load(ctx context.Context) (map[string]Model, error) {
	var models map[string]Model
	if _, err := e.store.Get(ctx, estimatesKey, &models); err != nil {
		return nil, fmt.Errorf("failed to load estimate models: %w", err)
	}
	if models == nil {
		models = map[string]Model{}
	}
	return models, nil
}

// loadOrEmpty is load for read paths, which degrade to unadjusted estimates.
func (e *Estimator) loadOrEmpty(ctx context.Context) map[string]Model {
	models, err := e.load(ctx)
	if err != nil {
		e.logger.WithError(err).Warn("Estimate models unavailable")
		return map[string]Model{}
	}
	return models
}

// Adjusted returns base corrected by the learned average error once at
// least five samples exist for the key. The result is never below 1.
func (e *Estimator) Adjusted(ctx context.Context, workType, partition string, base int64) int64 {
	e.mu.Lock()
	m, ok := e.loadOrEmpty(ctx)[ModelKey(workType, partition)]
	e.mu.Unlock()

	if !ok || len(m.Samples) < minSamples {
		return base
	}

	adjusted := int64(math.Round(float64(base) * (1 + m.AvgError)))
	return max(1, adjusted)
}

// Update records the relative error of one estimate. estimated must be the
// unadjusted base that was passed to Adjusted. Non-positive estimates carry
// no information and are ignored.
func (e *Estimator) Update(ctx context.Context, workType, partition string, estimated, actual int64) error {
	if estimated <= 0 {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	key := ModelKey(workType, partition)
	models, err := e.load(ctx)
	if err != nil {
		return err
	}
	m := models[key]
	m.add(float64(actual-estimated) / float64(estimated))
	models[key] = m

	if err := e.store.Set(ctx, estimatesKey, models); err != nil {
		return fmt.Errorf("failed to persist estimate model %s: %w", key, err)
	}

	e.metrics.SetEstimatorError(workType, partition, m.AvgError)
	e.logger.WithField("key", key).
		WithField("estimated", estimated).
		WithField("actual", actual).
		WithField("avg_error", m.AvgError).
		Debug("Estimate model updated")

	return nil
}

// Model returns the model for a work type and partition.
func (e *Estimator) Model(ctx context.Context, workType, partition string) (Model, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	m, ok := e.loadOrEmpty(ctx)[ModelKey(workType, partition)]
	return m, ok
}

// Keys returns every model key in sorted order.
func (e *Estimator) Keys(ctx context.Context) []string {
	e.mu.Lock()
	models := e.loadOrEmpty(ctx)
	e.mu.Unlock()

	keys := make([]string, 0, len(models))
	for k := range models {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
