package orchestrator

import "time"

// TickReport summarises one primary tick or translation pass.
type TickReport struct {
	TickID         string        `json:"tick_id" yaml:"tick_id"`
	Kind           string        `json:"kind" yaml:"kind"`
	Status         Status        `json:"status" yaml:"status"`
	Generated      int           `json:"generated" yaml:"generated"`
	Skipped        int           `json:"skipped" yaml:"skipped"`
	Duplicates     int           `json:"duplicates" yaml:"duplicates"`
	Failed         int           `json:"failed" yaml:"failed"`
	TokensUsed     int64         `json:"tokens_used" yaml:"tokens_used"`
	QueueRemaining int           `json:"queue_remaining" yaml:"queue_remaining"`
	StartedAt      time.Time     `json:"started_at" yaml:"started_at"`
	Duration       time.Duration `json:"duration" yaml:"duration"`
	Error          string        `json:"error,omitempty" yaml:"error,omitempty"`
}

func (r TickReport) fields() map[string]interface{} {
	return map[string]interface{}{
		"kind":            r.Kind,
		"status":          string(r.Status),
		"generated":       r.Generated,
		"skipped":         r.Skipped,
		"duplicates":      r.Duplicates,
		"failed":          r.Failed,
		"tokens_used":     r.TokensUsed,
		"queue_remaining": r.QueueRemaining,
		"duration_ms":     r.Duration.Milliseconds(),
	}
}
