// Package telemetry provides observability instrumentation for autoscribe.
//
// It integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus) and an in-process event publisher.
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	if err := tel.StartMetricsServer(); err != nil {
//	    return err
//	}
//
// # Structured Logging
//
//	logger := tel.Logger.NewComponentLogger("orchestrator")
//	logger = logger.WithTickID(tickID).WithPhase("DRAIN_QUEUE")
//	logger.Info("Draining queue")
//	logger.WithError(err).Error("Generation failed")
//
// Log levels: trace, debug, info, warn, error, fatal
//
// # Tracing
//
// Every tick gets a root span, each phase a child span and each work item a
// span below its phase:
//
//	ctx, span := tel.Tracer.StartTickSpan(ctx, tickID, "primary")
//	defer span.End()
//
// # Metrics
//
// Metrics live in a private registry exposed by StartMetricsServer. Budget
// gauges, breaker state, estimator error, queue depth, tick and item counters
// are updated by the components that own them.
//
// # Events
//
// The EventPublisher delivers tick, item, breaker and budget events to
// in-process subscribers, asynchronously when EnableAsync is set:
//
//	tel.Events.Subscribe(telemetry.LogSink(tel.Logger),
//	    telemetry.FilterByType(telemetry.EventTypeTickCompleted))
package telemetry
