package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds every pipeline metrics instrument: spec.md §8/SPEC_FULL
// §4.14's dispatch ticks, phase transitions, queue depth, retry and
// dead-letter counts.
type Metrics struct {
	SchedulerTicks    metric.Int64Counter
	TasksDispatched   metric.Int64Counter
	PhaseDuration     metric.Float64Histogram
	PhaseTransitions  metric.Int64Counter
	QueueDepth        metric.Int64UpDownCounter
	ActiveDispatched  metric.Int64UpDownCounter
	TaskRetries       metric.Int64Counter
	TasksDeadLettered metric.Int64Counter
	LeasesReclaimed   metric.Int64Counter
	SentinelBlocks    metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.SchedulerTicks, err = meter.Int64Counter("pipeline.scheduler.ticks",
		metric.WithDescription("Scheduler tick count"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksDispatched, err = meter.Int64Counter("pipeline.tasks.dispatched",
		metric.WithDescription("Tasks handed to a worker"),
	)
	if err != nil {
		return nil, err
	}

	m.PhaseDuration, err = meter.Float64Histogram("pipeline.phase.duration",
		metric.WithDescription("Phase execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.PhaseTransitions, err = meter.Int64Counter("pipeline.phase.transitions",
		metric.WithDescription("Phase transitions, labeled by outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.QueueDepth, err = meter.Int64UpDownCounter("pipeline.queue.depth",
		metric.WithDescription("Number of active (non-terminal) tasks"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveDispatched, err = meter.Int64UpDownCounter("pipeline.dispatched.active",
		metric.WithDescription("Number of tasks currently leased to a worker"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskRetries, err = meter.Int64Counter("pipeline.tasks.retries",
		metric.WithDescription("Task retry count"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksDeadLettered, err = meter.Int64Counter("pipeline.tasks.dead_lettered",
		metric.WithDescription("Tasks escalated to dead-letter"),
	)
	if err != nil {
		return nil, err
	}

	m.LeasesReclaimed, err = meter.Int64Counter("pipeline.leases.reclaimed",
		metric.WithDescription("Expired dispatch leases reclaimed by the scheduler"),
	)
	if err != nil {
		return nil, err
	}

	m.SentinelBlocks, err = meter.Int64Counter("pipeline.sentinel.blocks",
		metric.WithDescription("Sentinel-marker phase-result blocks detected"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
