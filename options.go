package sketch

type options struct {
	threadPoolSize     int
	initialNodeRecords uint64
	logger             *Logger
	metrics            MetricsCollector
}

// Option configures Engine construction.
type Option func(*options)

// WithThreadPoolSize sets the number of workers in the shared fan-out
// pool. The default is the hardware concurrency with a floor of 4.
func WithThreadPoolSize(n int) Option {
	return func(o *options) {
		o.threadPoolSize = n
	}
}

// WithInitialNodeRecords sets the slot capacity each node's record store
// is created with. The default is 64M slots per node.
func WithInitialNodeRecords(n uint64) Option {
	return func(o *options) {
		if n > 0 {
			o.initialNodeRecords = n
		}
	}
}

// WithLogger sets the engine logger. If nil is passed, logging is
// disabled.
func WithLogger(l *Logger) Option {
	return func(o *options) {
		if l == nil {
			l = NoopLogger()
		}
		o.logger = l
	}
}

// WithMetrics sets the metrics collector. If nil is passed, metrics are
// disabled.
func WithMetrics(m MetricsCollector) Option {
	return func(o *options) {
		if m == nil {
			m = NoopMetricsCollector{}
		}
		o.metrics = m
	}
}
