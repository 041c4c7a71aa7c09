package observability

import "time"

// NoopMetricsClient is a MetricsClient that discards everything
type NoopMetricsClient struct{}

// NewMetricsClient creates the default metrics client. The default is a noop
// client; services that expose /metrics construct a PrometheusMetricsClient
// explicitly and thread it through.
func NewMetricsClient() MetricsClient { return &NoopMetricsClient{} }

// RecordCounter implements MetricsClient.RecordCounter
func (c *NoopMetricsClient) RecordCounter(name string, value float64, labels map[string]string) {}

// IncrementCounter implements MetricsClient.IncrementCounter
func (c *NoopMetricsClient) IncrementCounter(name string, value float64) {}

// RecordGauge implements MetricsClient.RecordGauge
func (c *NoopMetricsClient) RecordGauge(name string, value float64, labels map[string]string) {}

// RecordHistogram implements MetricsClient.RecordHistogram
func (c *NoopMetricsClient) RecordHistogram(name string, value float64, labels map[string]string) {}

// RecordDuration implements MetricsClient.RecordDuration
func (c *NoopMetricsClient) RecordDuration(name string, duration time.Duration) {}

// Close implements MetricsClient.Close
func (c *NoopMetricsClient) Close() error { return nil }
