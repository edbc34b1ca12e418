package autosender

import "autosender/observability"

// Metrics exposes Prometheus collectors for engine instrumentation.
type Metrics = observability.AutosenderMetrics

// NewMetrics returns a lazily initialised metrics registry.
func NewMetrics() *Metrics { return observability.Autosender() }
