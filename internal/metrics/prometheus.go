package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "json_upsert"

// Register exposes every counter as a Prometheus CounterFunc on reg.
// The atomic fields stay the single source of truth.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.counters() {
		value := c.value
		collector := prometheus.NewCounterFunc(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      c.name,
				Help:      c.help,
			},
			func() float64 { return float64(atomic.LoadInt64(value)) },
		)
		if err := reg.Register(collector); err != nil {
			return err
		}
	}

	return nil
}
