package cache

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the counters a Cache maintains. They are created unregistered;
// call Register to expose them.
type Metrics struct {
	Hits         prometheus.Counter
	Misses       prometheus.Counter
	Evictions    prometheus.Counter
	LoadFailures prometheus.Counter
}

func NewMetrics(namespace, subsystem string) *Metrics {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		})
	}
	return &Metrics{
		Hits:         counter("hits_total", "Lookups served by an entry already cached or being loaded."),
		Misses:       counter("misses_total", "Lookups that started a load."),
		Evictions:    counter("evictions_total", "Entries pushed out by the capacity bound."),
		LoadFailures: counter("load_failures_total", "Loads that returned an error."),
	}
}

// Register registers every counter with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{m.Hits, m.Misses, m.Evictions, m.LoadFailures} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
