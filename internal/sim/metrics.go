package sim

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the scheduler's Prometheus instruments. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	Dispatched      prometheus.Counter
	Timeouts        prometheus.Counter
	ZeroRetries     prometheus.Counter
	EpisodeDuration prometheus.Histogram
	Generation      prometheus.Gauge
	BestFitness     prometheus.Gauge
	MeanFitness     prometheus.Gauge
}

// NewMetrics builds the instruments and registers them on reg when reg is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Dispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "softbot_simulations_dispatched_total",
			Help: "Simulator processes launched.",
		}),
		Timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "softbot_simulation_timeouts_total",
			Help: "Evaluations whose result artifacts never appeared.",
		}),
		ZeroRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "softbot_zero_fitness_retries_total",
			Help: "Evaluations that returned exactly zero fitness and were re-read.",
		}),
		EpisodeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "softbot_episode_duration_seconds",
			Help:    "Wall time of one population episode, dispatch to last relocation.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
		Generation: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "softbot_generation",
			Help: "Last completed generation.",
		}),
		BestFitness: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "softbot_best_fitness",
			Help: "Best creature score of the last completed generation.",
		}),
		MeanFitness: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "softbot_mean_fitness",
			Help: "Mean creature score of the last completed generation.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Dispatched, m.Timeouts, m.ZeroRetries, m.EpisodeDuration, m.Generation, m.BestFitness, m.MeanFitness)
	}
	return m
}

func (m *Metrics) dispatched() {
	if m != nil {
		m.Dispatched.Inc()
	}
}

func (m *Metrics) timeout() {
	if m != nil {
		m.Timeouts.Inc()
	}
}

func (m *Metrics) zeroRetry() {
	if m != nil {
		m.ZeroRetries.Inc()
	}
}

func (m *Metrics) episode(seconds float64) {
	if m != nil {
		m.EpisodeDuration.Observe(seconds)
	}
}

// ObserveGeneration records the summary of a finished generation.
func (m *Metrics) ObserveGeneration(generation int, best, mean float64) {
	if m == nil {
		return
	}
	m.Generation.Set(float64(generation))
	m.BestFitness.Set(best)
	m.MeanFitness.Set(mean)
}
