package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Relay agrupa los contadores del relay. Un *Relay nil es válido y no cuenta nada.
type Relay struct {
	persisted         prometheus.Counter
	deduplicated      prometheus.Counter
	alreadyProcessed  prometheus.Counter
	deliveries        *prometheus.CounterVec
	deliveryFailures  prometheus.Counter
	activeConnections prometheus.GaugeFunc
}

// NewRelay crea las métricas y las registra en reg. online alimenta el gauge de conexiones activas.
func NewRelay(reg prometheus.Registerer, online func() float64) (*Relay, error) {
	if online == nil {
		online = func() float64 { return 0 }
	}
	m := &Relay{
		persisted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_messages_persisted_total",
			Help: "Messages written to the store.",
		}),
		deduplicated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_messages_deduplicated_total",
			Help: "Sends collapsed into an existing message inside the dedup window.",
		}),
		alreadyProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_already_processed_total",
			Help: "Sends rejected because the message was already broadcast.",
		}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_deliveries_total",
			Help: "Broadcast attempts by result.",
		}, []string{"result"}),
		deliveryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_delivery_failures_total",
			Help: "Broadcasts that did not reach a live connection.",
		}),
		activeConnections: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "relay_active_connections",
			Help: "Identities with a live session.",
		}, online),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{
		m.persisted,
		m.deduplicated,
		m.alreadyProcessed,
		m.deliveries,
		m.deliveryFailures,
		m.activeConnections,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Relay) Persisted() {
	if m != nil {
		m.persisted.Inc()
	}
}

func (m *Relay) Deduplicated() {
	if m != nil {
		m.deduplicated.Inc()
	}
}

func (m *Relay) AlreadyProcessed() {
	if m != nil {
		m.alreadyProcessed.Inc()
	}
}

// Delivery cuenta un intento de broadcast; un fallo también incrementa relay_delivery_failures_total.
func (m *Relay) Delivery(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.deliveries.WithLabelValues("delivered").Inc()
		return
	}
	m.deliveries.WithLabelValues("failed").Inc()
	m.deliveryFailures.Inc()
}
