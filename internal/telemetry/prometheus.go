package telemetry

import "github.com/prometheus/client_golang/prometheus"

const livelookNamespace string = "livelook"

var (
	promConnections prometheus.Gauge
	promRooms       prometheus.Gauge
	promTransports  prometheus.Gauge
	promProducers   prometheus.Gauge
	promConsumers   prometheus.Gauge

	MessageCounter *prometheus.CounterVec
)

func init() {
	promConnections = newGauge("signal", "connections")
	promRooms = newGauge("signal", "rooms")
	promTransports = newGauge("media", "transports")
	promProducers = newGauge("media", "producers")
	promConsumers = newGauge("media", "consumers")

	MessageCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: livelookNamespace,
			Subsystem: "signal",
			Name:      "messages_total",
		},
		[]string{"type", "status"},
	)

	prometheus.MustRegister(promConnections, promRooms, promTransports, promProducers, promConsumers)
	prometheus.MustRegister(MessageCounter)
}

func newGauge(subsystem, name string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: livelookNamespace,
		Subsystem: subsystem,
		Name:      name,
	})
}

func ConnectionOpened() {
	promConnections.Inc()
}

func ConnectionClosed() {
	promConnections.Dec()
}

func RoomCreated() {
	promRooms.Inc()
}

func RoomDestroyed() {
	promRooms.Dec()
}

func TransportsOpened(n int) {
	promTransports.Add(float64(n))
}

func TransportsClosed(n int) {
	promTransports.Sub(float64(n))
}

func ProducersOpened(n int) {
	promProducers.Add(float64(n))
}

func ProducersClosed(n int) {
	promProducers.Sub(float64(n))
}

func ConsumersOpened(n int) {
	promConsumers.Add(float64(n))
}

func ConsumersClosed(n int) {
	promConsumers.Sub(float64(n))
}

// MessageHandled counts one inbound message by type and outcome
func MessageHandled(messageType, status string) {
	MessageCounter.WithLabelValues(messageType, status).Inc()
}
