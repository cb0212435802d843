package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestGauges(t *testing.T) {
	before := testutil.ToFloat64(promConnections)
	ConnectionOpened()
	ConnectionOpened()
	ConnectionClosed()
	assert.Equal(t, before+1, testutil.ToFloat64(promConnections))

	before = testutil.ToFloat64(promProducers)
	ProducersOpened(3)
	ProducersClosed(2)
	assert.Equal(t, before+1, testutil.ToFloat64(promProducers))

	before = testutil.ToFloat64(promRooms)
	RoomCreated()
	RoomDestroyed()
	assert.Equal(t, before, testutil.ToFloat64(promRooms))
}

func TestMessageHandled(t *testing.T) {
	before := testutil.ToFloat64(MessageCounter.WithLabelValues("join-room", "ok"))

	MessageHandled("join-room", "ok")
	MessageHandled("join-room", "ok")
	MessageHandled("join-room", "protocol")

	assert.Equal(t, before+2, testutil.ToFloat64(MessageCounter.WithLabelValues("join-room", "ok")))
	assert.Equal(t, 1, testutil.CollectAndCount(MessageCounter.WithLabelValues("join-room", "protocol")))
}
