package natsengine

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isqad/livelook-meet/internal/media"
	"github.com/isqad/livelook-meet/internal/media/loopback"
)

var (
	opusParams = json.RawMessage(`{"codecs":[{"mimeType":"audio/opus","payloadType":111,"clockRate":48000,"channels":2}]}`)
	fullCaps   = json.RawMessage(`{"codecs":[{"kind":"audio","mimeType":"audio/opus","clockRate":48000,"channels":2},{"kind":"video","mimeType":"video/VP8","clockRate":90000}]}`)
	videoCaps  = json.RawMessage(`{"codecs":[{"kind":"video","mimeType":"video/VP8","clockRate":90000}]}`)

	clientDtls = media.DtlsParameters{
		Role:         "client",
		Fingerprints: []webrtc.DTLSFingerprint{{Algorithm: "sha-256", Value: "AA:BB"}},
	}
)

type fixture struct {
	nc     *nats.Conn
	local  *loopback.Engine
	daemon *Daemon
	engine *Engine
}

func setup(t *testing.T) *fixture {
	t.Helper()

	s := natsserver.RunRandClientPortServer()
	t.Cleanup(s.Shutdown)

	nc, err := nats.Connect(s.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	local, err := loopback.New(loopback.Options{Workers: 1, MinPort: 40000, MaxPort: 40100})
	require.NoError(t, err)

	daemon, err := NewDaemon(nc, "mediasoup", 0, local)
	require.NoError(t, err)
	require.NoError(t, daemon.Start())
	t.Cleanup(func() { _ = daemon.Stop() })

	engine, err := New(context.Background(), nc, Options{Prefix: "mediasoup", Workers: 1, Timeout: time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })

	return &fixture{nc: nc, local: local, daemon: daemon, engine: engine}
}

func TestAttach(t *testing.T) {
	f := setup(t)

	routers := f.engine.Routers()
	require.Len(t, routers, 1)
	assert.Equal(t, f.local.Routers()[0].ID(), routers[0].ID())

	raw, err := routers[0].RtpCapabilities(context.Background())
	require.NoError(t, err)
	caps, err := media.ParseRtpCapabilities(raw)
	require.NoError(t, err)
	assert.Len(t, caps.Codecs, 2)
}

func TestAttachWithoutWorker(t *testing.T) {
	s := natsserver.RunRandClientPortServer()
	defer s.Shutdown()

	nc, err := nats.Connect(s.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	_, err = New(context.Background(), nc, Options{Prefix: "mediasoup", Workers: 1, Timeout: 200 * time.Millisecond})
	assert.ErrorIs(t, err, media.ErrEngineUnavailable)
}

func TestMediaFlowOverNats(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	router := f.engine.Routers()[0]

	send, err := router.CreateWebRtcTransport(ctx, media.TransportOptions{Direction: media.DirectionSend, PeerID: "u1"})
	require.NoError(t, err)
	assert.NotEmpty(t, send.ID())
	assert.NotEmpty(t, send.Params().DtlsParameters.Fingerprints)
	assert.Equal(t, 1, f.local.PortsInUse())

	_, err = send.Produce(ctx, media.ProduceOptions{Kind: media.KindAudio, RtpParameters: opusParams})
	assert.ErrorIs(t, err, media.ErrNotConnected)

	require.NoError(t, send.Connect(ctx, clientDtls))
	assert.ErrorIs(t, send.Connect(ctx, clientDtls), media.ErrAlreadyConnected)

	producer, err := send.Produce(ctx, media.ProduceOptions{
		Kind:          media.KindAudio,
		RtpParameters: opusParams,
		AppData:       media.AppData{Type: media.StreamAudio, RoomID: "r1", PeerID: "u1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "u1", producer.AppData().PeerID)

	ok, err := router.CanConsume(ctx, producer.ID(), videoCaps)
	require.NoError(t, err)
	assert.False(t, ok)

	recv, err := router.CreateWebRtcTransport(ctx, media.TransportOptions{Direction: media.DirectionRecv, PeerID: "u2"})
	require.NoError(t, err)
	require.NoError(t, recv.Connect(ctx, clientDtls))

	_, err = recv.Consume(ctx, media.ConsumeOptions{ProducerID: producer.ID(), RtpCapabilities: videoCaps})
	assert.ErrorIs(t, err, media.ErrIncompatible)

	consumer, err := recv.Consume(ctx, media.ConsumeOptions{ProducerID: producer.ID(), RtpCapabilities: fullCaps, Paused: true})
	require.NoError(t, err)
	assert.Equal(t, producer.ID(), consumer.ProducerID())
	assert.Equal(t, media.KindAudio, consumer.Kind())
	assert.True(t, consumer.Paused())
	assert.NotEmpty(t, consumer.RtpParameters())

	require.NoError(t, consumer.Resume(ctx))
	assert.False(t, consumer.Paused())

	require.NoError(t, producer.Pause(ctx))
	assert.True(t, producer.Paused())

	require.NoError(t, send.Close(ctx))
	assert.Error(t, producer.Resume(ctx))
	assert.Equal(t, 1, f.local.PortsInUse())
}

func TestPipeProducerAcrossWorkers(t *testing.T) {
	s := natsserver.RunRandClientPortServer()
	t.Cleanup(s.Shutdown)

	nc, err := nats.Connect(s.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	daemons := make([]*Daemon, 2)
	locals := make([]*loopback.Engine, 2)
	for w := range daemons {
		base := uint16(40200 + w*100)
		locals[w], err = loopback.New(loopback.Options{Workers: 1, MinPort: base, MaxPort: base + 99})
		require.NoError(t, err)
		daemons[w], err = NewDaemon(nc, "mediasoup", w, locals[w])
		require.NoError(t, err)
		require.NoError(t, daemons[w].Start())
		d := daemons[w]
		t.Cleanup(func() { _ = d.Stop() })
	}

	engine, err := New(context.Background(), nc, Options{Prefix: "mediasoup", Workers: 2, Timeout: time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	src, dst := engine.Routers()[0], engine.Routers()[1]

	send, err := src.CreateWebRtcTransport(ctx, media.TransportOptions{Direction: media.DirectionSend, PeerID: "u1"})
	require.NoError(t, err)
	require.NoError(t, send.Connect(ctx, clientDtls))
	producer, err := send.Produce(ctx, media.ProduceOptions{
		Kind:          media.KindAudio,
		RtpParameters: opusParams,
		AppData:       media.AppData{Type: media.StreamAudio, RoomID: "r1", PeerID: "u1"},
	})
	require.NoError(t, err)

	recv, err := dst.CreateWebRtcTransport(ctx, media.TransportOptions{Direction: media.DirectionRecv, PeerID: "u2"})
	require.NoError(t, err)
	require.NoError(t, recv.Connect(ctx, clientDtls))

	_, err = dst.CanConsume(ctx, producer.ID(), fullCaps)
	assert.ErrorIs(t, err, media.ErrProducerNotFound)
	assert.ErrorIs(t, dst.PipeProducer(ctx, "missing", src), media.ErrProducerNotFound)

	require.NoError(t, dst.PipeProducer(ctx, producer.ID(), src))
	require.NoError(t, dst.PipeProducer(ctx, producer.ID(), src))

	ok, err := dst.CanConsume(ctx, producer.ID(), fullCaps)
	require.NoError(t, err)
	assert.True(t, ok)

	consumer, err := recv.Consume(ctx, media.ConsumeOptions{ProducerID: producer.ID(), RtpCapabilities: fullCaps})
	require.NoError(t, err)
	assert.Equal(t, producer.ID(), consumer.ProducerID())
	assert.Equal(t, media.KindAudio, consumer.Kind())

	origin, found := locals[0].Routers()[0].(*loopback.Router).Producer(producer.ID())
	require.True(t, found)
	pkt := &rtp.Packet{Header: rtp.Header{Version: 2, PayloadType: 111, SequenceNumber: 42, SSRC: 1111}, Payload: []byte{9}}
	require.NoError(t, origin.WriteRTP(pkt))

	daemons[1].Lock()
	local := daemons[1].consumers[consumer.ID()].(*loopback.Consumer)
	daemons[1].Unlock()
	got, err := local.ReadRTP(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint16(42), got.SequenceNumber)
	assert.Equal(t, []byte{9}, got.Payload)

	// the copy goes away with its origin
	require.NoError(t, producer.Close(ctx))
	assert.Eventually(t, func() bool {
		daemons[1].Lock()
		defer daemons[1].Unlock()
		return len(daemons[1].pipes) == 0
	}, time.Second, 10*time.Millisecond)

	_, err = dst.CanConsume(ctx, producer.ID(), fullCaps)
	assert.ErrorIs(t, err, media.ErrProducerNotFound)
}

func TestWorkerDeath(t *testing.T) {
	f := setup(t)

	f.local.Kill(errors.New("segfault"))

	select {
	case err := <-f.engine.Died():
		assert.Contains(t, err.Error(), "segfault")
	case <-time.After(2 * time.Second):
		t.Fatal("death was not propagated")
	}
}

func TestErrorCodes(t *testing.T) {
	for code, known := range errorCodes {
		err := errorOf(Reply{Code: code, Error: "boom"})
		assert.True(t, errors.Is(err, known), code)
		assert.Equal(t, code, codeOf(err))
	}

	assert.EqualError(t, errorOf(Reply{Error: "plain"}), "plain")
}
