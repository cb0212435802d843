package loopback

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isqad/livelook-meet/internal/media"
)

var (
	opusParams = json.RawMessage(`{"mid":"0","codecs":[{"mimeType":"audio/opus","payloadType":111,"clockRate":48000,"channels":2}],"encodings":[{"ssrc":1111}]}`)
	vp8Params  = json.RawMessage(`{"mid":"1","codecs":[{"mimeType":"video/VP8","payloadType":96,"clockRate":90000}],"encodings":[{"ssrc":2222}]}`)
	h264Params = json.RawMessage(`{"codecs":[{"mimeType":"video/H264","payloadType":125,"clockRate":90000}]}`)

	fullCaps  = json.RawMessage(`{"codecs":[{"kind":"audio","mimeType":"audio/opus","clockRate":48000,"channels":2},{"kind":"video","mimeType":"video/VP8","clockRate":90000}]}`)
	audioCaps = json.RawMessage(`{"codecs":[{"kind":"audio","mimeType":"audio/opus","clockRate":48000,"channels":2}]}`)

	clientDtls = media.DtlsParameters{
		Role:         "client",
		Fingerprints: []webrtc.DTLSFingerprint{{Algorithm: "sha-256", Value: "AA:BB"}},
	}
)

func newEngine(t *testing.T) *Engine {
	t.Helper()

	e, err := New(Options{Workers: 2, MinPort: 20000, MaxPort: 20010, AnnouncedIP: "10.0.0.1"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func connected(t *testing.T, r media.Router, dir media.Direction) media.Transport {
	t.Helper()

	ctx := context.Background()
	tr, err := r.CreateWebRtcTransport(ctx, media.TransportOptions{Direction: dir, PeerID: "p"})
	require.NoError(t, err)
	require.NoError(t, tr.Connect(ctx, clientDtls))
	return tr
}

func TestEngineRouters(t *testing.T) {
	e := newEngine(t)

	routers := e.Routers()
	require.Len(t, routers, 2)
	assert.NotEqual(t, routers[0].ID(), routers[1].ID())

	raw, err := routers[0].RtpCapabilities(context.Background())
	require.NoError(t, err)
	caps, err := media.ParseRtpCapabilities(raw)
	require.NoError(t, err)
	assert.Len(t, caps.Codecs, 2)
}

func TestTransportParams(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	tr, err := e.Routers()[0].CreateWebRtcTransport(ctx, media.TransportOptions{Direction: media.DirectionSend})
	require.NoError(t, err)

	params := tr.Params()
	assert.Equal(t, tr.ID(), params.ID)
	assert.Len(t, params.IceParameters.UsernameFragment, 16)
	assert.Len(t, params.IceParameters.Password, 32)
	require.Len(t, params.IceCandidates, 1)
	assert.Equal(t, "10.0.0.1", params.IceCandidates[0].IP)
	assert.Equal(t, uint16(20000), params.IceCandidates[0].Port)
	assert.NotEmpty(t, params.DtlsParameters.Fingerprints)
	assert.Equal(t, 1, e.PortsInUse())

	require.NoError(t, tr.Close(ctx))
	assert.Equal(t, 0, e.PortsInUse())
}

func TestTransportPortsExhausted(t *testing.T) {
	e, err := New(Options{Workers: 1, MinPort: 30000, MaxPort: 30001})
	require.NoError(t, err)
	ctx := context.Background()
	r := e.Routers()[0]

	_, err = r.CreateWebRtcTransport(ctx, media.TransportOptions{Direction: media.DirectionSend})
	require.NoError(t, err)
	_, err = r.CreateWebRtcTransport(ctx, media.TransportOptions{Direction: media.DirectionSend})
	assert.Error(t, err)
}

func TestConnectRules(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	tr, err := e.Routers()[0].CreateWebRtcTransport(ctx, media.TransportOptions{Direction: media.DirectionSend})
	require.NoError(t, err)

	assert.ErrorIs(t, tr.Connect(ctx, media.DtlsParameters{Role: "client"}), media.ErrNoFingerprints)
	require.NoError(t, tr.Connect(ctx, clientDtls))
	assert.ErrorIs(t, tr.Connect(ctx, clientDtls), media.ErrAlreadyConnected)

	require.NoError(t, tr.Close(ctx))
	assert.ErrorIs(t, tr.Connect(ctx, clientDtls), media.ErrClosed)
}

func TestProduceRules(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	r := e.Routers()[0]

	unconnected, err := r.CreateWebRtcTransport(ctx, media.TransportOptions{Direction: media.DirectionSend})
	require.NoError(t, err)
	_, err = unconnected.Produce(ctx, media.ProduceOptions{Kind: media.KindAudio, RtpParameters: opusParams})
	assert.ErrorIs(t, err, media.ErrNotConnected)

	recv := connected(t, r, media.DirectionRecv)
	_, err = recv.Produce(ctx, media.ProduceOptions{Kind: media.KindAudio, RtpParameters: opusParams})
	assert.ErrorIs(t, err, media.ErrWrongDirection)

	send := connected(t, r, media.DirectionSend)
	_, err = send.Produce(ctx, media.ProduceOptions{Kind: media.KindVideo, RtpParameters: opusParams})
	assert.ErrorIs(t, err, media.ErrInvalidRtpParameters)

	_, err = send.Produce(ctx, media.ProduceOptions{Kind: media.KindVideo, RtpParameters: h264Params})
	assert.ErrorIs(t, err, media.ErrUnsupportedCodec)

	_, err = send.Produce(ctx, media.ProduceOptions{Kind: media.KindAudio, RtpParameters: json.RawMessage(`{}`)})
	assert.ErrorIs(t, err, media.ErrInvalidRtpParameters)

	p, err := send.Produce(ctx, media.ProduceOptions{
		Kind:          media.KindAudio,
		RtpParameters: opusParams,
		AppData:       media.AppData{Type: media.StreamAudio, RoomID: "r1", PeerID: "u1"},
	})
	require.NoError(t, err)
	assert.Equal(t, media.KindAudio, p.Kind())
	assert.Equal(t, "u1", p.AppData().PeerID)
}

func TestConsumeCompatibility(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	r := e.Routers()[0]

	send := connected(t, r, media.DirectionSend)
	video, err := send.Produce(ctx, media.ProduceOptions{Kind: media.KindVideo, RtpParameters: vp8Params})
	require.NoError(t, err)

	ok, err := r.CanConsume(ctx, video.ID(), fullCaps)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.CanConsume(ctx, video.ID(), audioCaps)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = r.CanConsume(ctx, "missing", fullCaps)
	assert.ErrorIs(t, err, media.ErrProducerNotFound)

	recv := connected(t, r, media.DirectionRecv)
	_, err = recv.Consume(ctx, media.ConsumeOptions{ProducerID: video.ID(), RtpCapabilities: audioCaps})
	assert.ErrorIs(t, err, media.ErrIncompatible)

	c, err := recv.Consume(ctx, media.ConsumeOptions{ProducerID: video.ID(), RtpCapabilities: fullCaps, Paused: true})
	require.NoError(t, err)
	assert.True(t, c.Paused())
	assert.Equal(t, video.ID(), c.ProducerID())
	assert.Equal(t, media.KindVideo, c.Kind())

	params, err := media.ParseRtpParameters(c.RtpParameters())
	require.NoError(t, err)
	assert.Equal(t, "video/VP8", params.Codecs[0].MimeType)
	assert.Equal(t, "0", params.Mid)

	// producers live on one router until piped
	other := connected(t, e.Routers()[1], media.DirectionRecv)
	_, err = other.Consume(ctx, media.ConsumeOptions{ProducerID: video.ID(), RtpCapabilities: fullCaps})
	assert.ErrorIs(t, err, media.ErrProducerNotFound)
}

func TestPipeProducer(t *testing.T) {
	e := newEngine(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	src, dst := e.Routers()[0], e.Routers()[1]

	send := connected(t, src, media.DirectionSend)
	mp, err := send.Produce(ctx, media.ProduceOptions{Kind: media.KindAudio, RtpParameters: opusParams})
	require.NoError(t, err)

	assert.ErrorIs(t, dst.PipeProducer(ctx, "missing", src), media.ErrProducerNotFound)

	require.NoError(t, dst.PipeProducer(ctx, mp.ID(), src))
	require.NoError(t, dst.PipeProducer(ctx, mp.ID(), src))
	require.NoError(t, src.PipeProducer(ctx, mp.ID(), src))

	recv := connected(t, dst, media.DirectionRecv)
	mc, err := recv.Consume(ctx, media.ConsumeOptions{ProducerID: mp.ID(), RtpCapabilities: fullCaps})
	require.NoError(t, err)
	assert.Equal(t, mp.ID(), mc.ProducerID())

	pkt := &rtp.Packet{Header: rtp.Header{Version: 2, PayloadType: 111, SequenceNumber: 3, SSRC: 1111}}
	require.NoError(t, mp.(*Producer).WriteRTP(pkt))
	got, err := mc.(*Consumer).ReadRTP(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint16(3), got.SequenceNumber)

	// closing the producer removes it from every router it was piped to
	require.NoError(t, mp.Close(ctx))
	_, found := dst.(*Router).Producer(mp.ID())
	assert.False(t, found)
	_, err = mc.(*Consumer).ReadRTP(ctx)
	assert.ErrorIs(t, err, media.ErrClosed)
	assert.ErrorIs(t, dst.PipeProducer(ctx, mp.ID(), src), media.ErrProducerNotFound)

	other := newEngine(t)
	assert.ErrorIs(t, other.Routers()[0].PipeProducer(ctx, mp.ID(), src), media.ErrCannotPipe)
}

func TestForwarding(t *testing.T) {
	e := newEngine(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	r := e.Routers()[0]

	send := connected(t, r, media.DirectionSend)
	mp, err := send.Produce(ctx, media.ProduceOptions{Kind: media.KindAudio, RtpParameters: opusParams})
	require.NoError(t, err)
	producer := mp.(*Producer)

	recv := connected(t, r, media.DirectionRecv)
	mc, err := recv.Consume(ctx, media.ConsumeOptions{ProducerID: producer.ID(), RtpCapabilities: fullCaps})
	require.NoError(t, err)
	consumer := mc.(*Consumer)

	pkt := &rtp.Packet{
		Header:  rtp.Header{Version: 2, PayloadType: 111, SequenceNumber: 7, SSRC: 1111},
		Payload: []byte{1, 2, 3},
	}
	require.NoError(t, producer.WriteRTP(pkt))

	got, err := consumer.ReadRTP(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint16(7), got.SequenceNumber)
	assert.Equal(t, consumer.SSRC(), got.SSRC)
	assert.Equal(t, []byte{1, 2, 3}, got.Payload)
	assert.Equal(t, uint32(1111), pkt.SSRC)

	// paused consumers receive nothing
	require.NoError(t, consumer.Pause(ctx))
	require.NoError(t, producer.WriteRTP(pkt))
	short, cancelShort := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancelShort()
	_, err = consumer.ReadRTP(short)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	// paused producers forward nothing
	require.NoError(t, consumer.Resume(ctx))
	require.NoError(t, producer.Pause(ctx))
	require.NoError(t, producer.WriteRTP(pkt))
	assert.Len(t, consumer.packets, 0)
}

func TestVideoResumeRequestsKeyFrame(t *testing.T) {
	e := newEngine(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	r := e.Routers()[0]

	send := connected(t, r, media.DirectionSend)
	mp, err := send.Produce(ctx, media.ProduceOptions{Kind: media.KindVideo, RtpParameters: vp8Params})
	require.NoError(t, err)

	recv := connected(t, r, media.DirectionRecv)
	c, err := recv.Consume(ctx, media.ConsumeOptions{ProducerID: mp.ID(), RtpCapabilities: fullCaps, Paused: true})
	require.NoError(t, err)
	require.NoError(t, c.Resume(ctx))

	pkts, err := mp.(*Producer).ReadRTCP(ctx)
	require.NoError(t, err)
	require.Len(t, pkts, 1)
	pli, ok := pkts[0].(*rtcp.PictureLossIndication)
	require.True(t, ok)
	assert.Equal(t, uint32(2222), pli.MediaSSRC)
}

func TestCloseCascades(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	r := e.Routers()[0]

	send := connected(t, r, media.DirectionSend)
	p, err := send.Produce(ctx, media.ProduceOptions{Kind: media.KindAudio, RtpParameters: opusParams})
	require.NoError(t, err)

	recv := connected(t, r, media.DirectionRecv)
	c, err := recv.Consume(ctx, media.ConsumeOptions{ProducerID: p.ID(), RtpCapabilities: fullCaps})
	require.NoError(t, err)

	require.NoError(t, send.Close(ctx))
	require.NoError(t, send.Close(ctx))

	assert.ErrorIs(t, p.Resume(ctx), media.ErrClosed)
	assert.ErrorIs(t, c.Resume(ctx), media.ErrClosed)

	_, found := r.(*Router).Producer(p.ID())
	assert.False(t, found)

	_, err = recv.Consume(ctx, media.ConsumeOptions{ProducerID: p.ID(), RtpCapabilities: fullCaps})
	assert.ErrorIs(t, err, media.ErrProducerNotFound)
}

func TestKill(t *testing.T) {
	e := newEngine(t)

	e.Kill(errors.New("worker exited"))
	e.Kill(errors.New("second"))

	select {
	case err := <-e.Died():
		assert.EqualError(t, err, "worker exited")
	case <-time.After(time.Second):
		t.Fatal("no death notification")
	}
}
