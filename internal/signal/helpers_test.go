package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/isqad/livelook-meet/internal/core"
	"github.com/isqad/livelook-meet/internal/media"
	"github.com/isqad/livelook-meet/internal/media/loopback"
)

var (
	opusParams = json.RawMessage(`{"codecs":[{"mimeType":"audio/opus","payloadType":111,"clockRate":48000,"channels":2}],"encodings":[{"ssrc":11}]}`)
	vp8Params  = json.RawMessage(`{"codecs":[{"mimeType":"video/VP8","payloadType":96,"clockRate":90000}],"encodings":[{"ssrc":22}]}`)
	fullCaps   = json.RawMessage(`{"codecs":[{"kind":"audio","mimeType":"audio/opus","clockRate":48000,"channels":2},{"kind":"video","mimeType":"video/VP8","clockRate":90000}]}`)
	audioCaps  = json.RawMessage(`{"codecs":[{"kind":"audio","mimeType":"audio/opus","clockRate":48000,"channels":2}]}`)
	dtls       = json.RawMessage(`{"role":"client","fingerprints":[{"algorithm":"sha-256","value":"AA:BB:CC"}]}`)
)

var errWriteFailed = errors.New("write failed")

// recorder is a Sender that keeps every message it was given
type recorder struct {
	sync.Mutex
	msgs   []Envelope
	fail   bool
	closed bool
	code   int
	reason string
}

func (r *recorder) Write(msg []byte) error {
	r.Lock()
	defer r.Unlock()

	if r.fail || r.closed {
		return errWriteFailed
	}
	env := Envelope{}
	if err := json.Unmarshal(msg, &env); err != nil {
		return err
	}
	r.msgs = append(r.msgs, env)
	return nil
}

func (r *recorder) Close(code int, reason string) error {
	r.Lock()
	defer r.Unlock()

	r.closed = true
	r.code = code
	r.reason = reason
	return nil
}

func (r *recorder) all(t MessageType) []Envelope {
	r.Lock()
	defer r.Unlock()

	var out []Envelope
	for _, m := range r.msgs {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

func (r *recorder) types() []MessageType {
	r.Lock()
	defer r.Unlock()

	out := make([]MessageType, 0, len(r.msgs))
	for _, m := range r.msgs {
		out = append(out, m.Type)
	}
	return out
}

func (r *recorder) clear() {
	r.Lock()
	r.msgs = nil
	r.Unlock()
}

func payloadOf[T any](t *testing.T, env Envelope) T {
	t.Helper()

	var v T
	require.NoError(t, json.Unmarshal(env.Payload, &v))
	return v
}

func lastOf[T any](t *testing.T, r *recorder, mt MessageType) T {
	t.Helper()

	msgs := r.all(mt)
	require.NotEmpty(t, msgs, "no %s message", mt)
	return payloadOf[T](t, msgs[len(msgs)-1])
}

type fixture struct {
	engine      *loopback.Engine
	pool        *media.Pool
	coordinator *Coordinator
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()

	engine, err := loopback.New(loopback.Options{Workers: 2, MinPort: 41000, MaxPort: 41500})
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })

	pool, err := media.NewPool(engine, nil)
	require.NoError(t, err)

	opts.Pool = pool
	return &fixture{engine: engine, pool: pool, coordinator: New(opts)}
}

// unreachableRouter fails every call the way a lost remote worker does
type unreachableRouter struct{}

func (unreachableRouter) ID() string { return "unreachable" }
func (unreachableRouter) RtpCapabilities(context.Context) (json.RawMessage, error) {
	return nil, media.ErrEngineUnavailable
}
func (unreachableRouter) CreateWebRtcTransport(context.Context, media.TransportOptions) (media.Transport, error) {
	return nil, media.ErrEngineUnavailable
}
func (unreachableRouter) CanConsume(context.Context, string, json.RawMessage) (bool, error) {
	return false, media.ErrEngineUnavailable
}
func (unreachableRouter) PipeProducer(context.Context, string, media.Router) error {
	return media.ErrEngineUnavailable
}

type unreachableEngine struct{}

func (unreachableEngine) Routers() []media.Router { return []media.Router{unreachableRouter{}} }
func (unreachableEngine) Died() <-chan error      { return nil }
func (unreachableEngine) Close() error            { return nil }

type client struct {
	t    *testing.T
	c    *Coordinator
	id   core.ConnID
	peer core.Peer
	rec  *recorder
}

func (f *fixture) connect(t *testing.T, peerID string) *client {
	t.Helper()

	cl := &client{
		t:    t,
		c:    f.coordinator,
		id:   core.NewConnID(),
		peer: core.Peer{ID: core.PeerID(peerID), FirstName: "First " + peerID, LastName: "Last " + peerID},
		rec:  &recorder{},
	}
	require.NoError(t, f.coordinator.Connect(cl.id, cl.peer, cl.rec))
	return cl
}

func (cl *client) send(mt MessageType, payload interface{}) {
	cl.t.Helper()

	raw, err := Encode(mt, payload)
	require.NoError(cl.t, err)
	cl.c.HandleMessage(context.Background(), cl.id, raw)
}

func (cl *client) lastError() ErrorPayload {
	cl.t.Helper()
	return lastOf[ErrorPayload](cl.t, cl.rec, ErrorMessage)
}

func (cl *client) join(roomID string) JoinSuccessPayload {
	cl.t.Helper()

	cl.send(JoinRoomMessage, RoomPayload{RoomID: roomID})
	return lastOf[JoinSuccessPayload](cl.t, cl.rec, JoinSuccessMessage)
}

func (cl *client) leave(roomID string) {
	cl.send(LeaveRoomMessage, RoomPayload{RoomID: roomID})
}

func (cl *client) connectSend() {
	cl.t.Helper()

	cl.send(CreateProducerTransportMessage, nil)
	created := lastOf[TransportCreatedPayload](cl.t, cl.rec, ProducerTransportCreatedMessage)
	cl.send(ConnectProducerTransportMessage, map[string]interface{}{
		"transportId":    created.Params.ID,
		"dtlsParameters": dtls,
	})
	require.NotEmpty(cl.t, cl.rec.all(ProducerConnectedMessage))
}

func (cl *client) connectRecv() {
	cl.t.Helper()

	cl.send(CreateConsumerTransportMessage, nil)
	created := lastOf[TransportCreatedPayload](cl.t, cl.rec, SubTransportCreatedMessage)
	cl.send(ConnectConsumerTransportMessage, map[string]interface{}{
		"transportId":    created.Params.ID,
		"dtlsParameters": dtls,
	})
	require.NotEmpty(cl.t, cl.rec.all(SubConnectedMessage))
}

func (cl *client) produce(roomID string, kind media.MediaKind, streamType media.StreamType) string {
	cl.t.Helper()

	params := opusParams
	if kind == media.KindVideo {
		params = vp8Params
	}

	before := len(cl.rec.all(ProducedMessage))
	cl.send(ProduceMessage, ProducePayload{
		Kind:          kind,
		RtpParameters: params,
		AppData:       ProduceAppData{Type: streamType, RoomID: roomID},
	})
	produced := cl.rec.all(ProducedMessage)
	require.Len(cl.t, produced, before+1, fmt.Sprintf("produce failed: %v", cl.rec.types()))
	return payloadOf[ProducedPayload](cl.t, produced[len(produced)-1]).ID
}

func (cl *client) consume(producerID string, caps json.RawMessage) (ConsumerInfo, bool) {
	cl.t.Helper()

	before := len(cl.rec.all(SubscribedMessage))
	cl.send(ConsumeMessage, ConsumePayload{ProducerID: producerID, RtpCapabilities: caps})
	subscribed := cl.rec.all(SubscribedMessage)
	if len(subscribed) == before {
		return ConsumerInfo{}, false
	}
	return payloadOf[SubscribedPayload](cl.t, subscribed[len(subscribed)-1]).Consumer, true
}

func (cl *client) session() *PeerSession {
	s, ok := cl.c.session(cl.id)
	require.True(cl.t, ok)
	return s
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 10*time.Millisecond)
}
