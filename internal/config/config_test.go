package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("LIVELOOK_JWT_SECRET", "s3cr3t")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Address)
	assert.Equal(t, "s3cr3t", cfg.JWT.Secret)
	assert.Equal(t, LoopbackEngine, cfg.Media.Engine)
	assert.Equal(t, runtime.NumCPU(), cfg.Media.Workers)
	assert.Equal(t, uint16(10000), cfg.Media.RTCMinPort)
	assert.Equal(t, uint16(11000), cfg.Media.RTCMaxPort)
	assert.Equal(t, 15*time.Second, cfg.Signal.NegotiationTimeout)
	assert.Equal(t, int64(200*1024), cfg.Signal.MaxMessageSize)
	assert.Equal(t, DefaultCodecs, cfg.Media.Codecs)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
address: ":3016"
jwt:
  secret: from-file
media:
  engine: nats
  workers: 3
  codecs:
    - mime: audio/opus
      clock_rate: 48000
      channels: 2
signal:
  negotiation_timeout: 5s
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	t.Setenv("LIVELOOK_ADDRESS", ":9999")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.Address)
	assert.Equal(t, "from-file", cfg.JWT.Secret)
	assert.Equal(t, NATSEngine, cfg.Media.Engine)
	assert.Equal(t, 3, cfg.Media.Workers)
	assert.Equal(t, 5*time.Second, cfg.Signal.NegotiationTimeout)
	require.Len(t, cfg.Media.Codecs, 1)
	assert.Equal(t, webrtc.MimeTypeOpus, cfg.Media.Codecs[0].Mime)
}

func TestValidate(t *testing.T) {
	_, err := Load("")
	assert.ErrorIs(t, err, ErrNoJWTSecret)

	t.Setenv("LIVELOOK_JWT_SECRET", "x")
	t.Setenv("LIVELOOK_MEDIA_ENGINE", "gstreamer")
	_, err = Load("")
	assert.ErrorIs(t, err, ErrUnknownEngine)

	t.Setenv("LIVELOOK_MEDIA_ENGINE", "loopback")
	t.Setenv("LIVELOOK_MEDIA_RTC_MIN_PORT", "12000")
	_, err = Load("")
	assert.ErrorIs(t, err, ErrBadPortRange)
}
