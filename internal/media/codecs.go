package media

import (
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v3"

	"github.com/isqad/livelook-meet/internal/config"
)

const frameMarking = "urn:ietf:params:rtp-hdrext:framemarking"

var (
	videoFeedback = []webrtc.RTCPFeedback{
		{Type: webrtc.TypeRTCPFBGoogREMB},
		{Type: webrtc.TypeRTCPFBTransportCC},
		{Type: webrtc.TypeRTCPFBCCM, Parameter: "fir"},
		{Type: webrtc.TypeRTCPFBNACK},
		{Type: webrtc.TypeRTCPFBNACK, Parameter: "pli"},
	}
	audioFeedback = []webrtc.RTCPFeedback{
		{Type: webrtc.TypeRTCPFBTransportCC},
	}

	audioExtensions = []string{
		sdp.SDESMidURI,
		sdp.SDESRTPStreamIDURI,
		sdp.AudioLevelURI,
	}
	videoExtensions = []string{
		sdp.SDESMidURI,
		sdp.SDESRTPStreamIDURI,
		sdp.TransportCCURI,
		frameMarking,
	}
)

type supportedCodec struct {
	params webrtc.RTPCodecParameters
	kind   webrtc.RTPCodecType
}

func supportedCodecs() []supportedCodec {
	return []supportedCodec{
		{
			params: webrtc.RTPCodecParameters{
				RTPCodecCapability: webrtc.RTPCodecCapability{
					MimeType:     webrtc.MimeTypeOpus,
					ClockRate:    48000,
					Channels:     2,
					SDPFmtpLine:  "minptime=10;useinbandfec=1",
					RTCPFeedback: audioFeedback,
				},
				PayloadType: 111,
			},
			kind: webrtc.RTPCodecTypeAudio,
		},
		{
			params: webrtc.RTPCodecParameters{
				RTPCodecCapability: webrtc.RTPCodecCapability{
					MimeType:     webrtc.MimeTypeVP8,
					ClockRate:    90000,
					RTCPFeedback: videoFeedback,
				},
				PayloadType: 96,
			},
			kind: webrtc.RTPCodecTypeVideo,
		},
		{
			params: webrtc.RTPCodecParameters{
				RTPCodecCapability: webrtc.RTPCodecCapability{
					MimeType:     webrtc.MimeTypeVP9,
					ClockRate:    90000,
					SDPFmtpLine:  "profile-id=0",
					RTCPFeedback: videoFeedback,
				},
				PayloadType: 98,
			},
			kind: webrtc.RTPCodecTypeVideo,
		},
		{
			params: webrtc.RTPCodecParameters{
				RTPCodecCapability: webrtc.RTPCodecCapability{
					MimeType:     webrtc.MimeTypeVP9,
					ClockRate:    90000,
					SDPFmtpLine:  "profile-id=1",
					RTCPFeedback: videoFeedback,
				},
				PayloadType: 100,
			},
			kind: webrtc.RTPCodecTypeVideo,
		},
		{
			params: webrtc.RTPCodecParameters{
				RTPCodecCapability: webrtc.RTPCodecCapability{
					MimeType:     webrtc.MimeTypeH264,
					ClockRate:    90000,
					SDPFmtpLine:  "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
					RTCPFeedback: videoFeedback,
				},
				PayloadType: 125,
			},
			kind: webrtc.RTPCodecTypeVideo,
		},
		{
			params: webrtc.RTPCodecParameters{
				RTPCodecCapability: webrtc.RTPCodecCapability{
					MimeType:     webrtc.MimeTypeH264,
					ClockRate:    90000,
					SDPFmtpLine:  "level-asymmetry-allowed=1;packetization-mode=0;profile-level-id=42e01f",
					RTCPFeedback: videoFeedback,
				},
				PayloadType: 108,
			},
			kind: webrtc.RTPCodecTypeVideo,
		},
		{
			params: webrtc.RTPCodecParameters{
				RTPCodecCapability: webrtc.RTPCodecCapability{
					MimeType:     webrtc.MimeTypeAV1,
					ClockRate:    90000,
					RTCPFeedback: videoFeedback,
				},
				PayloadType: 35,
			},
			kind: webrtc.RTPCodecTypeVideo,
		},
	}
}

// RouterCapabilities builds the router rtp capabilities for the enabled codecs
func RouterCapabilities(enabled []config.CodecSpec) RtpCapabilities {
	caps := RtpCapabilities{}
	hasKind := map[MediaKind]bool{}

	for _, c := range supportedCodecs() {
		spec, ok := findCodecSpec(enabled, c.params.RTPCodecCapability)
		if !ok {
			continue
		}

		kind := KindAudio
		if c.kind == webrtc.RTPCodecTypeVideo {
			kind = KindVideo
		}
		hasKind[kind] = true

		params := parseFmtp(c.params.SDPFmtpLine)
		for k, v := range parseFmtp(spec.FmtpLine) {
			params[k] = v
		}

		caps.Codecs = append(caps.Codecs, RtpCodecCapability{
			Kind:                 kind,
			MimeType:             c.params.MimeType,
			PreferredPayloadType: uint8(c.params.PayloadType),
			ClockRate:            c.params.ClockRate,
			Channels:             c.params.Channels,
			Parameters:           params,
			RtcpFeedback:         feedback(c.params.RTCPFeedback),
		})
	}

	id := 1
	for _, ext := range audioExtensions {
		if hasKind[KindAudio] {
			caps.HeaderExtensions = append(caps.HeaderExtensions, RtpHeaderExtension{Kind: KindAudio, URI: ext, PreferredID: id, Direction: "sendrecv"})
			id++
		}
	}
	for _, ext := range videoExtensions {
		if hasKind[KindVideo] {
			caps.HeaderExtensions = append(caps.HeaderExtensions, RtpHeaderExtension{Kind: KindVideo, URI: ext, PreferredID: id, Direction: "sendrecv"})
			id++
		}
	}

	return caps
}

func findCodecSpec(specs []config.CodecSpec, cap webrtc.RTPCodecCapability) (config.CodecSpec, bool) {
	for _, spec := range specs {
		if !strings.EqualFold(spec.Mime, cap.MimeType) {
			continue
		}
		if spec.ClockRate != 0 && spec.ClockRate != cap.ClockRate {
			continue
		}
		if cap.SDPFmtpLine != "" && spec.FmtpLine != "" && !strings.EqualFold(spec.FmtpLine, cap.SDPFmtpLine) {
			continue
		}
		return spec, true
	}
	return config.CodecSpec{}, false
}

func feedback(fbs []webrtc.RTCPFeedback) []RtcpFeedback {
	out := make([]RtcpFeedback, 0, len(fbs))
	for _, fb := range fbs {
		out = append(out, RtcpFeedback{Type: fb.Type, Parameter: fb.Parameter})
	}
	return out
}

// parseFmtp turns "a=1;b=x" into {"a": 1, "b": "x"}
func parseFmtp(line string) map[string]interface{} {
	params := make(map[string]interface{})
	for _, part := range strings.Split(line, ";") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || key == "" {
			continue
		}
		if n, err := strconv.Atoi(value); err == nil {
			params[key] = n
		} else {
			params[key] = value
		}
	}
	return params
}
