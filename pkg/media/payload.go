// Package media describes the media capabilities a session negotiates:
// payload types, the managers that offer them, and the media sessions
// created once a content is established.
package media

import (
	"strings"

	"github.com/backkem/jingle/pkg/message"
	"github.com/pion/webrtc/v4"
)

// Media kinds carried in descriptions.
const (
	KindAudio = "audio"
	KindVideo = "video"
)

// FromCodec converts RTP codec parameters into a wire payload.
// The payload name is the MIME subtype ("audio/opus" becomes "opus").
func FromCodec(c webrtc.RTPCodecParameters) message.Payload {
	name := c.MimeType
	if i := strings.IndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	return message.Payload{
		ID:        uint8(c.PayloadType),
		Name:      name,
		ClockRate: c.ClockRate,
		Channels:  c.Channels,
	}
}

// ToCodec converts a wire payload of the given media kind into RTP codec
// parameters.
func ToCodec(kind string, p message.Payload) webrtc.RTPCodecParameters {
	return webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:  kind + "/" + p.Name,
			ClockRate: p.ClockRate,
			Channels:  p.Channels,
		},
		PayloadType: webrtc.PayloadType(p.ID),
	}
}

// DefaultAudioCodecs is the audio catalog offered by default.
func DefaultAudioCodecs() []webrtc.RTPCodecParameters {
	return []webrtc.RTPCodecParameters{
		{
			RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
			PayloadType:        111,
		},
		{
			RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMU, ClockRate: 8000, Channels: 1},
			PayloadType:        0,
		},
	}
}

// DefaultVideoCodecs is the video catalog offered by default.
func DefaultVideoCodecs() []webrtc.RTPCodecParameters {
	return []webrtc.RTPCodecParameters{
		{
			RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
			PayloadType:        96,
		},
		{
			RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264, ClockRate: 90000},
			PayloadType:        102,
		},
	}
}

// Payloads converts a codec list into wire payloads.
func Payloads(codecs []webrtc.RTPCodecParameters) []message.Payload {
	out := make([]message.Payload, 0, len(codecs))
	for _, c := range codecs {
		out = append(out, FromCodec(c))
	}
	return out
}

// SelectPayload returns the first offered payload that local supports.
func SelectPayload(offered, local []message.Payload) (message.Payload, bool) {
	for _, o := range offered {
		for _, l := range local {
			if o.Matches(l) {
				return o, true
			}
		}
	}
	return message.Payload{}, false
}

// Contains reports whether list holds a payload matching p.
func Contains(list []message.Payload, p message.Payload) bool {
	for _, l := range list {
		if l.Matches(p) {
			return true
		}
	}
	return false
}
