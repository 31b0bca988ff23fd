package recognition

import (
	"errors"
	"fmt"
)

// Encoding is the audio encoding declared to the provider.
type Encoding string

const (
	EncodingPCM     Encoding = "PCM_S16LE"
	EncodingSberPCM Encoding = "SBER_PCM_S16LE"
	EncodingMP3     Encoding = "MP3"
	EncodingWAV     Encoding = "WAV"
	EncodingOpus    Encoding = "OPUS"
	EncodingFLAC    Encoding = "FLAC"
	EncodingALaw    Encoding = "ALAW"
	EncodingMuLaw   Encoding = "MULAW"
)

// DefaultModel is used when Options.Model is empty.
const DefaultModel = "general"

// ErrInvalidOptions is wrapped by every Options validation failure.
var ErrInvalidOptions = errors.New("invalid recognition options")

var supportedEncodings = map[Encoding]bool{
	EncodingPCM:     true,
	EncodingSberPCM: true,
	EncodingMP3:     true,
	EncodingWAV:     true,
	EncodingOpus:    true,
	EncodingFLAC:    true,
	EncodingALaw:    true,
	EncodingMuLaw:   true,
}

// Encodings lists the supported encodings in display order.
func Encodings() []Encoding {
	return []Encoding{
		EncodingMP3, EncodingWAV, EncodingPCM, EncodingSberPCM,
		EncodingOpus, EncodingFLAC, EncodingALaw, EncodingMuLaw,
	}
}

// Raw reports whether the provider cannot infer sample rate and channel
// count from the payload itself.
func (e Encoding) Raw() bool {
	return e == EncodingPCM || e == EncodingSberPCM
}

// Options are caller-supplied recognition parameters, fixed for one job.
type Options struct {
	Encoding          Encoding `json:"encoding"`
	Model             string   `json:"model,omitempty"`
	SampleRate        int      `json:"sample_rate,omitempty"`
	ChannelsCount     int      `json:"channels_count,omitempty"`
	SpeakerSeparation bool     `json:"speaker_separation"`
	Hints             []string `json:"hints,omitempty"`
}

// Validate checks options before any remote call is made.
func (o Options) Validate() error {
	if o.Encoding == "" {
		return fmt.Errorf("%w: encoding is required", ErrInvalidOptions)
	}
	if !supportedEncodings[o.Encoding] {
		return fmt.Errorf("%w: unsupported encoding %q", ErrInvalidOptions, o.Encoding)
	}
	if o.SampleRate < 0 {
		return fmt.Errorf("%w: sample rate must be positive, got %d", ErrInvalidOptions, o.SampleRate)
	}
	if o.ChannelsCount < 0 {
		return fmt.Errorf("%w: channels count must be positive, got %d", ErrInvalidOptions, o.ChannelsCount)
	}
	if o.Encoding.Raw() && (o.SampleRate == 0 || o.ChannelsCount == 0) {
		return fmt.Errorf("%w: for %s encoding, sample rate and channels count are required", ErrInvalidOptions, o.Encoding)
	}
	return nil
}
