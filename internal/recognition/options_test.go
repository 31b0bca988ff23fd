package recognition

import (
	"errors"
	"testing"
)

func TestOptionsValidate(t *testing.T) {
	tests := []struct {
		name        string
		options     Options
		expectError bool
	}{
		{"mp3 without audio params", Options{Encoding: EncodingMP3}, false},
		{"flac with speaker separation", Options{Encoding: EncodingFLAC, SpeakerSeparation: true}, false},
		{"pcm with audio params", Options{Encoding: EncodingPCM, SampleRate: 16000, ChannelsCount: 1}, false},
		{"pcm without sample rate", Options{Encoding: EncodingPCM, ChannelsCount: 1}, true},
		{"pcm without channels", Options{Encoding: EncodingPCM, SampleRate: 8000}, true},
		{"pcm without either", Options{Encoding: EncodingPCM}, true},
		{"sber pcm without either", Options{Encoding: EncodingSberPCM}, true},
		{"missing encoding", Options{}, true},
		{"unknown encoding", Options{Encoding: "AAC"}, true},
		{"negative sample rate", Options{Encoding: EncodingOpus, SampleRate: -1}, true},
		{"negative channels", Options{Encoding: EncodingOpus, ChannelsCount: -2}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.options.Validate()
			if tt.expectError {
				if err == nil {
					t.Fatal("Expected validation error")
				}
				if !errors.Is(err, ErrInvalidOptions) {
					t.Errorf("Expected ErrInvalidOptions, got %v", err)
				}
				return
			}
			if err != nil {
				t.Errorf("Unexpected error: %v", err)
			}
		})
	}
}

func TestEncodingsAreSupported(t *testing.T) {
	for _, e := range Encodings() {
		opts := Options{Encoding: e, SampleRate: 16000, ChannelsCount: 1}
		if err := opts.Validate(); err != nil {
			t.Errorf("Encoding %s: unexpected error: %v", e, err)
		}
	}
}
