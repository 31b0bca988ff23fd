package transcript

import (
	"testing"

	"github.com/bazhil/SpeechTranscriber/internal/fakeprovider"
	"github.com/bazhil/SpeechTranscriber/internal/recognition"
)

func flat(segments ...recognition.Segment) recognition.Result {
	return recognition.Result{Shape: recognition.ShapeFlat, Segments: segments}
}

func TestNormalizeEmptyResult(t *testing.T) {
	for _, separate := range []bool{true, false} {
		got := Normalize(recognition.Result{}, Options{SeparateSpeakers: separate})
		if got != NoResults {
			t.Errorf("separate=%v: expected sentinel, got %q", separate, got)
		}
		if got == "" {
			t.Error("Expected sentinel to differ from empty string")
		}
	}

	nested := recognition.Result{Shape: recognition.ShapeNested, Utterances: []recognition.Utterance{}}
	if got := Normalize(nested, Options{}); got != NoResults {
		t.Errorf("Expected sentinel for empty nested result, got %q", got)
	}
}

func TestNormalizeFlat(t *testing.T) {
	tests := []struct {
		name     string
		result   recognition.Result
		opts     Options
		expected string
	}{
		{
			name:     "speaker label",
			result:   flat(recognition.Segment{SpeakerTag: "1", NormalizedText: "hi"}),
			opts:     Options{SeparateSpeakers: true},
			expected: "Speaker 1: hi",
		},
		{
			name:     "no speaker separation",
			result:   flat(recognition.Segment{SpeakerTag: "1", NormalizedText: "hi"}),
			opts:     Options{SeparateSpeakers: false},
			expected: "hi",
		},
		{
			name:     "falls back to raw text",
			result:   flat(recognition.Segment{SpeakerTag: "2", Text: "raw text"}),
			opts:     Options{SeparateSpeakers: true},
			expected: "Speaker 2: raw text",
		},
		{
			name:     "no speaker tag",
			result:   flat(recognition.Segment{NormalizedText: "anonymous"}),
			opts:     Options{SeparateSpeakers: true},
			expected: "anonymous",
		},
		{
			name: "order preserved and trailing whitespace trimmed",
			result: flat(
				recognition.Segment{Text: "first"},
				recognition.Segment{Text: "second  "},
			),
			expected: "first\nsecond",
		},
		{
			name: "repeats kept without suppression",
			result: flat(
				recognition.Segment{SpeakerTag: "1", Text: "yes"},
				recognition.Segment{SpeakerTag: "1", Text: "yes"},
			),
			opts:     Options{SeparateSpeakers: true},
			expected: "Speaker 1: yes\nSpeaker 1: yes",
		},
		{
			name: "consecutive repeats suppressed",
			result: flat(
				recognition.Segment{SpeakerTag: "1", Text: "yes"},
				recognition.Segment{SpeakerTag: "1", Text: "yes "},
				recognition.Segment{SpeakerTag: "2", Text: "yes"},
				recognition.Segment{SpeakerTag: "1", Text: "yes"},
			),
			opts:     Options{SeparateSpeakers: true, SuppressRepeats: true},
			expected: "Speaker 1: yes\nSpeaker 2: yes\nSpeaker 1: yes",
		},
		{
			name: "speaker filter",
			result: flat(
				recognition.Segment{SpeakerTag: "1", Text: "one"},
				recognition.Segment{SpeakerTag: "3", Text: "three"},
				recognition.Segment{Text: "nobody"},
				recognition.Segment{SpeakerTag: "2", Text: "two"},
			),
			opts:     Options{SeparateSpeakers: true, Speakers: []string{"1", "2"}},
			expected: "Speaker 1: one\nSpeaker 2: two",
		},
		{
			name:     "filter removing everything",
			result:   flat(recognition.Segment{SpeakerTag: "3", Text: "three"}),
			opts:     Options{Speakers: []string{"1"}},
			expected: NoResults,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Normalize(tt.result, tt.opts); got != tt.expected {
				t.Errorf("Expected %q, got %q", tt.expected, got)
			}
		})
	}
}

func TestNormalizeNested(t *testing.T) {
	result, err := recognition.ParseResult([]byte(fakeprovider.DefaultResult))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	tests := []struct {
		name     string
		opts     Options
		expected string
	}{
		{
			name:     "labels with suppression",
			opts:     Options{SeparateSpeakers: true, SuppressRepeats: true},
			expected: "Speaker 1: Hello there.\nSpeaker 2: Hi, how are you?",
		},
		{
			name:     "labels without suppression",
			opts:     Options{SeparateSpeakers: true},
			expected: "Speaker 1: Hello there.\nSpeaker 2: Hi, how are you?\nSpeaker 2: Hi, how are you?",
		},
		{
			name:     "plain text",
			opts:     Options{SuppressRepeats: true},
			expected: "Hello there.\nHi, how are you?",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Normalize(result, tt.opts); got != tt.expected {
				t.Errorf("Expected %q, got %q", tt.expected, got)
			}
		})
	}
}

func TestNormalizeNestedUnassignedSpeaker(t *testing.T) {
	body := `[
		{"results":[{"text":"a"},{"text":"b"}],"speaker_info":{"speaker_id":-1}},
		{"results":[{"text":"c"}],"speaker_info":{"speaker_id":2}}
	]`
	result, err := recognition.ParseResult([]byte(body))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	expected := "a\nb\nSpeaker 2: c"
	if got := Normalize(result, Options{SeparateSpeakers: true}); got != expected {
		t.Errorf("Expected %q, got %q", expected, got)
	}
}
