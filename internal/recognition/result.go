package recognition

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Shape identifies which of the two result layouts the provider returned.
type Shape int

const (
	// ShapeFlat is an array of segments with text and speaker_tag.
	ShapeFlat Shape = iota
	// ShapeNested is an array of utterances, each with speaker_info and a results list.
	ShapeNested
)

func (s Shape) String() string {
	switch s {
	case ShapeFlat:
		return "flat"
	case ShapeNested:
		return "nested"
	default:
		return "unknown"
	}
}

// Word is one recognized word of a flat segment.
type Word struct {
	Text       string `json:"text"`
	StartMs    int64  `json:"start_ms"`
	EndMs      int64  `json:"end_ms"`
	SpeakerTag string `json:"speaker_tag,omitempty"`
}

// Segment is one element of a flat result.
type Segment struct {
	Text           string `json:"text"`
	NormalizedText string `json:"normalized_text,omitempty"`
	StartMs        int64  `json:"start_ms"`
	EndMs          int64  `json:"end_ms"`
	SpeakerTag     string `json:"speaker_tag,omitempty"`
	ChannelTag     string `json:"channel_tag,omitempty"`
	Words          []Word `json:"words,omitempty"`
}

// UtteranceResult is one hypothesis inside a nested utterance. Start and End
// are provider durations such as "1.240s".
type UtteranceResult struct {
	Text           string `json:"text"`
	NormalizedText string `json:"normalized_text,omitempty"`
	Start          string `json:"start,omitempty"`
	End            string `json:"end,omitempty"`
}

// StartMs converts Start to milliseconds.
func (r UtteranceResult) StartMs() int64 { return durationMs(r.Start) }

// EndMs converts End to milliseconds.
func (r UtteranceResult) EndMs() int64 { return durationMs(r.End) }

// SpeakerInfo attributes an utterance to a speaker. A missing SpeakerID or
// -1 means the provider could not assign one.
type SpeakerInfo struct {
	SpeakerID             *int    `json:"speaker_id,omitempty"`
	MainSpeakerConfidence float64 `json:"main_speaker_confidence,omitempty"`
}

// Utterance is one element of a nested result.
type Utterance struct {
	Results     []UtteranceResult `json:"results"`
	EOU         bool              `json:"eou,omitempty"`
	Channel     int               `json:"channel"`
	SpeakerInfo *SpeakerInfo      `json:"speaker_info,omitempty"`
}

// Speaker returns the speaker id as text, or "" when unassigned.
func (u Utterance) Speaker() string {
	if u.SpeakerInfo == nil || u.SpeakerInfo.SpeakerID == nil || *u.SpeakerInfo.SpeakerID < 0 {
		return ""
	}
	return strconv.Itoa(*u.SpeakerInfo.SpeakerID)
}

// Result is a downloaded recognition result. Exactly one of Segments and
// Utterances is used, as selected by Shape.
type Result struct {
	Shape      Shape
	Segments   []Segment
	Utterances []Utterance
}

// Line is one transcribed span, independent of the result shape.
type Line struct {
	Speaker        string
	Text           string
	NormalizedText string
	StartMs        int64
	EndMs          int64
}

// Len returns the number of top-level entries in the result.
func (r Result) Len() int {
	if r.Shape == ShapeNested {
		return len(r.Utterances)
	}
	return len(r.Segments)
}

// Lines flattens the result in provider order.
func (r Result) Lines() []Line {
	if r.Shape == ShapeNested {
		lines := make([]Line, 0, len(r.Utterances))
		for _, u := range r.Utterances {
			speaker := u.Speaker()
			for _, res := range u.Results {
				lines = append(lines, Line{
					Speaker:        speaker,
					Text:           res.Text,
					NormalizedText: res.NormalizedText,
					StartMs:        res.StartMs(),
					EndMs:          res.EndMs(),
				})
			}
		}
		return lines
	}

	lines := make([]Line, 0, len(r.Segments))
	for _, s := range r.Segments {
		lines = append(lines, Line{
			Speaker:        s.SpeakerTag,
			Text:           s.Text,
			NormalizedText: s.NormalizedText,
			StartMs:        s.StartMs,
			EndMs:          s.EndMs,
		})
	}
	return lines
}

// EndMs returns the latest end offset across all lines.
func (r Result) EndMs() int64 {
	var end int64
	for _, l := range r.Lines() {
		if l.EndMs > end {
			end = l.EndMs
		}
	}
	return end
}

// UnmarshalJSON resolves the shape once, from the first element. Every
// element must be a JSON object.
func (r *Result) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return fmt.Errorf("result is not a JSON array: got null")
	}

	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return fmt.Errorf("result is not a JSON array: %w", err)
	}

	*r = Result{Shape: ShapeFlat}
	if len(items) == 0 {
		return nil
	}

	var first map[string]json.RawMessage
	for i, item := range items {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(item, &fields); err != nil {
			return fmt.Errorf("result element %d is not an object: %w", i, err)
		}
		if fields == nil {
			return fmt.Errorf("result element %d is not an object: got null", i)
		}
		if i == 0 {
			first = fields
		}
	}
	_, hasResults := first["results"]
	_, hasSpeakerInfo := first["speaker_info"]

	if hasResults || hasSpeakerInfo {
		r.Shape = ShapeNested
		return json.Unmarshal(data, &r.Utterances)
	}
	return json.Unmarshal(data, &r.Segments)
}

// MarshalJSON writes the result back in the shape it was read in.
func (r Result) MarshalJSON() ([]byte, error) {
	if r.Shape == ShapeNested {
		if r.Utterances == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(r.Utterances)
	}
	if r.Segments == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(r.Segments)
}

// ParseResult decodes a downloaded result body.
func ParseResult(body []byte) (Result, error) {
	var r Result
	if err := json.Unmarshal(bytes.TrimSpace(body), &r); err != nil {
		return Result{}, err
	}
	return r, nil
}

var thousand = decimal.NewFromInt(1000)

// durationMs converts a provider duration ("1.240s" or "1.24") to milliseconds.
// Unparseable values yield zero.
func durationMs(s string) int64 {
	s = strings.TrimSuffix(strings.TrimSpace(s), "s")
	if s == "" {
		return 0
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0
	}
	return d.Mul(thousand).Round(0).IntPart()
}
