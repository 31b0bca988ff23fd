package transcript

import (
	"strings"
	"unicode"

	"github.com/bazhil/SpeechTranscriber/internal/recognition"
)

// NoResults is returned instead of an empty string when nothing was recognized.
const NoResults = "No transcription results found."

// Options controls how a result is rendered.
type Options struct {
	// SeparateSpeakers prefixes lines with "Speaker N: " when a speaker is known.
	SeparateSpeakers bool
	// SuppressRepeats drops a line identical to the previous emitted line.
	SuppressRepeats bool
	// Speakers, when non-empty, keeps only lines attributed to these speakers.
	Speakers []string
}

// Normalize renders a recognition result as newline-separated text.
func Normalize(result recognition.Result, opts Options) string {
	if result.Len() == 0 {
		return NoResults
	}

	var allowed map[string]bool
	if len(opts.Speakers) > 0 {
		allowed = make(map[string]bool, len(opts.Speakers))
		for _, s := range opts.Speakers {
			allowed[s] = true
		}
	}

	var b strings.Builder
	last := ""
	emitted := 0
	for _, l := range result.Lines() {
		if allowed != nil && !allowed[l.Speaker] {
			continue
		}

		line := FormatLine(l, opts.SeparateSpeakers)
		trimmed := strings.TrimSpace(line)
		if opts.SuppressRepeats && emitted > 0 && trimmed == last {
			continue
		}

		b.WriteString(line)
		b.WriteByte('\n')
		last = trimmed
		emitted++
	}

	if emitted == 0 {
		return NoResults
	}
	return strings.TrimRightFunc(b.String(), unicode.IsSpace)
}

// FormatLine renders a single line, preferring normalized text.
func FormatLine(l recognition.Line, separateSpeakers bool) string {
	text := l.NormalizedText
	if text == "" {
		text = l.Text
	}
	if separateSpeakers && l.Speaker != "" {
		return "Speaker " + l.Speaker + ": " + text
	}
	return text
}
