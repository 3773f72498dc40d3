package sequencer

import "strings"

// ChannelID names one of the fixed voice channels. Four named speakers plus
// a default for untagged text.
type ChannelID string

const (
	ChannelDefault ChannelID = "default"
	ChannelMale1   ChannelID = "male1"
	ChannelMale2   ChannelID = "male2"
	ChannelFemale1 ChannelID = "female1"
	ChannelFemale2 ChannelID = "female2"
)

// AllChannels lists every channel the router must maintain.
var AllChannels = []ChannelID{
	ChannelDefault, ChannelMale1, ChannelMale2, ChannelFemale1, ChannelFemale2,
}

// speakerPrefixes maps the speaker-tag convention used in transcripts to
// channel ids. Matching is exact on the prefix including the colon.
var speakerPrefixes = []struct {
	prefix  string
	tag     string
	channel ChannelID
}{
	{"Male 1:", "Male 1", ChannelMale1},
	{"Male 2:", "Male 2", ChannelMale2},
	{"Female 1:", "Female 1", ChannelFemale1},
	{"Female 2:", "Female 2", ChannelFemale2},
}

// Segment is one unit of text dispatched to a voice channel.
type Segment struct {
	// Text is the segment body with any speaker prefix already stripped.
	Text string

	// SpeakerTag is the speaker label found in front of the text, or empty
	// when the segment routes to the default channel.
	SpeakerTag string

	// SourceTurnID links the segment to its conversation turn. Empty for
	// fillers, which have no turn.
	SourceTurnID string

	// IsFiller marks automatically injected non-verbal cue segments. Fillers
	// are dispatched verbatim, never style-transformed.
	IsFiller bool

	// SessionID and UserID identify the transcript the segment came from,
	// carried through for persistence.
	SessionID string
	UserID    string
}

// SplitSpeaker extracts the speaker tag from the front of a paragraph and
// returns the tag plus the remaining text. Text without a recognised prefix
// is returned unchanged with an empty tag.
func SplitSpeaker(text string) (tag, rest string) {
	for _, sp := range speakerPrefixes {
		if strings.HasPrefix(text, sp.prefix) {
			return sp.tag, strings.TrimSpace(strings.TrimPrefix(text, sp.prefix))
		}
	}
	return "", text
}

// channelFor maps a speaker tag to its channel. Unknown or empty tags route
// to the default channel.
func channelFor(tag string) ChannelID {
	for _, sp := range speakerPrefixes {
		if sp.tag == tag {
			return sp.channel
		}
	}
	return ChannelDefault
}

// SplitParagraphs splits a transcript's full text on blank-line boundaries
// into trimmed, non-empty paragraphs. Lines containing only whitespace count
// as blank. Single newlines inside a paragraph are preserved.
func SplitParagraphs(fullText string) []string {
	var (
		paragraphs []string
		current    []string
	)
	flush := func() {
		if len(current) == 0 {
			return
		}
		p := strings.TrimSpace(strings.Join(current, "\n"))
		if p != "" {
			paragraphs = append(paragraphs, p)
		}
		current = current[:0]
	}

	for _, line := range strings.Split(fullText, "\n") {
		if strings.TrimSpace(line) == "" {
			flush()
			continue
		}
		current = append(current, line)
	}
	flush()
	return paragraphs
}
