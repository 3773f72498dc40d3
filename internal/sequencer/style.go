package sequencer

// Style transforms wrap segment text in stage directions that steer the
// upstream voice model's delivery. Transforms are pure string functions:
// the same style and input always produce the same output.
var styleTransforms = map[string]func(string) string{
	"neutral": func(text string) string {
		return text
	},
	"dramatic": func(text string) string {
		return "(slowly) " + text + " ... (long pause)"
	},
	"whisper": func(text string) string {
		return "(whispering) " + text
	},
	"cheerful": func(text string) string {
		return "(brightly, with energy) " + text
	},
	"solemn": func(text string) string {
		return "(gravely) " + text + " (pause)"
	},
}

// Transform applies the named style to text. Unknown styles leave the text
// unchanged, matching "neutral".
func Transform(style, text string) string {
	if fn, ok := styleTransforms[style]; ok {
		return fn(text)
	}
	return text
}

// KnownStyle reports whether name is a recognised style.
func KnownStyle(name string) bool {
	_, ok := styleTransforms[name]
	return ok
}

// StyleNames returns the recognised style names for validation messages.
func StyleNames() []string {
	names := make([]string, 0, len(styleTransforms))
	for name := range styleTransforms {
		names = append(names, name)
	}
	return names
}
