package bot

import "strings"

// MaxMessageLength is the transport ceiling for one message.
const MaxMessageLength = 4096

// minSplitFraction is how far into the window a natural break must sit
// before it is preferred over a forced split.
const minSplitFraction = 0.3

// SplitMessage chunks text greedily: the remaining tail is emitted
// whole when it fits; otherwise the window breaks at its last newline,
// falling back to its last space, falling back to a forced cut when
// the natural break sits in the window's first 30%. The delimiter is
// consumed by trimming leading whitespace off the next chunk.
func SplitMessage(text string, limit int) []string {
	if limit <= 0 {
		limit = MaxMessageLength
	}
	var chunks []string
	rest := text
	for rest != "" {
		runes := []rune(rest)
		if len(runes) <= limit {
			chunks = append(chunks, rest)
			break
		}

		window := string(runes[:limit])
		minPos := int(float64(len(window)) * minSplitFraction)

		cut := strings.LastIndex(window, "\n")
		if cut < minPos {
			if space := strings.LastIndex(window, " "); space >= minPos {
				cut = space
			} else {
				cut = -1
			}
		}
		if cut < 0 {
			cut = len(window)
		}

		chunks = append(chunks, window[:cut])
		rest = strings.TrimLeft(rest[cut:], " \t\n")
	}
	return chunks
}
