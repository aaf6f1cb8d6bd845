package tool

import (
	"strings"
	"time"
	"unicode/utf8"

	"relay-ai/internal/security"
)

// chunkSize is the size of one direct-write progress step.
const chunkSize = 1024

// DefaultFilename names a file written without a client-supplied path.
func DefaultFilename(now time.Time) string {
	return now.Format("file-20060102-150405") + ".txt"
}

// resolveTarget picks the output path for userPath, falling back to a
// timestamped default name.
func resolveTarget(sb *security.Sandbox, userPath string, now time.Time) (abs, rel string, err error) {
	if strings.TrimSpace(userPath) == "" {
		userPath = DefaultFilename(now)
	}
	return sb.Resolve(userPath)
}

// splitChunks cuts s into pieces of at most size bytes without splitting a
// UTF-8 sequence.
func splitChunks(s string, size int) []string {
	var out []string
	for len(s) > size {
		cut := size
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		if cut == 0 {
			cut = size
		}
		out = append(out, s[:cut])
		s = s[cut:]
	}
	if s != "" {
		out = append(out, s)
	}
	return out
}
