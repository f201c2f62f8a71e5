package text

import "strings"

// minChunkWords drops trailing runt windows that carry too little signal
// to be worth an embedding.
const minChunkWords = 50

// ChunkWords splits normalized text into overlapping word windows sized
// for the embedding model. The overlap keeps answers that span a window
// boundary retrievable from both sides.
func ChunkWords(text string, size, overlap int) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}
	if size <= 0 {
		size = 500
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}

	// A single short segment is still worth indexing; the runt filter only
	// applies to trailing windows of a longer text.
	if len(words) <= size {
		return []string{strings.Join(words, " ")}
	}

	var chunks []string
	step := size - overlap
	for i := 0; i < len(words); i += step {
		end := i + size
		if end > len(words) {
			end = len(words)
		}
		window := words[i:end]
		if len(window) > minChunkWords {
			chunks = append(chunks, strings.Join(window, " "))
		}
		if end == len(words) {
			break
		}
	}
	return chunks
}

// WordCount reports the whitespace-delimited word count, used for source
// aggregate stats.
func WordCount(text string) int {
	return len(strings.Fields(text))
}

// Normalize collapses runs of whitespace. Collector output often carries
// layout artifacts (PDF line breaks, HTML indentation) that would skew
// word windows.
func Normalize(text string) string {
	return strings.Join(strings.Fields(text), " ")
}
