package chunker

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidParams is returned for budgets that cannot produce a chunking.
// Callers must fix their input; it is never worth retrying.
var ErrInvalidParams = errors.New("invalid chunking parameters")

// Chunk splits text into passages of at most maxTokens tokens, where
// consecutive passages share overlapTokens tokens. Tokens are
// whitespace-delimited words, so a cut never lands inside a word.
//
// When a window is full the cut is pulled back to the last sentence end in
// the window's second half, if there is one. Output depends only on the
// input and parameters.
func Chunk(text string, maxTokens, overlapTokens int) ([]string, error) {
	if maxTokens <= 0 {
		return nil, fmt.Errorf("%w: max tokens %d", ErrInvalidParams, maxTokens)
	}
	if overlapTokens < 0 || overlapTokens >= maxTokens {
		return nil, fmt.Errorf("%w: overlap %d with max %d", ErrInvalidParams, overlapTokens, maxTokens)
	}

	words := strings.Fields(text)
	if len(words) == 0 {
		return nil, nil
	}

	var chunks []string
	start := 0
	for start < len(words) {
		end := start + maxTokens
		if end >= len(words) {
			chunks = append(chunks, strings.Join(words[start:], " "))
			break
		}

		// Prefer a sentence boundary, as long as the window still advances
		// past the overlap.
		for j := end - 1; j >= start+maxTokens/2; j-- {
			if endsSentence(words[j]) && j+1-start > overlapTokens {
				end = j + 1
				break
			}
		}

		chunks = append(chunks, strings.Join(words[start:end], " "))
		start = end - overlapTokens
	}
	return chunks, nil
}

// CountTokens approximates the token count the same way Chunk measures it.
func CountTokens(text string) int {
	return len(strings.Fields(text))
}

// Truncate keeps the first maxTokens tokens of text.
func Truncate(text string, maxTokens int) string {
	words := strings.Fields(text)
	if len(words) <= maxTokens {
		return strings.Join(words, " ")
	}
	return strings.Join(words[:maxTokens], " ")
}

func endsSentence(word string) bool {
	w := strings.TrimRight(word, `"')]`)
	if w == "" {
		return false
	}
	switch w[len(w)-1] {
	case '.', '!', '?':
		return true
	}
	return false
}
