// Package chunk splits extracted TextUnits into overlapping, size-bounded
// Chunks for embedding.
package chunk

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/onec-graphrag/indexer/engine/identity"
	"github.com/onec-graphrag/indexer/internal/model"
)

const (
	DefaultTargetTokens  = 800
	DefaultOverlapTokens = 120
	charsPerToken        = 4
)

// Units chunks every TextUnit with the default target/overlap token
// budget, converted to characters at the fixed 4:1 ratio.
func Units(units []model.TextUnit) []model.Chunk {
	return UnitsWithBudget(units, DefaultTargetTokens, DefaultOverlapTokens)
}

// UnitsWithBudget chunks every TextUnit with an explicit token budget.
func UnitsWithBudget(units []model.TextUnit, targetTokens, overlapTokens int) []model.Chunk {
	targetChars := targetTokens * charsPerToken
	overlapChars := overlapTokens * charsPerToken

	var chunks []model.Chunk
	for _, unit := range units {
		segments := splitText(unit.Text, targetChars, overlapChars)
		for idx, segment := range segments {
			seed := fmt.Sprintf("%s|%s|%s|%s", unit.NodeKey.Label, reprKeyProps(unit.NodeKey), unit.Locator, strconv.Itoa(idx))
			chunks = append(chunks, model.Chunk{
				ChunkID: identity.StableGUID(seed),
				Text:    segment,
				Path:    unit.Path,
				Locator: unit.Locator,
				NodeKey: unit.NodeKey,
			})
		}
	}
	return chunks
}

// reprKeyProps renders a NodeKey's key properties the way Python's
// repr(dict-derived-tuple) would, closely enough to be a stable,
// collision-resistant seed component: the sorted "k=v" form already
// computed for NodeKey.Key is exactly that.
func reprKeyProps(k model.NodeKey) string {
	return k.Key
}

func splitText(text string, targetChars, overlapChars int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	paragraphs := splitNonEmpty(text, "\n\n")

	var pieces []string
	for _, p := range paragraphs {
		if len(p) <= targetChars {
			pieces = append(pieces, p)
		} else {
			pieces = append(pieces, hardSplit(p, targetChars)...)
		}
	}
	if len(pieces) == 0 {
		pieces = hardSplit(text, targetChars)
	}

	var segments []string
	current := ""
	commit := func(segment string) {
		if segment != "" {
			segments = append(segments, strings.TrimSpace(segment))
		}
	}
	for _, piece := range pieces {
		if len(current)+len(piece)+2 <= targetChars {
			if current == "" {
				current = piece
			} else {
				current = strings.TrimSpace(current + "\n\n" + piece)
			}
		} else {
			commit(current)
			current = piece
		}
	}
	commit(current)

	if len(segments) == 0 {
		segments = hardSplit(text, targetChars)
	}

	if overlapChars > 0 && len(segments) > 1 {
		overlapped := make([]string, len(segments))
		prevTail := ""
		for i, segment := range segments {
			combined := segment
			if prevTail != "" {
				combined = strings.TrimSpace(prevTail + "\n" + segment)
			}
			overlapped[i] = combined
			prevTail = tailRunes(segment, overlapChars)
		}
		segments = overlapped
	}

	return segments
}

func splitNonEmpty(text, sep string) []string {
	var out []string
	for _, p := range strings.Split(text, sep) {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// hardSplit breaks para into fixed-size (rune-safe) pieces so no piece
// exceeds limit characters.
func hardSplit(para string, limit int) []string {
	if limit <= 0 {
		return []string{para}
	}
	runes := []rune(para)
	var out []string
	for i := 0; i < len(runes); i += limit {
		end := i + limit
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, string(runes[i:end]))
	}
	return out
}

func tailRunes(s string, n int) string {
	runes := []rune(s)
	if n >= len(runes) {
		return s
	}
	return string(runes[len(runes)-n:])
}
