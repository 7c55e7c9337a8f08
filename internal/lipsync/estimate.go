package lipsync

import (
	"strings"
	"unicode"

	"github.com/loqalabs/loqa-avatar/internal/protocol"
)

// letterVisemes maps letters and digraphs to viseme ids.
var letterVisemes = map[string]string{
	"th": "TH", "ch": "CH", "sh": "CH",
	"p": "PP", "b": "PP", "m": "PP",
	"f": "FF", "v": "FF",
	"t": "DD", "d": "DD",
	"k": "KK", "g": "KK", "c": "KK", "q": "KK", "x": "KK",
	"j": "CH",
	"s": "SS", "z": "SS",
	"n": "NN", "l": "NN",
	"r": "RR",
	"a": "AA", "h": "AA",
	"e": "E",
	"i": "IH", "y": "IH",
	"o": "OH",
	"u": "OU", "w": "OU",
}

const (
	vowelSeconds     = 0.11
	consonantSeconds = 0.07
	wordGapSeconds   = 0.08
	clauseGapSeconds = 0.25
	blendOverlap     = 0.03
)

// EstimateTimeline derives an approximate timeline from text for synthesizers
// that return no phoneme timing. rate scales speaking speed; 1 is normal.
func EstimateTimeline(text string, rate float64) []protocol.VisemeSegment {
	if rate <= 0 {
		rate = 1
	}
	lower := strings.ToLower(strings.TrimSpace(text))
	var segs []protocol.VisemeSegment
	cursor := 0.0
	contiguous := false

	for i := 0; i < len(lower); {
		r := rune(lower[i])
		switch {
		case r == '.' || r == ',' || r == '!' || r == '?' || r == ';' || r == ':':
			cursor += clauseGapSeconds / rate
			contiguous = false
			i++
			continue
		case unicode.IsSpace(r):
			cursor += wordGapSeconds / rate
			contiguous = false
			i++
			continue
		}

		token := lower[i : i+1]
		if i+1 < len(lower) {
			if _, ok := letterVisemes[lower[i:i+2]]; ok {
				token = lower[i : i+2]
			}
		}
		i += len(token)
		viseme, ok := letterVisemes[token]
		if !ok {
			continue
		}

		length, weight := consonantSeconds, 0.8
		if strings.ContainsAny(token, "aeiou") {
			length, weight = vowelSeconds, 1.0
		}
		length /= rate

		if contiguous && len(segs) > 0 {
			// Let the previous shape run into this one so the player can blend.
			segs[len(segs)-1].End = cursor + blendOverlap/rate
		}
		segs = append(segs, protocol.VisemeSegment{
			Phoneme: token,
			Viseme:  viseme,
			Start:   cursor,
			End:     cursor + length,
			Weight:  weight,
		})
		cursor += length
		contiguous = true
	}
	return segs
}
