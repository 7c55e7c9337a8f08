// Package expression blends discrete emotion states into facial channel
// targets and an emphasis (glow) level.
package expression

import "strings"

type Kind string

const (
	Neutral    Kind = "neutral"
	Positive   Kind = "positive"
	Anxious    Kind = "anxious"
	Frustrated Kind = "frustrated"
)

// ParseKind maps a wire value to a Kind. Unknown values are neutral.
func ParseKind(s string) Kind {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case Positive, Anxious, Frustrated:
		return k
	default:
		return Neutral
	}
}

// Config is the target for one emotion at one confidence.
type Config struct {
	Channels map[string]float64
	Emphasis float64
}

type profile struct {
	channels map[string]float64
	emphasis float64
}

// profiles hold full-confidence targets; ConfigFor scales them.
var profiles = map[Kind]profile{
	Positive: {
		channels: map[string]float64{
			"mouthSmile_L": 0.6,
			"mouthSmile_R": 0.6,
			"browInnerUp":  0.3,
			"mouthOpen":    0.2,
		},
		emphasis: 0.6,
	},
	Anxious: {
		channels: map[string]float64{
			"browDown_L":  0.5,
			"browDown_R":  0.5,
			"mouthFunnel": 0.3,
		},
		emphasis: 0.4,
	},
	Frustrated: {
		channels: map[string]float64{
			"mouthFrown_L": 0.4,
			"mouthFrown_R": 0.4,
			"browDown_L":   0.6,
			"browDown_R":   0.6,
			"mouthOpen":    0.2,
		},
		emphasis: 1.0,
	},
}

// ExpressionChannels lists every channel any emotion may drive.
var ExpressionChannels = []string{
	"mouthSmile_L", "mouthSmile_R", "browInnerUp", "mouthOpen", "mouthFunnel",
	"mouthFrown_L", "mouthFrown_R", "browDown_L", "browDown_R",
}

// ConfigFor returns the target for kind at confidence (0..100, clamped).
// Neutral yields no channels and zero emphasis.
func ConfigFor(kind Kind, confidence float64) Config {
	p, ok := profiles[kind]
	if !ok {
		return Config{Channels: map[string]float64{}}
	}
	nc := min(max(confidence, 0), 100) / 100
	out := Config{Channels: make(map[string]float64, len(p.channels)), Emphasis: p.emphasis * nc}
	for ch, v := range p.channels {
		out.Channels[ch] = v * nc
	}
	return out
}
