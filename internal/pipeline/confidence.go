package pipeline

// Confidence is the coarse trust label attached to every response.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
	// ConfidenceNA is only used on blocked responses.
	ConfidenceNA Confidence = "n/a"
)

const (
	highThreshold   = 0.75
	mediumThreshold = 0.40
)

// Factor is one weighted item of the evidence checklist.
type Factor struct {
	Name    string  `json:"name"`
	Present bool    `json:"present"`
	Weight  float64 `json:"weight"`
}

// F is shorthand for building factor lists in agent definitions.
func F(name string, present bool, weight float64) Factor {
	return Factor{Name: name, Present: present, Weight: weight}
}

// ScoreConfidence maps the share of present weight onto a label.
// An empty checklist, or one with no positive weight, scores low.
func ScoreConfidence(factors []Factor) Confidence {
	ratio, ok := EvidenceRatio(factors)
	if !ok {
		return ConfidenceLow
	}
	switch {
	case ratio >= highThreshold:
		return ConfidenceHigh
	case ratio >= mediumThreshold:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

// EvidenceRatio returns present weight over total weight. Non-positive weights are ignored.
func EvidenceRatio(factors []Factor) (float64, bool) {
	var total, present float64
	for _, f := range factors {
		if f.Weight <= 0 {
			continue
		}
		total += f.Weight
		if f.Present {
			present += f.Weight
		}
	}
	if total == 0 {
		return 0, false
	}
	return present / total, true
}

func (c Confidence) rank() int {
	switch c {
	case ConfidenceHigh:
		return 3
	case ConfidenceMedium:
		return 2
	case ConfidenceLow:
		return 1
	default:
		return 0
	}
}

// AtLeast reports whether c is at or above min.
func (c Confidence) AtLeast(min Confidence) bool {
	return c.rank() >= min.rank()
}

// Cap returns the lower of c and ceiling.
func (c Confidence) Cap(ceiling Confidence) Confidence {
	if ceiling.rank() < c.rank() {
		return ceiling
	}
	return c
}

// Downgrade moves one level down, stopping at low.
func (c Confidence) Downgrade() Confidence {
	switch c {
	case ConfidenceHigh:
		return ConfidenceMedium
	case ConfidenceMedium:
		return ConfidenceLow
	default:
		return c
	}
}
