// Package sentiment holds the label vocabulary, the label-extraction
// heuristic, and the per-run tally that turns labels into a summary.
package sentiment

import (
	"strconv"
	"strings"
)

// Label is one of the three sentiment classes.
type Label string

const (
	Positive Label = "positive"
	Negative Label = "negative"
	Neutral  Label = "neutral"
)

// Classify maps free-form model output to a label. "positive" is checked
// before "negative", so text containing both is Positive; text containing
// neither is Neutral.
func Classify(raw string) Label {
	lower := strings.ToLower(raw)
	switch {
	case strings.Contains(lower, string(Positive)):
		return Positive
	case strings.Contains(lower, string(Negative)):
		return Negative
	default:
		return Neutral
	}
}

// Counts tallies the labels of one run. Skipped counts reviews whose
// remote call failed.
type Counts struct {
	Positive int
	Negative int
	Neutral  int
	Skipped  int
}

// Add increments the counter for l.
func (c *Counts) Add(l Label) {
	switch l {
	case Positive:
		c.Positive++
	case Negative:
		c.Negative++
	default:
		c.Neutral++
	}
}

// Merge folds other into c.
func (c *Counts) Merge(other Counts) {
	c.Positive += other.Positive
	c.Negative += other.Negative
	c.Neutral += other.Neutral
	c.Skipped += other.Skipped
}

// Classified returns the number of reviews that received a label.
func (c Counts) Classified() int {
	return c.Positive + c.Negative + c.Neutral
}

// Summary is the normalized three-way breakdown returned to callers.
// Each fraction is rounded on its own, so the sum may miss 1.0 by a
// rounding step.
type Summary struct {
	Positive float64 `json:"positive"`
	Negative float64 `json:"negative"`
	Neutral  float64 `json:"neutral"`
	Skipped  int     `json:"skipped"`
}

// Summarize computes the fractions for c. It returns nil when nothing was
// classified.
func Summarize(c Counts) *Summary {
	total := c.Classified()
	if total == 0 {
		return nil
	}
	return &Summary{
		Positive: round2(float64(c.Positive) / float64(total)),
		Negative: round2(float64(c.Negative) / float64(total)),
		Neutral:  round2(float64(c.Neutral) / float64(total)),
		Skipped:  c.Skipped,
	}
}

// round2 rounds the exact binary value of v to two decimals, ties to even.
// Scaling by 100 first would turn values like 0.025 into a false tie.
func round2(v float64) float64 {
	r, _ := strconv.ParseFloat(strconv.FormatFloat(v, 'f', 2, 64), 64)
	return r
}
