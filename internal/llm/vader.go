package llm

import (
	"context"
	"html"
	"regexp"
	"strings"

	"github.com/jonreiter/govader"
	"github.com/russross/blackfriday/v2"
)

// Compound scores at or beyond these bounds are positive or negative.
const (
	vaderPositiveBound = 0.20
	vaderNegativeBound = -0.20
)

var (
	linkPattern = regexp.MustCompile(`\[(.*?)\]\((https?:\/\/[^\s\)]+)\)`)
	urlPattern  = regexp.MustCompile(`https?://\S+|www\.\S+`)
	tagPattern  = regexp.MustCompile(`<[^>]*>`)
)

// VaderAnalyzer scores reviews locally with the VADER lexicon and answers
// with the bare label word, so the same classifier applies to its output.
type VaderAnalyzer struct {
	compound func(text string) float64
}

// NewVaderAnalyzer creates a local analyzer.
func NewVaderAnalyzer() *VaderAnalyzer {
	analyzer := govader.NewSentimentIntensityAnalyzer()
	return &VaderAnalyzer{
		compound: func(text string) float64 {
			return analyzer.PolarityScores(text).Compound
		},
	}
}

// Analyze never fails unless ctx is already done.
func (v *VaderAnalyzer) Analyze(ctx context.Context, review string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", &CallFailure{Kind: FailureTransport, Detail: err.Error()}
	}

	score := v.compound(PlainText(review))
	switch {
	case score >= vaderPositiveBound:
		return "positive", nil
	case score <= vaderNegativeBound:
		return "negative", nil
	default:
		return "neutral", nil
	}
}

// PlainText renders Markdown and strips tags and links, leaving the words.
func PlainText(input string) string {
	input = linkPattern.ReplaceAllString(input, "$1")
	input = urlPattern.ReplaceAllString(input, "")

	rendered := blackfriday.Run([]byte(input), blackfriday.WithNoExtensions())
	text := tagPattern.ReplaceAllString(string(rendered), " ")
	return strings.Join(strings.Fields(html.UnescapeString(text)), " ")
}
