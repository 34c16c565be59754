package steps

import (
	"strings"

	"github.com/adrg/strutil"
	"github.com/adrg/strutil/metrics"
	"github.com/loftmedia/autolog/pkg/logger"
)

var log = logger.Get("Steps")

type (
	QualityConfig struct {
		// MinCombinedLength is the minimum total character count across the
		// scraped text fields for the result to count as usable.
		MinCombinedLength int

		// MinPopulatedFields is how many scraped fields must be non-empty.
		MinPopulatedFields int

		// FailureSimilarity is the similarity score above which a scraped
		// field is considered a scrape-failure artifact rather than real
		// metadata.
		FailureSimilarity float64
	}

	// QualityScorer decides whether a URL scrape produced usable metadata
	// or a junk page (error page, captcha wall, empty template). The
	// decision is deterministic so that a record parked at Awaiting User
	// Input stays parked on re-evaluation.
	QualityScorer struct {
		config QualityConfig
		metric *metrics.JaroWinkler
	}
)

// scrapedFields are the fields the URL scraping step writes back to the
// footage record; the scorer inspects these and nothing else.
var scrapedFields = []string{"scraped_title", "scraped_description", "scraped_keywords"}

// failurePhrases are the tell-tale bodies scrapers produce when the
// target page refused or failed to render. Matched by similarity, not
// equality, to tolerate surrounding boilerplate.
var failurePhrases = []string{
	"access denied",
	"page not found",
	"404 not found",
	"403 forbidden",
	"please enable javascript",
	"verify you are a human",
	"this content is unavailable",
	"too many requests",
}

func DefaultQualityConfig() QualityConfig {
	return QualityConfig{
		MinCombinedLength:  120,
		MinPopulatedFields: 2,
		FailureSimilarity:  0.82,
	}
}

func NewQualityScorer(config QualityConfig) *QualityScorer {
	metric := metrics.NewJaroWinkler()
	metric.CaseSensitive = false

	return &QualityScorer{config: config, metric: metric}
}

// Evaluate inspects the scraped fields of a footage record and reports
// whether the scrape result is acceptable. The reason describes the
// first check that failed and is empty on success.
func (scorer *QualityScorer) Evaluate(fields map[string]any) (bool, string) {
	populated := 0
	combined := 0
	for _, name := range scrapedFields {
		value := strings.TrimSpace(fieldString(fields, name))
		if value == "" {
			continue
		}

		if phrase, score := scorer.matchFailurePhrase(value); score >= scorer.config.FailureSimilarity {
			return false, "field " + name + " resembles scrape failure output (" + phrase + ")"
		}

		populated++
		combined += len(value)
	}

	if populated < scorer.config.MinPopulatedFields {
		return false, "too few scraped fields populated"
	}

	if combined < scorer.config.MinCombinedLength {
		return false, "combined scraped text below minimum length"
	}

	return true, ""
}

// matchFailurePhrase returns the best-matching failure phrase and its
// similarity score. Long values are compared window-by-window so a junk
// phrase buried in boilerplate still registers.
func (scorer *QualityScorer) matchFailurePhrase(value string) (string, float64) {
	bestPhrase, bestScore := "", 0.0
	for _, phrase := range failurePhrases {
		score := strutil.Similarity(value, phrase, scorer.metric)
		for _, window := range windows(value, len(phrase)) {
			if s := strutil.Similarity(window, phrase, scorer.metric); s > score {
				score = s
			}
		}

		if score > bestScore {
			bestPhrase, bestScore = phrase, score
		}
	}

	return bestPhrase, bestScore
}

// windows slices the value in to word-aligned substrings of roughly the
// given width for phrase matching.
func windows(value string, width int) []string {
	words := strings.Fields(value)
	if len(words) == 0 {
		return nil
	}

	out := make([]string, 0, len(words))
	for i := range words {
		window := words[i]
		for j := i + 1; j < len(words) && len(window) < width; j++ {
			window += " " + words[j]
		}
		out = append(out, window)
	}

	return out
}

func fieldString(fields map[string]any, name string) string {
	if raw, ok := fields[name]; ok {
		if s, ok := raw.(string); ok {
			return s
		}
	}

	return ""
}
