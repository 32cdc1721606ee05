// Package compression implements type-aware, lossy text summarization used
// when oversized content is ingested and when memories are archived.
package compression

import (
	"math"
	"strings"
	"time"

	"github.com/engram-ai/engram/pkg/models"
	"github.com/engram-ai/engram/pkg/observability"
)

// DefaultThreshold is the content size that triggers compression on ingest.
const DefaultThreshold = 100 * 1024

// Result describes one compression pass. Compression is lossy by design:
// decompression returns the stored summary, never the original.
type Result struct {
	Compressed     string  `json:"compressed"`
	OriginalSize   int     `json:"originalSize"`
	CompressedSize int     `json:"compressedSize"`
	Ratio          float64 `json:"compressionRatio"`
	Strategy       string  `json:"strategy"`
	Quality        Quality `json:"quality"`
}

// Quality reports advisory metrics; behavior never depends on them.
type Quality struct {
	InformationRetention float64 `json:"informationRetention"`
	Readability          float64 `json:"readability"`
	KeywordPreservation  float64 `json:"keywordPreservation"`
}

// Compressor performs type-aware compression toward a target size ratio.
type Compressor struct {
	targetRatio float64
	threshold   int
	logger      observability.Logger
}

// New creates a compressor. targetRatio defaults to 0.3, threshold to 100 KB.
func New(targetRatio float64, threshold int, logger observability.Logger) *Compressor {
	if targetRatio <= 0 || targetRatio >= 1 {
		targetRatio = 0.3
	}
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &Compressor{targetRatio: targetRatio, threshold: threshold, logger: logger}
}

// Threshold returns the size above which content is compressed on ingest.
func (c *Compressor) Threshold() int { return c.threshold }

// ShouldCompress reports whether text is large enough to compress.
func (c *Compressor) ShouldCompress(text string) bool {
	return len(text) >= c.threshold
}

// Compress summarizes text with the strategy for its memory type.
func (c *Compressor) Compress(text string, memType models.MemoryType) *Result {
	return c.compressWithRatio(text, memType, c.targetRatio)
}

func (c *Compressor) compressWithRatio(text string, memType models.MemoryType, ratio float64) *Result {
	var compressed, strategy string
	switch memType {
	case models.MemoryTypeError, models.MemoryTypeTask:
		// Code-heavy types share the code strategy.
		compressed, strategy = c.compressCode(text, ratio), "code"
	case models.MemoryTypeConversation:
		compressed, strategy = c.compressConversation(text, ratio), "conversation"
	case models.MemoryTypeDecision, models.MemoryTypeInsight:
		compressed, strategy = c.compressDocument(text, ratio), "document"
	default:
		if looksLikeCode(text) {
			compressed, strategy = c.compressCode(text, ratio), "code"
		} else if looksLikeDocument(text) {
			compressed, strategy = c.compressDocument(text, ratio), "document"
		} else {
			compressed, strategy = c.compressGeneric(text, ratio), "generic"
		}
	}

	return &Result{
		Compressed:     compressed,
		OriginalSize:   len(text),
		CompressedSize: len(compressed),
		Ratio:          safeRatio(len(compressed), len(text)),
		Strategy:       strategy,
		Quality:        measureQuality(text, compressed),
	}
}

// HierarchicalLevel counts how many age thresholds a memory has exceeded.
func HierarchicalLevel(age time.Duration, thresholds []time.Duration) int {
	level := 0
	for _, t := range thresholds {
		if age > t {
			level++
		}
	}
	return level
}

// HierarchicalCompress compresses each memory with a ratio tightened by
// 0.7 per age threshold exceeded. Returns per-memory results keyed by id.
func (c *Compressor) HierarchicalCompress(memories []*models.Memory, thresholds []time.Duration, now time.Time) map[string]*Result {
	out := make(map[string]*Result, len(memories))
	for _, m := range memories {
		level := HierarchicalLevel(now.Sub(m.CreatedAt), thresholds)
		ratio := c.targetRatio * math.Pow(0.7, float64(level))
		out[m.ID] = c.compressWithRatio(m.Content.Text(), m.Type, ratio)
	}
	return out
}

// Decompress returns the stored summary. There is no inverse transform.
func Decompress(compressed string) string { return compressed }

func safeRatio(compressed, original int) float64 {
	if original == 0 {
		return 1
	}
	return float64(compressed) / float64(original)
}

var importanceKeywords = []string{"important", "critical", "must", "should", "need"}

func measureQuality(original, compressed string) Quality {
	q := Quality{
		InformationRetention: safeRatio(len(compressed), len(original)),
	}

	lowerOrig := strings.ToLower(original)
	lowerComp := strings.ToLower(compressed)
	var present, kept int
	for _, kw := range importanceKeywords {
		if strings.Contains(lowerOrig, kw) {
			present++
			if strings.Contains(lowerComp, kw) {
				kept++
			}
		}
	}
	if present == 0 {
		q.KeywordPreservation = 1
	} else {
		q.KeywordPreservation = float64(kept) / float64(present)
	}

	// Rough readability proxy: average sentence length relative to a
	// 20-word ideal.
	sentences := splitSentences(compressed)
	if len(sentences) > 0 {
		words := len(strings.Fields(compressed))
		avg := float64(words) / float64(len(sentences))
		q.Readability = math.Max(0, 1-math.Abs(avg-20)/40)
	}
	return q
}

func looksLikeCode(text string) bool {
	markers := []string{"function ", "func ", "class ", "import ", "const ", "=> {", "#include"}
	hits := 0
	for _, m := range markers {
		if strings.Contains(text, m) {
			hits++
		}
	}
	return hits >= 2
}

func looksLikeDocument(text string) bool {
	return strings.Contains(text, "\n# ") || strings.HasPrefix(text, "# ") ||
		strings.Count(text, "\n\n") >= 3
}

func splitSentences(text string) []string {
	var sentences []string
	var current strings.Builder
	for _, r := range text {
		current.WriteRune(r)
		if r == '.' || r == '!' || r == '?' {
			if s := strings.TrimSpace(current.String()); s != "" {
				sentences = append(sentences, s)
			}
			current.Reset()
		}
	}
	if s := strings.TrimSpace(current.String()); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}
