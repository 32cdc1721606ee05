package compression

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engram-ai/engram/pkg/models"
)

func TestShouldCompressThreshold(t *testing.T) {
	c := New(0.3, 100, nil)
	assert.False(t, c.ShouldCompress(strings.Repeat("a", 99)))
	assert.True(t, c.ShouldCompress(strings.Repeat("a", 100)))
}

func TestCompressCodeStripsComments(t *testing.T) {
	c := New(0.9, 10, nil)
	code := `// leading comment
func main() {
	/* block
	   comment */
	run()
}`
	result := c.Compress(code, models.MemoryTypeFact)
	assert.NotContains(t, result.Compressed, "leading comment")
	assert.NotContains(t, result.Compressed, "block")
	assert.Contains(t, result.Compressed, "func main()")
}

func TestCompressCodeSkeletonWhenOverTarget(t *testing.T) {
	c := New(0.05, 10, nil)
	var sb strings.Builder
	sb.WriteString("import \"os\"\n")
	for i := 0; i < 30; i++ {
		sb.WriteString("func handler")
		sb.WriteString(strings.Repeat("x", i+1))
		sb.WriteString("() {\n\tdoWork()\n\tdoMore()\n\tandMore()\n}\n")
	}
	result := c.compressCode(sb.String(), 0.05)
	assert.Contains(t, result, "import \"os\"")
	assert.Contains(t, result, "more declarations")
	assert.Less(t, len(result), len(sb.String())/2)
}

func TestCompressConversationKeepsSignalLines(t *testing.T) {
	c := New(0.9, 10, nil)
	convo := `user: how do I reset the cache?
assistant: call Flush on the client
some filler chatter here
this point is critical for production
more filler`
	result := c.compressConversation(convo, 0.9)
	assert.Contains(t, result, "how do I reset the cache?")
	assert.Contains(t, result, "critical for production")
	assert.NotContains(t, result, "some filler chatter")
}

func TestCompressDocumentKeepsStructure(t *testing.T) {
	c := New(0.8, 10, nil)
	doc := `Opening paragraph describing the system.

# Architecture

Body text without markers.

In summary, the design holds.`
	result := c.compressDocument(doc, 0.8)
	assert.Contains(t, result, "Opening paragraph")
	assert.Contains(t, result, "# Architecture")
	assert.Contains(t, result, "In summary")
	assert.NotContains(t, result, "Body text without markers")
}

func TestCompressGenericStride(t *testing.T) {
	c := New(0.34, 10, nil)
	text := "First point. Second point. Third point. Fourth point. Fifth point. Sixth point."
	result := c.compressGeneric(text, 0.34)
	// ceil(6*0.34) = 3 sentences: first, middle, last.
	assert.Contains(t, result, "First point.")
	assert.Contains(t, result, "Sixth point.")
	assert.Less(t, len(result), len(text))
}

func TestHierarchicalLevelAndRatio(t *testing.T) {
	thresholds := []time.Duration{24 * time.Hour, 7 * 24 * time.Hour, 30 * 24 * time.Hour}
	assert.Equal(t, 0, HierarchicalLevel(time.Hour, thresholds))
	assert.Equal(t, 1, HierarchicalLevel(48*time.Hour, thresholds))
	assert.Equal(t, 3, HierarchicalLevel(60*24*time.Hour, thresholds))
}

func TestHierarchicalCompressTightensWithAge(t *testing.T) {
	c := New(0.5, 10, nil)
	now := time.Now()
	text := strings.Repeat("A sentence with content here. ", 60)

	young := &models.Memory{ID: "young", Type: models.MemoryTypeFact, CreatedAt: now.Add(-time.Hour)}
	young.Content, _ = models.NewJSONValue(text)
	old := &models.Memory{ID: "old", Type: models.MemoryTypeFact, CreatedAt: now.Add(-90 * 24 * time.Hour)}
	old.Content, _ = models.NewJSONValue(text)

	results := c.HierarchicalCompress([]*models.Memory{young, old},
		[]time.Duration{24 * time.Hour, 7 * 24 * time.Hour}, now)

	require.Len(t, results, 2)
	assert.Less(t, results["old"].CompressedSize, results["young"].CompressedSize)
}

func TestQualityKeywordPreservation(t *testing.T) {
	q := measureQuality("this is important and critical", "keeps important only")
	assert.InDelta(t, 0.5, q.KeywordPreservation, 1e-9)

	q = measureQuality("no keywords here", "summary")
	assert.Equal(t, 1.0, q.KeywordPreservation)
}

func TestDecompressReturnsSummary(t *testing.T) {
	assert.Equal(t, "summary text", Decompress("summary text"))
}
