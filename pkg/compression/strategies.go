package compression

import (
	"fmt"
	"math"
	"regexp"
	"strings"
)

var (
	blockCommentRe = regexp.MustCompile(`(?s)/\*.*?\*/`)
	lineCommentRe  = regexp.MustCompile(`(?m)//[^\n]*$|(?m)^\s*#[^\n]*$`)
	blankRunRe     = regexp.MustCompile(`\n{3,}`)
	spaceRunRe     = regexp.MustCompile(`[ \t]{2,}`)
	signatureRe    = regexp.MustCompile(`(?m)^\s*(?:export\s+)?(?:public\s+|private\s+|protected\s+|static\s+|async\s+)*(?:func|function|def|class|interface|type)\s+[\w$]+[^\n{]*`)
	importRe       = regexp.MustCompile(`(?m)^\s*(?:import|from|using|require|include)\b[^\n]*`)
	headerRe       = regexp.MustCompile(`(?m)^#{1,6}\s+[^\n]+`)
	roleMarkerRe   = regexp.MustCompile(`(?i)^\s*(?:user|assistant|system|human|ai)\s*[:>]`)
)

// compressCode strips comments and collapses whitespace. When that is not
// enough to reach the target ratio it falls back to a structural skeleton:
// imports, leading declarations, and a count of the rest.
func (c *Compressor) compressCode(text string, ratio float64) string {
	stripped := blockCommentRe.ReplaceAllString(text, "")
	stripped = lineCommentRe.ReplaceAllString(stripped, "")
	stripped = spaceRunRe.ReplaceAllString(stripped, " ")
	stripped = blankRunRe.ReplaceAllString(stripped, "\n\n")
	stripped = strings.TrimSpace(stripped)

	target := int(float64(len(text)) * ratio)
	if len(stripped) <= target || target <= 0 {
		return stripped
	}

	imports := importRe.FindAllString(text, -1)
	signatures := signatureRe.FindAllString(text, -1)

	const maxSignatures = 20
	shown := signatures
	if len(shown) > maxSignatures {
		shown = shown[:maxSignatures]
	}

	var sb strings.Builder
	for _, imp := range imports {
		sb.WriteString(strings.TrimSpace(imp))
		sb.WriteByte('\n')
	}
	for _, sig := range shown {
		sb.WriteString(strings.TrimSpace(sig))
		sb.WriteByte('\n')
	}
	if len(signatures) > len(shown) {
		fmt.Fprintf(&sb, "// ... %d more declarations\n", len(signatures)-len(shown))
	}
	return strings.TrimSpace(sb.String())
}

// compressConversation keeps questions, role-marked lines, and lines with
// importance keywords. If the result still exceeds the target it brackets
// head and tail fragments around an elision marker.
func (c *Compressor) compressConversation(text string, ratio float64) string {
	lines := strings.Split(text, "\n")
	var kept []string
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if strings.Contains(trimmed, "?") || roleMarkerRe.MatchString(trimmed) || hasImportanceKeyword(trimmed) {
			kept = append(kept, trimmed)
		}
	}

	result := strings.Join(kept, "\n")
	target := int(float64(len(text)) * ratio)
	if len(result) <= target || target <= 0 {
		if result == "" {
			return c.compressGeneric(text, ratio)
		}
		return result
	}

	half := target / 2
	head := result[:minInt(half, len(result))]
	tail := result[maxInt(0, len(result)-half):]
	return head + "\n[...]\n" + tail
}

// compressDocument keeps the opening paragraph, leading headers, and
// keyword-bearing paragraphs, then truncates to the target length.
func (c *Compressor) compressDocument(text string, ratio float64) string {
	paragraphs := strings.Split(text, "\n\n")

	var parts []string
	if len(paragraphs) > 0 {
		first := strings.TrimSpace(paragraphs[0])
		if len(first) > 200 {
			first = first[:200]
		}
		if first != "" {
			parts = append(parts, first)
		}
	}

	headers := headerRe.FindAllString(text, -1)
	if len(headers) > 5 {
		headers = headers[:5]
	}
	parts = append(parts, headers...)

	docKeywords := []string{"summary", "conclusion", "important", "key", "main"}
	for _, p := range paragraphs[1:] {
		lower := strings.ToLower(p)
		for _, kw := range docKeywords {
			if strings.Contains(lower, kw) {
				parts = append(parts, strings.TrimSpace(p))
				break
			}
		}
	}

	result := strings.Join(parts, "\n\n")
	target := int(float64(len(text)) * ratio)
	if target > 0 && len(result) > target {
		result = result[:target]
	}
	return result
}

// compressGeneric splits into sentences and strides across them so first,
// middle, and last sentences survive, capped at ceil(n*ratio).
func (c *Compressor) compressGeneric(text string, ratio float64) string {
	sentences := splitSentences(text)
	n := len(sentences)
	if n == 0 {
		target := int(float64(len(text)) * ratio)
		if target > 0 && len(text) > target {
			return text[:target]
		}
		return text
	}

	keep := int(math.Ceil(float64(n) * ratio))
	if keep < 1 {
		keep = 1
	}
	if keep >= n {
		return strings.Join(sentences, " ")
	}

	stride := float64(n-1) / float64(maxInt(keep-1, 1))
	var picked []string
	seen := map[int]bool{}
	for i := 0; i < keep; i++ {
		idx := int(math.Round(float64(i) * stride))
		if idx >= n {
			idx = n - 1
		}
		if !seen[idx] {
			picked = append(picked, sentences[idx])
			seen[idx] = true
		}
	}
	return strings.Join(picked, " ")
}

func hasImportanceKeyword(line string) bool {
	lower := strings.ToLower(line)
	for _, kw := range importanceKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
