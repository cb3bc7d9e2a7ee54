package chat

import (
	"bytes"
	"fmt"
	"html"
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

type SegmentKind string

const (
	// SegmentMarkup holds prose rendered from Markdown to HTML.
	SegmentMarkup SegmentKind = "markup"
	// SegmentHTML holds an HTML snippet the model emitted in an html fence.
	SegmentHTML SegmentKind = "html"
	// SegmentCode holds python source with HTML entities decoded.
	SegmentCode SegmentKind = "code"
)

type Segment struct {
	Kind    SegmentKind `json:"kind"`
	Content string      `json:"content"`
}

// ParseError reports an opened fence or pre block that is never closed.
type ParseError struct {
	Marker string
	Offset int
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("unterminated %s block at offset %d", e.Marker, e.Offset)
}

const (
	fenceClose       = "```"
	pythonFenceOpen  = "```python"
	htmlFenceOpen    = "```html"
	codehiliteClose  = "</code></pre>"
	codehiliteMarker = "codehilite pre"
)

var codehiliteOpen = regexp.MustCompile(`(?i)<pre\s+class="codehilite"><code\s+class="language-python">`)

var markdown = goldmark.New(
	goldmark.WithExtensions(
		extension.GFM,
		extension.DefinitionList,
		extension.Footnote,
	),
)

// RenderMarkdown converts Markdown to HTML. Raw HTML in the input is
// omitted from the output.
func RenderMarkdown(text string) string {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(text), &buf); err != nil {
		return "<p>" + html.EscapeString(text) + "</p>\n"
	}
	return buf.String()
}

// ParseResponse splits one model response into segments:
//
//  1. the first python code block (fenced or codehilite pre) becomes the only
//     segment, with HTML entities decoded;
//  2. otherwise every html fence becomes an html segment and the remaining
//     prose, when not blank, one markup segment placed first;
//  3. otherwise the whole response is one markup segment.
//
// An unterminated block makes the whole response fall back to rule 3.
func ParseResponse(text string) []Segment {
	segments, err := parseSegments(text)
	if err != nil {
		return []Segment{{Kind: SegmentMarkup, Content: RenderMarkdown(text)}}
	}
	return segments
}

func parseSegments(text string) ([]Segment, error) {
	code, found, err := findPythonCode(text)
	if err != nil {
		return nil, err
	}
	if found {
		return []Segment{{Kind: SegmentCode, Content: code}}, nil
	}

	blocks, prose, err := extractHTMLFences(text)
	if err != nil {
		return nil, err
	}
	if len(blocks) == 0 {
		return []Segment{{Kind: SegmentMarkup, Content: RenderMarkdown(text)}}, nil
	}

	segments := make([]Segment, 0, len(blocks)+1)
	if strings.TrimSpace(prose) != "" {
		segments = append(segments, Segment{Kind: SegmentMarkup, Content: RenderMarkdown(strings.TrimSpace(prose))})
	}
	for _, block := range blocks {
		segments = append(segments, Segment{Kind: SegmentHTML, Content: block})
	}
	return segments, nil
}

// findPythonCode returns the body of whichever python block starts first.
func findPythonCode(text string) (string, bool, error) {
	fenceAt := strings.Index(text, pythonFenceOpen)
	preLoc := codehiliteOpen.FindStringIndex(text)

	switch {
	case fenceAt < 0 && preLoc == nil:
		return "", false, nil
	case preLoc != nil && (fenceAt < 0 || preLoc[0] < fenceAt):
		body := text[preLoc[1]:]
		end := indexFold(body, codehiliteClose)
		if end < 0 {
			return "", false, &ParseError{Marker: codehiliteMarker, Offset: preLoc[0]}
		}
		return strings.TrimSpace(html.UnescapeString(body[:end])), true, nil
	default:
		body := text[fenceAt+len(pythonFenceOpen):]
		end := strings.Index(body, fenceClose)
		if end < 0 {
			return "", false, &ParseError{Marker: pythonFenceOpen, Offset: fenceAt}
		}
		return strings.TrimSpace(html.UnescapeString(body[:end])), true, nil
	}
}

// extractHTMLFences returns the trimmed bodies of every html fence and the
// text left once the fences are removed.
func extractHTMLFences(text string) ([]string, string, error) {
	var (
		blocks []string
		prose  strings.Builder
	)

	rest := text
	offset := 0
	for {
		start := indexFold(rest, htmlFenceOpen)
		if start < 0 {
			prose.WriteString(rest)
			break
		}
		body := rest[start+len(htmlFenceOpen):]
		end := strings.Index(body, fenceClose)
		if end < 0 {
			return nil, "", &ParseError{Marker: htmlFenceOpen, Offset: offset + start}
		}

		prose.WriteString(rest[:start])
		blocks = append(blocks, strings.TrimSpace(body[:end]))

		consumed := start + len(htmlFenceOpen) + end + len(fenceClose)
		rest = rest[consumed:]
		offset += consumed
	}

	return blocks, prose.String(), nil
}

// indexFold is strings.Index with ASCII case folding of substr.
func indexFold(s, substr string) int {
	n := len(substr)
	for i := 0; i+n <= len(s); i++ {
		if strings.EqualFold(s[i:i+n], substr) {
			return i
		}
	}
	return -1
}
