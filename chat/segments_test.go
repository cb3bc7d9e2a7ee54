package chat

import (
	"strings"
	"testing"
)

func TestParseResponsePlainText(t *testing.T) {
	text := "The board has **three** members.\n\n- Anna\n- Erik"
	segments := ParseResponse(text)

	if len(segments) != 1 {
		t.Fatalf("expected 1 segment, got %d", len(segments))
	}
	if segments[0].Kind != SegmentMarkup {
		t.Fatalf("expected markup segment, got %s", segments[0].Kind)
	}
	if segments[0].Content != RenderMarkdown(text) {
		t.Fatalf("markup should equal the rendered response, got %q", segments[0].Content)
	}
	if !strings.Contains(segments[0].Content, "<strong>three</strong>") {
		t.Fatalf("markdown not rendered: %q", segments[0].Content)
	}
}

func TestParseResponseCodeFence(t *testing.T) {
	text := "Here is a script:\n```python\nprint(&quot;a &amp; b&quot; if 1 &lt; 2 else &#39;c&#39;)\n```\nDone."
	segments := ParseResponse(text)

	if len(segments) != 1 {
		t.Fatalf("expected a single code segment, got %+v", segments)
	}
	if segments[0].Kind != SegmentCode {
		t.Fatalf("expected code segment, got %s", segments[0].Kind)
	}
	want := `print("a & b" if 1 < 2 else 'c')`
	if segments[0].Content != want {
		t.Fatalf("unexpected code %q", segments[0].Content)
	}
}

func TestParseResponseCodehilitePre(t *testing.T) {
	text := `<p>Script:</p><pre class="codehilite"><code class="language-python">x = 1 &gt; 0
</code></pre>`
	segments := ParseResponse(text)

	if len(segments) != 1 || segments[0].Kind != SegmentCode || segments[0].Content != "x = 1 > 0" {
		t.Fatalf("unexpected segments %+v", segments)
	}
}

func TestParseResponseCodeTakesPrecedenceOverHTML(t *testing.T) {
	text := "```html\n<div>chart</div>\n```\n```python\nprint(1)\n```"
	segments := ParseResponse(text)

	if len(segments) != 1 || segments[0].Kind != SegmentCode || segments[0].Content != "print(1)" {
		t.Fatalf("unexpected segments %+v", segments)
	}
}

func TestParseResponseHTMLFenceOnly(t *testing.T) {
	segments := ParseResponse("```html<div>chart</div>```")

	if len(segments) != 1 {
		t.Fatalf("expected only the html segment, got %+v", segments)
	}
	if segments[0].Kind != SegmentHTML || segments[0].Content != "<div>chart</div>" {
		t.Fatalf("unexpected segment %+v", segments[0])
	}
}

func TestParseResponseHTMLFenceWithProse(t *testing.T) {
	text := "Loan overview:\n```HTML\n<table><tr><td>SEB</td></tr></table>\n```\nSee above.\n```html\n<div>chart</div>\n```"
	segments := ParseResponse(text)

	if len(segments) != 3 {
		t.Fatalf("expected markup plus two html segments, got %+v", segments)
	}
	if segments[0].Kind != SegmentMarkup || !strings.Contains(segments[0].Content, "Loan overview:") || !strings.Contains(segments[0].Content, "See above.") {
		t.Fatalf("unexpected markup %+v", segments[0])
	}
	if strings.Contains(segments[0].Content, "table") {
		t.Fatalf("fenced html leaked into prose: %q", segments[0].Content)
	}
	if segments[1].Content != "<table><tr><td>SEB</td></tr></table>" || segments[2].Content != "<div>chart</div>" {
		t.Fatalf("unexpected html segments %+v", segments[1:])
	}
}

func TestParseResponseUnterminatedFenceFallsBack(t *testing.T) {
	for _, text := range []string{
		"Start\n```python\nprint(1)\n",
		"Chart:\n```html\n<div>chart</div>",
		`<pre class="codehilite"><code class="language-python">x = 1`,
	} {
		segments := ParseResponse(text)
		if len(segments) != 1 || segments[0].Kind != SegmentMarkup {
			t.Fatalf("expected markup fallback for %q, got %+v", text, segments)
		}
		if segments[0].Content != RenderMarkdown(text) {
			t.Fatalf("fallback should render the whole response for %q", text)
		}
	}
}

func TestParseErrorMessage(t *testing.T) {
	_, _, err := extractHTMLFences("abc```html<div>")
	parseErr, ok := err.(*ParseError)
	if !ok {
		t.Fatalf("expected ParseError, got %v", err)
	}
	if parseErr.Offset != 3 {
		t.Fatalf("unexpected offset %d", parseErr.Offset)
	}
}
