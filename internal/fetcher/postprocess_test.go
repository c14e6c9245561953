package fetcher

import (
	"strings"
	"testing"
)

func TestPostProcess_RemovesImages(t *testing.T) {
	in := "Before ![diagram of layers](https://example.com/img.png) after"
	out := PostProcess(in)

	if strings.Contains(out, "![") {
		t.Errorf("image syntax survived: %q", out)
	}
	if !strings.Contains(out, "Before") || !strings.Contains(out, "after") {
		t.Errorf("surrounding text lost: %q", out)
	}
}

func TestPostProcess_CleansHeadingLinks(t *testing.T) {
	in := "## [RealityKit](https://developer.apple.com/documentation/realitykit) extra"
	out := PostProcess(in)

	if out != "## RealityKit" {
		t.Errorf("expected plain heading, got %q", out)
	}
}

func TestPostProcess_StripsInlineLinks(t *testing.T) {
	in := "See the [ARKit guide](https://developer.apple.com/arkit) for details."
	out := PostProcess(in)

	if out != "See the ARKit guide for details." {
		t.Errorf("unexpected output %q", out)
	}
}

func TestPostProcess_StripsLinksWithEscapedParens(t *testing.T) {
	in := `Call [init(width:)](https://example.com/init\(width:\)) to create one.`
	out := PostProcess(in)

	if strings.Contains(out, "example.com") {
		t.Errorf("escaped-paren link survived: %q", out)
	}
	if !strings.Contains(out, "init(width:)") {
		t.Errorf("link text lost: %q", out)
	}
}

func TestPostProcess_TruncatesAtSeeAlso(t *testing.T) {
	in := "# Title\n\nUseful content.\n\n## See Also\n\n- [Other page](https://example.com)"
	out := PostProcess(in)

	if strings.Contains(out, "See Also") || strings.Contains(out, "Other page") {
		t.Errorf("see-also section survived: %q", out)
	}
	if !strings.Contains(out, "Useful content.") {
		t.Errorf("content before see-also lost: %q", out)
	}
}

func TestPostProcess_TruncatesAtTopics(t *testing.T) {
	in := "# Title\n\nBody text.\n\n## Topics\n\n### Essentials\nnav entries"
	out := PostProcess(in)

	if strings.Contains(out, "Topics") || strings.Contains(out, "Essentials") {
		t.Errorf("topics section survived: %q", out)
	}
	if !strings.Contains(out, "Body text.") {
		t.Errorf("content before topics lost: %q", out)
	}
}

func TestPostProcess_PlainTextUntouched(t *testing.T) {
	in := "# Title\n\nParagraph one.\n\nParagraph two."
	if out := PostProcess(in); out != in {
		t.Errorf("plain markdown modified: %q", out)
	}
}
