package fetcher

import (
	"regexp"
	"strings"
)

var (
	imagePattern      = regexp.MustCompile(`!\[.*?\]\([^)]+\)`)
	headingLinkLine   = regexp.MustCompile(`^(\s*)(#{1,6})\s*\[(.*?)\]\((.*?)\)`)
	inlineLinkPattern = regexp.MustCompile(`\[([^\]]+)\]\((?:[^)\\]|\\.)*\)`)
)

// PostProcess cleans converted documentation Markdown: everything from the
// "See Also" or "Topics" navigation sections down is dropped, image syntax
// is removed, and links are reduced to their text.
func PostProcess(markdown string) string {
	lines := strings.Split(markdown, "\n")

	if cut := truncateIndex(lines); cut >= 0 {
		lines = lines[:cut]
	}

	cleaned := make([]string, 0, len(lines))
	for _, line := range lines {
		line = imagePattern.ReplaceAllString(line, "")

		// A heading that is a link becomes a plain heading; trailing
		// noise after the link is dropped with it.
		if m := headingLinkLine.FindStringSubmatch(line); m != nil {
			line = m[1] + m[2] + " " + m[3]
		}

		line = inlineLinkPattern.ReplaceAllString(line, "$1")

		cleaned = append(cleaned, line)
	}

	return strings.Join(cleaned, "\n")
}

// truncateIndex finds the first line opening a navigation section that adds
// no content: a "See Also" mention or a "## Topics" heading.
func truncateIndex(lines []string) int {
	for i, line := range lines {
		lower := strings.ToLower(line)
		if strings.Contains(lower, "see also") || strings.Contains(lower, "see-also") {
			return i
		}
		if strings.TrimSpace(line) == "## Topics" {
			return i
		}
	}
	return -1
}
