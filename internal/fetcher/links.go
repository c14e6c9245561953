package fetcher

import (
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

// Links holds the anchors discovered in a page, split by host.
type Links struct {
	// Internal links share the page's host.
	Internal []string

	// External links point elsewhere.
	External []string
}

// ExtractLinks parses htmlText and collects all anchor hrefs, resolved
// against pageURL. Fragment-only, javascript: and mailto: anchors are
// skipped. Order is preserved; duplicates are dropped.
func ExtractLinks(htmlText, pageURL string) (Links, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return Links{}, fmt.Errorf("failed to parse page URL: %w", err)
	}

	doc, err := html.Parse(strings.NewReader(htmlText))
	if err != nil {
		return Links{}, fmt.Errorf("failed to parse HTML: %w", err)
	}

	var links Links
	seen := make(map[string]bool)

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			for _, attr := range n.Attr {
				if attr.Key != "href" {
					continue
				}
				href := strings.TrimSpace(attr.Val)
				if href == "" || strings.HasPrefix(href, "#") ||
					strings.HasPrefix(href, "javascript:") || strings.HasPrefix(href, "mailto:") {
					break
				}
				resolved, err := base.Parse(href)
				if err != nil {
					break
				}
				if resolved.Scheme != "http" && resolved.Scheme != "https" {
					break
				}
				abs := resolved.String()
				if seen[abs] {
					break
				}
				seen[abs] = true
				if resolved.Host == base.Host {
					links.Internal = append(links.Internal, abs)
				} else {
					links.External = append(links.External, abs)
				}
				break
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(doc)

	return links, nil
}
