package sso

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

// ErrNoLoginLink is returned when the entry page carries no login anchor.
var ErrNoLoginLink = errors.New("no login link found")

// LinkResolver extracts the login page location from the SSO entry page.
type LinkResolver interface {
	ResolveLoginLink(base *url.URL, body io.Reader) (*url.URL, error)
}

// HTMLLinkResolver picks the last anchor whose text contains Text.
type HTMLLinkResolver struct {
	Text string
}

// DefaultLinkResolver matches anchors labelled "Login".
var DefaultLinkResolver LinkResolver = HTMLLinkResolver{Text: "Login"}

func (r HTMLLinkResolver) ResolveLoginLink(base *url.URL, body io.Reader) (*url.URL, error) {
	doc, err := html.Parse(body)
	if err != nil {
		return nil, fmt.Errorf("parse entry page: %w", err)
	}

	needle := r.Text
	if needle == "" {
		needle = "Login"
	}

	var href string
	var found bool
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" && strings.Contains(nodeText(n), needle) {
			for _, attr := range n.Attr {
				if attr.Key == "href" {
					href = attr.Val
					found = true
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	if !found {
		return nil, ErrNoLoginLink
	}

	u, err := base.Parse(strings.TrimSpace(href))
	if err != nil {
		return nil, fmt.Errorf("resolve login link %q: %w", href, err)
	}
	return u, nil
}

func nodeText(n *html.Node) string {
	var sb strings.Builder
	var collect func(*html.Node)
	collect = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			collect(c)
		}
	}
	collect(n)
	return sb.String()
}
