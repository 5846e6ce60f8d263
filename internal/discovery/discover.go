// Package discovery selects the pages of a site that a scan will audit.
package discovery

import (
	"bytes"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/a11y-scanner/internal/safety"
)

const maxQueryLength = 120

var skippedExtensions = map[string]struct{}{
	".pdf": {}, ".zip": {}, ".rar": {}, ".7z": {}, ".gz": {}, ".tar": {}, ".tgz": {},
	".jpg": {}, ".jpeg": {}, ".png": {}, ".gif": {}, ".webp": {}, ".svg": {}, ".ico": {}, ".bmp": {}, ".avif": {}, ".tif": {}, ".tiff": {},
	".mp3": {}, ".wav": {}, ".ogg": {}, ".m4a": {}, ".mp4": {}, ".webm": {}, ".mov": {}, ".avi": {}, ".mkv": {},
	".doc": {}, ".docx": {}, ".xls": {}, ".xlsx": {}, ".ppt": {}, ".pptx": {}, ".odt": {}, ".ods": {},
	".exe": {}, ".dmg": {}, ".msi": {}, ".apk": {}, ".iso": {}, ".bin": {},
	".css": {}, ".js": {}, ".json": {}, ".xml": {}, ".rss": {}, ".woff": {}, ".woff2": {}, ".ttf": {}, ".eot": {},
}

var priorityKeywords = []string{"impressum", "datenschutz", "privacy", "kontakt", "contact", "agb", "terms"}

// Discover orders the pages to audit: startURL first, then legal and contact pages,
// then every other same-origin link in document order. The result holds at most maxPages entries.
// finalURL is where the start page ended up after redirects; links on its origin are in scope too.
func Discover(startURL, finalURL string, html []byte, maxPages int) ([]string, error) {
	start, err := url.Parse(startURL)
	if err != nil {
		return nil, fmt.Errorf("parse start url: %w", err)
	}
	canonicalize(start)
	if maxPages <= 0 {
		maxPages = 1
	}
	out := []string{start.String()}
	if maxPages == 1 || len(html) == 0 {
		return out, nil
	}

	base := start
	origins := []*url.URL{start}
	seen := map[string]struct{}{out[0]: {}}
	if finalURL != "" {
		if final, err := url.Parse(finalURL); err == nil && final.Host != "" {
			canonicalize(final)
			base = final
			origins = append(origins, final)
			// The start page is already audited under startURL.
			seen[final.String()] = struct{}{}
		}
	}

	links, err := ExtractLinks(base, html)
	if err != nil {
		return out, err
	}

	var priority, rest []string
	for _, link := range links {
		if !inScope(link, origins) {
			continue
		}
		key := link.String()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		if isPriority(link) {
			priority = append(priority, key)
		} else {
			rest = append(rest, key)
		}
	}

	for _, bucket := range [][]string{priority, rest} {
		for _, link := range bucket {
			if len(out) >= maxPages {
				return out, nil
			}
			out = append(out, link)
		}
	}
	return out, nil
}

// ExtractLinks returns the absolute, fragment-free targets of every anchor in html.
func ExtractLinks(base *url.URL, html []byte) ([]*url.URL, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if b, err := base.Parse(strings.TrimSpace(href)); err == nil {
			base = b
		}
	}
	var links []*url.URL
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") {
			return
		}
		u, err := base.Parse(href)
		if err != nil {
			return
		}
		canonicalize(u)
		links = append(links, u)
	})
	return links, nil
}

func canonicalize(u *url.URL) {
	u.Fragment = ""
	u.RawFragment = ""
	u.Host = strings.ToLower(u.Host)
	if u.Path == "" && u.Opaque == "" {
		u.Path = "/"
	}
}

func inScope(u *url.URL, origins []*url.URL) bool {
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	if len(u.RawQuery) > maxQueryLength {
		return false
	}
	if _, skip := skippedExtensions[strings.ToLower(path.Ext(u.Path))]; skip {
		return false
	}
	for _, o := range origins {
		if safety.SameOrigin(o, u) {
			return true
		}
	}
	return false
}

func isPriority(u *url.URL) bool {
	target := strings.ToLower(u.Path + "?" + u.RawQuery)
	for _, kw := range priorityKeywords {
		if strings.Contains(target, kw) {
			return true
		}
	}
	return false
}
