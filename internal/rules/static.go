package rules

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

const maxNodesPerRule = 5

type check struct {
	id     string
	impact string
	help   string
	run    func(doc *goquery.Document) []*goquery.Selection
}

// StaticChecker evaluates a small built-in rule set against already rendered HTML.
// It is used when the in-browser engine script is not available.
type StaticChecker struct {
	checks []check
}

// NewStaticChecker returns the built-in rule set.
func NewStaticChecker() *StaticChecker {
	return &StaticChecker{checks: []check{
		{id: "html-has-lang", impact: ImpactSerious, help: "<html> element must have a lang attribute", run: missingLang},
		{id: "document-title", impact: ImpactSerious, help: "Documents must have <title> element to aid in navigation", run: missingTitle},
		{id: "image-alt", impact: ImpactCritical, help: "Images must have alternate text", run: imagesWithoutAlt},
		{id: "link-name", impact: ImpactSerious, help: "Links must have discernible text", run: unnamedLinks},
		{id: "button-name", impact: ImpactCritical, help: "Buttons must have discernible text", run: unnamedButtons},
		{id: "label", impact: ImpactCritical, help: "Form elements must have labels", run: unlabeledInputs},
		{id: "frame-title", impact: ImpactSerious, help: "Frames must have an accessible name", run: untitledFrames},
		{id: "duplicate-id", impact: ImpactMinor, help: "id attribute value must be unique", run: duplicateIDs},
	}}
}

// Check parses html and returns the violations found.
func (c *StaticChecker) Check(html []byte) ([]Violation, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	var out []Violation
	for _, chk := range c.checks {
		matches := chk.run(doc)
		if len(matches) == 0 {
			continue
		}
		v := Violation{ID: chk.id, Impact: chk.impact, Help: chk.help, Description: chk.help}
		for i, sel := range matches {
			if i == maxNodesPerRule {
				break
			}
			snippet, _ := goquery.OuterHtml(sel)
			v.Nodes = append(v.Nodes, Node{
				Target:         []string{cssPath(sel)},
				HTML:           snippet,
				FailureSummary: "Fix any of the following:\n  " + chk.help,
			})
		}
		out = append(out, v)
	}
	return out, nil
}

func missingLang(doc *goquery.Document) []*goquery.Selection {
	html := doc.Find("html").First()
	if html.Length() == 0 {
		return nil
	}
	if lang, _ := html.Attr("lang"); strings.TrimSpace(lang) != "" {
		return nil
	}
	return []*goquery.Selection{html}
}

func missingTitle(doc *goquery.Document) []*goquery.Selection {
	if strings.TrimSpace(doc.Find("title").First().Text()) != "" {
		return nil
	}
	return []*goquery.Selection{doc.Find("html").First()}
}

func imagesWithoutAlt(doc *goquery.Document) []*goquery.Selection {
	var out []*goquery.Selection
	doc.Find("img").Each(func(_ int, s *goquery.Selection) {
		if _, ok := s.Attr("alt"); ok {
			return
		}
		if role, _ := s.Attr("role"); role == "presentation" || role == "none" {
			return
		}
		if hasARIAName(s) {
			return
		}
		out = append(out, s)
	})
	return out
}

func unnamedLinks(doc *goquery.Document) []*goquery.Selection {
	var out []*goquery.Selection
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		if !hasAccessibleText(s) {
			out = append(out, s)
		}
	})
	return out
}

func unnamedButtons(doc *goquery.Document) []*goquery.Selection {
	var out []*goquery.Selection
	doc.Find("button, [role=button], input[type=button], input[type=submit], input[type=reset]").Each(func(_ int, s *goquery.Selection) {
		if goquery.NodeName(s) == "input" {
			if value, _ := s.Attr("value"); strings.TrimSpace(value) != "" || hasARIAName(s) {
				return
			}
			if t, _ := s.Attr("type"); t == "submit" || t == "reset" {
				// browsers supply a default label
				return
			}
			out = append(out, s)
			return
		}
		if !hasAccessibleText(s) {
			out = append(out, s)
		}
	})
	return out
}

func unlabeledInputs(doc *goquery.Document) []*goquery.Selection {
	labelled := map[string]bool{}
	doc.Find("label[for]").Each(func(_ int, s *goquery.Selection) {
		if id, _ := s.Attr("for"); id != "" {
			labelled[id] = true
		}
	})
	var out []*goquery.Selection
	doc.Find("input, select, textarea").Each(func(_ int, s *goquery.Selection) {
		if t, _ := s.Attr("type"); isUnlabelledInputType(t) {
			return
		}
		if id, ok := s.Attr("id"); ok && labelled[id] {
			return
		}
		if s.ParentsFiltered("label").Length() > 0 || hasARIAName(s) {
			return
		}
		if title, _ := s.Attr("title"); strings.TrimSpace(title) != "" {
			return
		}
		out = append(out, s)
	})
	return out
}

func isUnlabelledInputType(t string) bool {
	switch strings.ToLower(t) {
	case "hidden", "submit", "reset", "button", "image":
		return true
	default:
		return false
	}
}

func untitledFrames(doc *goquery.Document) []*goquery.Selection {
	var out []*goquery.Selection
	doc.Find("iframe, frame").Each(func(_ int, s *goquery.Selection) {
		if title, _ := s.Attr("title"); strings.TrimSpace(title) != "" || hasARIAName(s) {
			return
		}
		out = append(out, s)
	})
	return out
}

func duplicateIDs(doc *goquery.Document) []*goquery.Selection {
	seen := map[string]bool{}
	var out []*goquery.Selection
	doc.Find("[id]").Each(func(_ int, s *goquery.Selection) {
		id, _ := s.Attr("id")
		if id == "" {
			return
		}
		if seen[id] {
			out = append(out, s)
			return
		}
		seen[id] = true
	})
	return out
}

func hasARIAName(s *goquery.Selection) bool {
	if label, _ := s.Attr("aria-label"); strings.TrimSpace(label) != "" {
		return true
	}
	_, ok := s.Attr("aria-labelledby")
	return ok
}

func hasAccessibleText(s *goquery.Selection) bool {
	if hasARIAName(s) || strings.TrimSpace(s.Text()) != "" {
		return true
	}
	named := false
	s.Find("img[alt], svg[aria-label], [title]").EachWithBreak(func(_ int, child *goquery.Selection) bool {
		for _, attr := range []string{"alt", "aria-label", "title"} {
			if v, _ := child.Attr(attr); strings.TrimSpace(v) != "" {
				named = true
				return false
			}
		}
		return true
	})
	if named {
		return true
	}
	title, _ := s.Attr("title")
	return strings.TrimSpace(title) != ""
}

// cssPath builds a selector that identifies s within its document, anchored at the nearest id.
func cssPath(s *goquery.Selection) string {
	var parts []string
	for cur := s; cur.Length() > 0; cur = cur.Parent() {
		name := goquery.NodeName(cur)
		if name == "" || name == "#document" {
			break
		}
		if id, ok := cur.Attr("id"); ok && id != "" && !strings.ContainsAny(id, " \t\n") {
			parts = append(parts, "#"+id)
			break
		}
		if name == "html" || name == "body" {
			parts = append(parts, name)
			break
		}
		if cur.SiblingsFiltered(name).Length() > 0 {
			name = fmt.Sprintf("%s:nth-of-type(%d)", name, cur.PrevAllFiltered(name).Length()+1)
		}
		parts = append(parts, name)
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, " > ")
}
