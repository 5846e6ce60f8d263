package report

import (
	"fmt"
	"html/template"
	"io"
	"time"

	"github.com/JakeFAU/a11y-scanner/internal/audit"
)

// Document is everything the report template reads.
type Document struct {
	URL         string
	Tier        audit.Tier
	Plan        audit.Plan
	Totals      audit.Totals
	Findings    []audit.Finding
	Pages       []audit.PageMeta
	Diff        *audit.DiffSummary
	ContentHash string
	GeneratedAt time.Time
}

// Renderer writes a report document.
type Renderer interface {
	ContentType() string
	Extension() string
	Render(w io.Writer, doc Document) error
}

// HTMLRenderer renders the printable HTML report.
type HTMLRenderer struct {
	tmpl *template.Template
}

// NewHTMLRenderer parses the built-in template.
func NewHTMLRenderer() (*HTMLRenderer, error) {
	tmpl, err := template.New("report").Funcs(template.FuncMap{
		"date": func(t time.Time) string { return t.UTC().Format("02.01.2006 15:04 UTC") },
		"add":  func(a, b int) int { return a + b },
	}).Parse(htmlTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse report template: %w", err)
	}
	return &HTMLRenderer{tmpl: tmpl}, nil
}

// ContentType implements Renderer.
func (*HTMLRenderer) ContentType() string { return "text/html; charset=utf-8" }

// Extension implements Renderer.
func (*HTMLRenderer) Extension() string { return "html" }

// Render implements Renderer.
func (r *HTMLRenderer) Render(w io.Writer, doc Document) error {
	if err := r.tmpl.Execute(w, doc); err != nil {
		return fmt.Errorf("render report: %w", err)
	}
	return nil
}

const htmlTemplate = `<!DOCTYPE html>
<html lang="de">
<head>
<meta charset="utf-8">
<title>Barrierefreiheits-Bericht {{.URL}}</title>
<style>
body{font-family:system-ui,sans-serif;margin:2rem;color:#111}
table{border-collapse:collapse}td,th{border:1px solid #999;padding:.3rem .6rem;text-align:left}
.P0{color:#a00}.P1{color:#a60}.P2{color:#444}
article{border-top:1px solid #ccc;padding:.8rem 0}
code,pre{background:#f4f4f4;white-space:pre-wrap;word-break:break-all}
</style>
</head>
<body>
<h1>Barrierefreiheits-Bericht</h1>
<p>Website: <strong>{{.URL}}</strong><br>
Paket: {{.Tier}} · Erstellt: {{date .GeneratedAt}}<br>
Geprüfte Seiten: {{len .Pages}} von maximal {{.Plan.MaxPages}}</p>

<h2>Zusammenfassung</h2>
<table>
<tr><th>Kritisch (P0)</th><td>{{.Totals.P0}}</td></tr>
<tr><th>Mittel (P1)</th><td>{{.Totals.P1}}</td></tr>
<tr><th>Gering (P2)</th><td>{{.Totals.P2}}</td></tr>
<tr><th>Gesamt</th><td>{{.Totals.Total}}</td></tr>
</table>
{{with .Diff}}
<h2>Vergleich mit der letzten Prüfung</h2>
<p>Behoben: {{.Fixed}} · Neu: {{.New}} · Unverändert: {{.Persisting}}</p>
{{end}}
{{if .Pages}}
<h2>Geprüfte Seiten</h2>
<table>
<tr><th>Seite</th><th>Modus</th><th>Dauer (ms)</th></tr>
{{range .Pages}}<tr><td>{{.URL}}</td><td>{{.Mode}}</td><td>{{.ElapsedMs}}</td></tr>
{{end}}</table>
{{end}}
<h2>Befunde</h2>
{{range $i, $f := .Findings}}
<article>
<h3 class="{{$f.Severity}}">{{add $i 1}}. [{{$f.Severity}}] {{$f.Title}}</h3>
<p>{{$f.Description}}</p>
<p>Seite: {{$f.PageURL}}<br>Regel: <code>{{$f.RuleID}}</code>{{if $f.Selector}} · Element: <code>{{$f.Selector}}</code>{{end}}</p>
{{if $f.Snippet}}<pre>{{$f.Snippet}}</pre>{{end}}
{{if $f.FailureText}}<p>{{$f.FailureText}}</p>{{end}}
{{if $f.FixSteps}}<ol>{{range $f.FixSteps}}<li>{{.}}</li>{{end}}</ol>{{end}}
{{if $f.HelpURL}}<p><a href="{{$f.HelpURL}}">Weitere Informationen</a></p>{{end}}
</article>
{{else}}
<p>Keine automatisch erkennbaren Probleme gefunden.</p>
{{end}}
<footer><p>Prüfsumme: <code>{{.ContentHash}}</code></p></footer>
</body>
</html>
`
