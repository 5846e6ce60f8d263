package rules

// Text is the localized copy for a rule.
type Text struct {
	Title       string
	Description string
	Fixes       []string
}

// Catalog resolves localized rule copy. Unknown rules fall back to the engine text.
type Catalog struct {
	entries map[string]Text
	generic []string
}

// DefaultFixSteps is used for rules without canned remediation.
var DefaultFixSteps = []string{
	"Betroffenes Element über den Selektor im Quelltext oder in den Entwicklertools lokalisieren.",
	"Element gemäß der verlinkten Regelbeschreibung korrigieren.",
	"Seite erneut prüfen und das Ergebnis mit einem Screenreader gegentesten.",
}

// NewCatalog returns the built-in German catalog.
func NewCatalog() *Catalog {
	return &Catalog{entries: defaultEntries, generic: DefaultFixSteps}
}

// Lookup returns the localized text for ruleID, if any.
func (c *Catalog) Lookup(ruleID string) (Text, bool) {
	t, ok := c.entries[ruleID]
	return t, ok
}

// Fixes returns up to three remediation steps for ruleID.
func (c *Catalog) Fixes(ruleID string) []string {
	steps := c.generic
	if t, ok := c.entries[ruleID]; ok && len(t.Fixes) > 0 {
		steps = t.Fixes
	}
	if len(steps) > 3 {
		steps = steps[:3]
	}
	return append([]string(nil), steps...)
}

var defaultEntries = map[string]Text{
	RenderFailedID: {
		Title:       "Seite konnte nicht automatisch geprüft werden",
		Description: "Die Seite ließ sich weder vollständig noch im reduzierten Modus laden. Sie muss manuell geprüft werden.",
		Fixes: []string{
			"Erreichbarkeit der Seite ohne Anmeldung und ohne Bot-Schutz sicherstellen.",
			"Ladezeit und blockierende Skripte prüfen.",
			"Seite manuell mit Tastatur und Screenreader testen.",
		},
	},
	"image-alt": {
		Title:       "Bild ohne Alternativtext",
		Description: "Bilder brauchen einen Alternativtext, damit Screenreader den Inhalt wiedergeben können (BITV 1.1.1).",
		Fixes: []string{
			"Dem <img>-Element ein aussagekräftiges alt-Attribut geben.",
			"Rein dekorative Bilder mit alt=\"\" kennzeichnen.",
			"Text in Bildern zusätzlich als echten Text bereitstellen.",
		},
	},
	"color-contrast": {
		Title:       "Zu geringer Farbkontrast",
		Description: "Text muss sich ausreichend vom Hintergrund abheben, mindestens 4,5:1 für normalen Text (BITV 1.4.3).",
		Fixes: []string{
			"Kontrastverhältnis der betroffenen Farben messen.",
			"Text- oder Hintergrundfarbe abdunkeln bzw. aufhellen.",
			"Farbvariablen im Designsystem zentral anpassen.",
		},
	},
	"label": {
		Title:       "Formularfeld ohne Beschriftung",
		Description: "Eingabefelder benötigen ein zugeordnetes Label, damit ihr Zweck erkennbar ist (BITV 1.3.1, 4.1.2).",
		Fixes: []string{
			"Ein <label for=\"…\"> mit passender id ergänzen.",
			"Alternativ aria-label oder aria-labelledby setzen.",
			"Platzhaltertext nicht als einzige Beschriftung verwenden.",
		},
	},
	"link-name": {
		Title:       "Link ohne erkennbaren Namen",
		Description: "Links müssen einen Text oder eine Beschriftung haben, die ihr Ziel beschreibt (BITV 2.4.4).",
		Fixes: []string{
			"Sichtbaren Linktext ergänzen.",
			"Bei Icon-Links aria-label oder einen Alternativtext am Bild setzen.",
			"Generische Texte wie \"hier\" durch aussagekräftige ersetzen.",
		},
	},
	"button-name": {
		Title:       "Schaltfläche ohne Namen",
		Description: "Schaltflächen brauchen einen zugänglichen Namen, sonst ist ihre Funktion nicht erkennbar (BITV 4.1.2).",
		Fixes: []string{
			"Sichtbaren Text in die Schaltfläche schreiben.",
			"Bei Icon-Schaltflächen aria-label ergänzen.",
			"Prüfen, dass der Name die Aktion beschreibt.",
		},
	},
	"html-has-lang": {
		Title:       "Sprache der Seite nicht angegeben",
		Description: "Das <html>-Element muss ein lang-Attribut haben, damit Screenreader die richtige Aussprache wählen (BITV 3.1.1).",
		Fixes: []string{
			"lang=\"de\" (oder die passende Sprache) am <html>-Element setzen.",
			"Abweichende Sprachabschnitte mit eigenem lang-Attribut auszeichnen.",
			"Template bzw. CMS-Einstellung zentral anpassen.",
		},
	},
	"document-title": {
		Title:       "Seitentitel fehlt",
		Description: "Jede Seite braucht einen aussagekräftigen <title> (BITV 2.4.2).",
		Fixes: []string{
			"Ein <title>-Element im <head> ergänzen.",
			"Titel eindeutig und beschreibend formulieren.",
			"Titel pro Unterseite individuell vergeben.",
		},
	},
	"frame-title": {
		Title:       "Frame ohne Titel",
		Description: "Eingebettete Frames benötigen ein title-Attribut, das ihren Inhalt beschreibt (BITV 4.1.2).",
	},
	"heading-order": {
		Title:       "Überschriftenebenen übersprungen",
		Description: "Überschriften sollen eine logische Hierarchie ohne Sprünge bilden (BITV 1.3.1).",
	},
	"landmark-one-main": {
		Title:       "Hauptbereich fehlt",
		Description: "Die Seite sollte genau einen <main>-Bereich haben, damit Hilfsmittel direkt zum Inhalt springen können.",
	},
	"region": {
		Title:       "Inhalt außerhalb von Landmarks",
		Description: "Alle Inhalte sollten in Landmarks wie header, nav, main oder footer liegen.",
	},
	"aria-allowed-attr": {
		Title:       "Unzulässiges ARIA-Attribut",
		Description: "Das Element verwendet ARIA-Attribute, die für seine Rolle nicht erlaubt sind (BITV 4.1.2).",
	},
	"duplicate-id": {
		Title:       "Doppelte ID",
		Description: "IDs müssen auf einer Seite eindeutig sein, sonst funktionieren Label- und ARIA-Verknüpfungen nicht.",
	},
	"meta-viewport": {
		Title:       "Zoomen ist eingeschränkt",
		Description: "Das viewport-Meta-Tag verhindert das Vergrößern der Seite (BITV 1.4.4).",
	},
}
