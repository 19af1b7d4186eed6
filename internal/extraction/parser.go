package extraction

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"pos-report-service/internal/models"
)

// ErrNoReportDate is returned when the title and its period cannot be
// located. Without a report date no reconciliation decision is possible.
var ErrNoReportDate = errors.New("report date not found")

var (
	periodPattern = regexp.MustCompile(`(?i)\b(?:dal|from)\s+(.+?)\s+(?:al|to)\s+(.+)$`)
	datePattern   = regexp.MustCompile(`\d{2}/\d{2}/\d{4}`)
)

// Parser turns a report body into a candidate report.
type Parser struct {
	layout Layout
}

func NewParser(layout Layout) *Parser {
	return &Parser{layout: layout.normalized()}
}

var defaultParser = NewParser(DefaultLayout())

// Parse extracts a report with the default layout.
func Parse(body string) (*models.ParsedReport, error) {
	return defaultParser.Parse(body)
}

// Parse extracts totals and line items from body. Only a missing report date
// is fatal; missing sections and unparsable cells degrade to empty values.
func (p *Parser) Parse(body string) (*models.ParsedReport, error) {
	root, err := html.Parse(strings.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to parse html: %w", err)
	}
	doc := &document{tokens: tokenize(root), layout: p.layout}

	titleIdx, totals, ok := doc.period()
	if !ok {
		return nil, ErrNoReportDate
	}

	report := &models.ParsedReport{
		Totals:      totals,
		Products:    []models.ProductLine{},
		Departments: []models.DepartmentLine{},
		Movements:   []models.MovementLine{},
	}

	totalsSpan := doc.section(p.layout.Totals)
	if totalsSpan == nil {
		totalsSpan = doc.span(titleIdx)
	}
	doc.readTotals(totalsSpan, &report.Totals)

	for _, row := range doc.rows(doc.section(p.layout.Products), productWidth, p.layout.ProductLabels) {
		report.Products = append(report.Products, models.ProductLine{
			Name:       row[0],
			Department: row[1],
			Family:     row[2],
			Unit:       row[3],
			Stock:      ParseCount(row[4]),
			Quantity:   ParseCount(row[5]),
			Orders:     ParseCount(row[6]),
			Amount:     ParseAmount(row[7]),
		})
	}

	for _, row := range doc.rows(doc.section(p.layout.Departments), departmentWidth, p.layout.DepartmentLabels) {
		report.Departments = append(report.Departments, models.DepartmentLine{
			Name:     row[0],
			Family:   row[1],
			Unit:     row[2],
			Stock:    ParseCount(row[3]),
			Quantity: ParseCount(row[4]),
			Orders:   ParseCount(row[5]),
			Amount:   ParseAmount(row[6]),
		})
	}

	for _, row := range doc.rows(doc.section(p.layout.Movements), movementWidth, p.layout.MovementLabels) {
		operator := row[1]
		if operator == "-" {
			operator = ""
		}
		report.Movements = append(report.Movements, models.MovementLine{
			Timestamp: row[0],
			Operator:  operator,
			Type:      row[2],
			Detail:    row[3],
			Value:     row[4],
			Article:   row[5],
		})
	}

	return report, nil
}

type tokenKind int

const (
	tokenHeading tokenKind = iota
	tokenRow
	tokenText
)

type token struct {
	kind   tokenKind
	level  int
	text   string
	cells  []string
	header bool
}

type document struct {
	tokens []token
	layout Layout
}

// period finds the title heading and reads "dal X al Y" from the heading
// remainder or the text that follows it.
func (d *document) period() (int, models.Totals, bool) {
	for i, t := range d.tokens {
		if t.kind != tokenHeading || d.layout.Title == "" {
			continue
		}
		rest, ok := cutFolded(t.text, d.layout.Title)
		if !ok {
			continue
		}

		candidates := []string{strings.TrimSpace(rest)}
		var joined []string
		for _, next := range d.tokens[i+1:] {
			if next.kind != tokenText {
				break
			}
			candidates = append(candidates, next.text)
			joined = append(joined, next.text)
		}
		candidates = append(candidates, strings.Join(joined, " "))

		for _, c := range candidates {
			if totals, ok := readPeriod(c); ok {
				return i, totals, true
			}
		}
	}
	return -1, models.Totals{}, false
}

func readPeriod(s string) (models.Totals, bool) {
	m := periodPattern.FindStringSubmatch(s)
	if m == nil {
		return models.Totals{}, false
	}
	start := strings.TrimSpace(m[1])
	end := strings.TrimSpace(m[2])
	date := datePattern.FindString(end)
	if date == "" {
		return models.Totals{}, false
	}
	return models.Totals{ReportDate: date, PeriodStart: start, PeriodEnd: end}, true
}

// section returns the tokens under the first heading matching one of
// markers, or nil when there is no such heading.
func (d *document) section(markers []string) []token {
	for i, t := range d.tokens {
		if t.kind == tokenHeading && matchesAny(fold(t.text), markers) {
			return d.span(i)
		}
	}
	return nil
}

// span returns the tokens after heading i up to the next heading that is a
// known section marker or sits at the same or a higher level.
func (d *document) span(i int) []token {
	if i < 0 || i >= len(d.tokens) {
		return nil
	}
	level := d.tokens[i].level
	end := len(d.tokens)
	for j := i + 1; j < len(d.tokens); j++ {
		t := d.tokens[j]
		if t.kind != tokenHeading {
			continue
		}
		if t.level <= level || d.isMarker(t.text) {
			end = j
			break
		}
	}
	return d.tokens[i+1 : end]
}

func (d *document) isMarker(text string) bool {
	folded := fold(text)
	if d.layout.Title != "" && strings.Contains(folded, d.layout.Title) {
		return true
	}
	for _, markers := range d.layout.sectionMarkers() {
		if matchesAny(folded, markers) {
			return true
		}
	}
	return false
}

func (d *document) readTotals(span []token, totals *models.Totals) {
	for _, t := range span {
		if t.kind != tokenRow || len(t.cells) < totalsWidth {
			continue
		}
		label := strings.TrimSuffix(fold(t.cells[0]), ":")
		switch label {
		case d.layout.InvoiceLabel:
			totals.InvoiceCount = ParseCount(t.cells[1])
			totals.InvoiceAmount = ParseAmount(t.cells[2])
		case d.layout.ReceiptLabel:
			totals.ReceiptCount = ParseCount(t.cells[1])
			totals.ReceiptAmount = ParseAmount(t.cells[2])
		}
	}
}

// rows returns the data rows of span that carry at least width cells.
func (d *document) rows(span []token, width int, labels []string) [][]string {
	var out [][]string
	for _, t := range span {
		if t.kind != tokenRow || t.header || len(t.cells) < width {
			continue
		}
		first := fold(t.cells[0])
		if first == "" {
			continue
		}
		if isFooter(first, d.layout.TotalsRowPrefixes) {
			continue
		}
		if matchesExact(first, labels) {
			continue
		}
		out = append(out, t.cells[:width])
	}
	return out
}

func tokenize(root *html.Node) []token {
	var tokens []token
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			if t := collapse(n.Data); t != "" {
				tokens = append(tokens, token{kind: tokenText, text: t})
			}
			return
		case html.ElementNode:
			switch n.DataAtom {
			case atom.Head, atom.Script, atom.Style, atom.Title:
				return
			case atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
				tokens = append(tokens, token{kind: tokenHeading, level: headingLevel(n.DataAtom), text: textOf(n)})
				return
			case atom.Tr:
				if !containsStructure(n) {
					tokens = append(tokens, rowToken(n))
					return
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return tokens
}

func rowToken(tr *html.Node) token {
	t := token{kind: tokenRow, header: true}
	for c := tr.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.ElementNode {
			continue
		}
		switch c.DataAtom {
		case atom.Td:
			t.header = false
		case atom.Th:
		default:
			continue
		}
		t.cells = append(t.cells, textOf(c))
	}
	if len(t.cells) == 0 {
		t.header = false
	}
	return t
}

// containsStructure reports whether n has a nested row or heading, in which
// case n is layout and its children are walked instead.
func containsStructure(n *html.Node) bool {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode {
			switch c.DataAtom {
			case atom.Tr, atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
				return true
			}
		}
		if containsStructure(c) {
			return true
		}
	}
	return false
}

func textOf(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			b.WriteString(n.Data)
		case html.ElementNode:
			switch n.DataAtom {
			case atom.Script, atom.Style:
				return
			case atom.Br, atom.P, atom.Div, atom.Td, atom.Th, atom.Li:
				b.WriteByte(' ')
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return collapse(b.String())
}

func headingLevel(a atom.Atom) int {
	switch a {
	case atom.H1:
		return 1
	case atom.H2:
		return 2
	case atom.H3:
		return 3
	case atom.H4:
		return 4
	case atom.H5:
		return 5
	default:
		return 6
	}
}

// collapse trims s and folds every run of whitespace, nbsp included, to a
// single space.
func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func fold(s string) string {
	return strings.ToLower(collapse(s))
}

// cutFolded finds the folded marker in text and returns what follows it in
// the collapsed original. Lower-casing can change a rune's byte width, so
// offsets are mapped back rune by rune.
func cutFolded(text, marker string) (string, bool) {
	src := collapse(text)
	var folded strings.Builder
	// ends[k] is the src offset just past the rune whose folded form ends at
	// foldedEnds[k].
	var ends, foldedEnds []int
	for i, r := range src {
		folded.WriteRune(unicode.ToLower(r))
		_, width := utf8.DecodeRuneInString(src[i:])
		ends = append(ends, i+width)
		foldedEnds = append(foldedEnds, folded.Len())
	}

	pos := strings.Index(folded.String(), marker)
	if pos < 0 {
		return "", false
	}
	end := pos + len(marker)
	k := sort.SearchInts(foldedEnds, end)
	if k == len(ends) {
		return "", true
	}
	return src[ends[k]:], true
}

// isFooter reports whether a folded first cell opens a totals row, as in
// "Totali:" or "Totals".
func isFooter(first string, prefixes []string) bool {
	for _, p := range prefixes {
		rest, ok := strings.CutPrefix(first, p)
		if ok && (rest == "" || rest[0] == ':' || rest[0] == ' ') {
			return true
		}
	}
	return false
}

func matchesAny(folded string, markers []string) bool {
	for _, m := range markers {
		if folded == m || strings.HasPrefix(folded, m+" ") {
			return true
		}
	}
	return false
}

func matchesExact(folded string, labels []string) bool {
	for _, l := range labels {
		if folded == l {
			return true
		}
	}
	return false
}
