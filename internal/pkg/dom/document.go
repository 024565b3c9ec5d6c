// Package dom holds parsed HTML documents and exposes their tables as
// rehydration targets.
package dom

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"tablegate/internal/pkg/mdtable"
	"tablegate/internal/pkg/models"
)

// Attributes written onto tables
const (
	AttrGenerated = "data-tg-generated"
	AttrScope     = "data-tg-scope"
	AttrSignature = "data-tg-sig"
	AttrFailed    = "data-tg-failed"
)

var errDetached = errors.New("table is no longer attached to its document")

// Classify maps a header row to a category. ok is false for tables to ignore.
type Classify func(header string) (category string, ok bool)

// Document is a parsed HTML page. All reads and writes of the tree go
// through mu.
type Document struct {
	ID string

	mu   sync.Mutex
	root *html.Node
}

type Candidate struct {
	Scope      string
	DocumentID string
	Content    string
	Category   string
	Target     *TableTarget
}

func Parse(documentID string, r io.Reader) (*Document, error) {
	root, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parse document %q: %w", documentID, err)
	}
	return &Document{ID: documentID, root: root}, nil
}

// Candidates returns one candidate per source table that classify accepts.
// Tables inserted by rehydration are never candidates.
func (d *Document) Candidates(scope string, classify Classify) []Candidate {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []Candidate
	for _, table := range findAll(d.root, atom.Table) {
		if hasAttr(table, AttrGenerated) {
			continue
		}
		rows := tableRows(table)
		if len(rows) == 0 {
			continue
		}
		category, ok := classify(strings.Join(rows[0], "\t"))
		if !ok {
			continue
		}

		lines := make([]string, len(rows))
		for i, row := range rows {
			lines[i] = strings.Join(row, "\t")
		}
		out = append(out, Candidate{
			Scope:      scope,
			DocumentID: d.ID,
			Content:    strings.Join(lines, "\n"),
			Category:   category,
			Target:     &TableTarget{doc: d, node: table},
		})
	}
	return out
}

// Render writes the current tree as HTML.
func (d *Document) Render(w io.Writer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return html.Render(w, d.root)
}

func (d *Document) String() string {
	var buf bytes.Buffer
	_ = d.Render(&buf)
	return buf.String()
}

// TableTarget is a source table that results are inserted next to.
type TableTarget struct {
	doc  *Document
	node *html.Node
}

func (t *TableTarget) Marker() (models.Marker, bool) {
	t.doc.mu.Lock()
	defer t.doc.mu.Unlock()

	scope, hasScope := attr(t.node, AttrScope)
	sig, hasSig := attr(t.node, AttrSignature)
	if !hasScope || !hasSig {
		return models.Marker{}, false
	}
	return models.Marker{Scope: scope, Signature: sig}, true
}

// Commit inserts tables right after the source table and marks it, in one step.
func (t *TableTarget) Commit(marker models.Marker, tables []mdtable.Table) error {
	t.doc.mu.Lock()
	defer t.doc.mu.Unlock()

	if t.node.Parent == nil {
		return errDetached
	}

	cursor := t.node
	for _, table := range tables {
		generated := renderTable(table)
		cursor.Parent.InsertBefore(generated, cursor.NextSibling)
		cursor = generated
	}
	setAttr(t.node, AttrScope, marker.Scope)
	setAttr(t.node, AttrSignature, marker.Signature)
	removeAttr(t.node, AttrFailed)
	return nil
}

func (t *TableTarget) MarkFailed(reason string) {
	t.doc.mu.Lock()
	defer t.doc.mu.Unlock()
	setAttr(t.node, AttrFailed, reason)
}

// Failed returns the failure reason recorded on the table, if any.
func (t *TableTarget) Failed() (string, bool) {
	t.doc.mu.Lock()
	defer t.doc.mu.Unlock()
	return attr(t.node, AttrFailed)
}

func renderTable(t mdtable.Table) *html.Node {
	table := element(atom.Table)
	table.Attr = []html.Attribute{{Key: AttrGenerated, Val: "true"}}

	if len(t.Header) > 0 {
		thead := element(atom.Thead)
		thead.AppendChild(row(atom.Th, t.Header))
		table.AppendChild(thead)
	}
	tbody := element(atom.Tbody)
	for _, cells := range t.Rows {
		tbody.AppendChild(row(atom.Td, cells))
	}
	table.AppendChild(tbody)
	return table
}

func row(cell atom.Atom, cells []string) *html.Node {
	tr := element(atom.Tr)
	for _, text := range cells {
		c := element(cell)
		c.AppendChild(&html.Node{Type: html.TextNode, Data: text})
		tr.AppendChild(c)
	}
	return tr
}

func element(a atom.Atom) *html.Node {
	return &html.Node{Type: html.ElementNode, DataAtom: a, Data: a.String()}
}
