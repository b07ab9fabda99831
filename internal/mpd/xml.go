// Package mpd builds DASH Media Presentation Descriptions from muxer
// events: adaptation-set grouping, representation segment timelines, content
// protection, and the live sliding window.
package mpd

import (
	"strings"
)

// Attr is one XML attribute; order is preserved on output.
type Attr struct {
	Key   string
	Value string
}

// Element is a plain XML tree node, serialized in one pass.
type Element struct {
	Name     string
	Attrs    []Attr
	Children []*Element
	Text     string
}

// NewElement returns a node with the given name.
func NewElement(name string) *Element { return &Element{Name: name} }

// SetAttr appends or replaces an attribute.
func (e *Element) SetAttr(key, value string) *Element {
	for i := range e.Attrs {
		if e.Attrs[i].Key == key {
			e.Attrs[i].Value = value
			return e
		}
	}
	e.Attrs = append(e.Attrs, Attr{Key: key, Value: value})
	return e
}

// Add appends a child and returns it.
func (e *Element) Add(child *Element) *Element {
	e.Children = append(e.Children, child)
	return child
}

func escapeXML(s string) string {
	r := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		"\"", "&quot;",
		"'", "&apos;",
	)
	return r.Replace(s)
}

// Serialize renders the tree with two-space indentation.
func (e *Element) Serialize() string {
	var sb strings.Builder
	sb.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` + "\n")
	e.write(&sb, 0)
	return sb.String()
}

func (e *Element) write(sb *strings.Builder, depth int) {
	indent := strings.Repeat("  ", depth)
	sb.WriteString(indent)
	sb.WriteByte('<')
	sb.WriteString(e.Name)
	for _, a := range e.Attrs {
		sb.WriteByte(' ')
		sb.WriteString(a.Key)
		sb.WriteString(`="`)
		sb.WriteString(escapeXML(a.Value))
		sb.WriteString(`"`)
	}
	if len(e.Children) == 0 && e.Text == "" {
		sb.WriteString("/>\n")
		return
	}
	sb.WriteByte('>')
	if len(e.Children) == 0 {
		sb.WriteString(escapeXML(e.Text))
		sb.WriteString("</")
		sb.WriteString(e.Name)
		sb.WriteString(">\n")
		return
	}
	sb.WriteByte('\n')
	for _, c := range e.Children {
		c.write(sb, depth+1)
	}
	sb.WriteString(indent)
	sb.WriteString("</")
	sb.WriteString(e.Name)
	sb.WriteString(">\n")
}
