// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package tgmarkup converts Markdown to Telegram message text with formatting
// entities.
package tgmarkup

import (
	"strconv"
	"strings"
	"unicode/utf16"

	"rsc.io/markdown"
)

// Message is the text of a Telegram message with formatting entities. It is
// embedded into Bot API request bodies.
// See https://core.telegram.org/bots/api#sendmessage.
type Message struct {
	Text     string   `json:"text"`
	Entities []Entity `json:"entities,omitempty"`
}

// Type is the type of a message entity.
// See https://core.telegram.org/bots/api#messageentity.
type Type string

// Entity types produced by FromMarkdown.
const (
	Bold          Type = "bold"
	Italic        Type = "italic"
	Strikethrough Type = "strikethrough"
	Blockquote    Type = "blockquote"
	Code          Type = "code"
	Pre           Type = "pre"
	TextLink      Type = "text_link"
	URL           Type = "url"
)

// Entity marks a formatted part of the message text. Offset and Length are
// measured in UTF-16 code units.
type Entity struct {
	Type     Type   `json:"type"`
	Offset   int    `json:"offset"`
	Length   int    `json:"length"`
	URL      string `json:"url,omitempty"`
	Language string `json:"language,omitempty"`
}

// FromMarkdown converts Markdown text to a Message.
func FromMarkdown(text string) Message {
	p := markdown.Parser{
		Strikethrough: true,
		AutoLinkText:  true,
	}
	doc := p.Parse(text)

	c := new(converter)
	for i, b := range doc.Blocks {
		if i > 0 {
			c.write("\n")
		}
		c.block(b)
	}
	return Message{
		Text:     strings.TrimRight(c.sb.String(), "\n"),
		Entities: c.entities,
	}
}

// Plain returns a Message without formatting.
func Plain(text string) Message { return Message{Text: text} }

type converter struct {
	sb       strings.Builder
	pos      int // UTF-16 length of sb
	entities []Entity
}

func (c *converter) write(s string) {
	c.sb.WriteString(s)
	c.pos += utf16Len(s)
}

// wrap writes the output of f and marks it with e. A trailing newline is
// left out of the entity if trimNewline is set.
func (c *converter) wrap(e Entity, trimNewline bool, f func()) {
	start := c.pos
	f()
	e.Offset = start
	e.Length = c.pos - start
	if trimNewline && e.Length > 0 && strings.HasSuffix(c.sb.String(), "\n") {
		e.Length--
	}
	if e.Length > 0 {
		c.entities = append(c.entities, e)
	}
}

func (c *converter) block(b markdown.Block) {
	switch b := b.(type) {
	case *markdown.Paragraph:
		c.inlines(b.Text.Inline)
		c.write("\n")
	case *markdown.Heading:
		c.wrap(Entity{Type: Bold}, true, func() {
			c.inlines(b.Text.Inline)
			c.write("\n")
		})
	case *markdown.Quote:
		c.wrap(Entity{Type: Blockquote}, true, func() {
			for _, inner := range b.Blocks {
				c.block(inner)
			}
		})
	case *markdown.CodeBlock:
		c.wrap(Entity{Type: Pre, Language: b.Info}, true, func() {
			for _, line := range b.Text {
				c.write(line)
				c.write("\n")
			}
		})
	case *markdown.List:
		ordered := b.Bullet == '.' || b.Bullet == ')'
		n := 0
		for _, it := range b.Items {
			item, ok := it.(*markdown.Item)
			if !ok {
				continue
			}
			n++
			if ordered {
				c.write(strconv.Itoa(n) + ". ")
			} else {
				c.write("• ")
			}
			for _, inner := range item.Blocks {
				c.block(inner)
			}
		}
	case *markdown.Text:
		// Paragraphs of tight list items.
		c.inlines(b.Inline)
		c.write("\n")
	case *markdown.ThematicBreak:
		c.write("⸻\n")
	}
}

func (c *converter) inlines(ins []markdown.Inline) {
	for _, in := range ins {
		c.inline(in)
	}
}

func (c *converter) inline(in markdown.Inline) {
	switch in := in.(type) {
	case *markdown.Plain:
		c.write(in.Text)
	case *markdown.Escaped:
		c.write(in.Text)
	case *markdown.Strong:
		c.wrap(Entity{Type: Bold}, false, func() { c.inlines(in.Inner) })
	case *markdown.Emph:
		c.wrap(Entity{Type: Italic}, false, func() { c.inlines(in.Inner) })
	case *markdown.Del:
		c.wrap(Entity{Type: Strikethrough}, false, func() { c.inlines(in.Inner) })
	case *markdown.Link:
		c.wrap(Entity{Type: TextLink, URL: in.URL}, false, func() { c.inlines(in.Inner) })
	case *markdown.AutoLink:
		c.wrap(Entity{Type: URL}, false, func() { c.write(in.Text) })
	case *markdown.Code:
		c.wrap(Entity{Type: Code}, false, func() { c.write(in.Text) })
	case *markdown.SoftBreak, *markdown.HardBreak:
		c.write("\n")
	}
}

// Split breaks m into messages of at most limit UTF-16 code units each,
// preferring to cut at line boundaries. Entities crossing a cut are clipped
// to each part.
func (m Message) Split(limit int) []Message {
	units := utf16.Encode([]rune(m.Text))
	if limit <= 0 || len(units) <= limit {
		return []Message{m}
	}

	var parts []Message
	for start := 0; start < len(units); {
		end := min(start+limit, len(units))
		if end < len(units) {
			if nl := lastNewline(units[start:end]); nl > 0 {
				end = start + nl + 1
			} else if isHighSurrogate(units[end-1]) {
				end--
			}
		}
		parts = append(parts, Message{
			Text:     string(utf16.Decode(units[start:end])),
			Entities: clip(m.Entities, start, end),
		})
		start = end
	}
	return parts
}

func lastNewline(units []uint16) int {
	for i := len(units) - 1; i >= 0; i-- {
		if units[i] == '\n' {
			return i
		}
	}
	return -1
}

func clip(entities []Entity, start, end int) []Entity {
	var out []Entity
	for _, e := range entities {
		s, f := max(e.Offset, start), min(e.Offset+e.Length, end)
		if s >= f {
			continue
		}
		e.Offset, e.Length = s-start, f-s
		out = append(out, e)
	}
	return out
}

func isHighSurrogate(u uint16) bool { return u >= 0xd800 && u < 0xdc00 }

func utf16Len(s string) int {
	n := 0
	for _, r := range s {
		n += utf16.RuneLen(r)
	}
	return n
}
