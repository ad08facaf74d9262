// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package tgmarkup

import (
	"encoding/json"
	"strings"
	"testing"

	"go.astrophena.name/scriptgate/internal/testutil"
)

func TestFromMarkdown(t *testing.T) {
	cases := map[string]struct {
		in   string
		want Message
	}{
		"plain": {
			in:   "Hello, world!",
			want: Message{Text: "Hello, world!"},
		},
		"bold": {
			in: "Hello **world**",
			want: Message{
				Text:     "Hello world",
				Entities: []Entity{{Type: Bold, Offset: 6, Length: 5}},
			},
		},
		"italic": {
			in: "*note*",
			want: Message{
				Text:     "note",
				Entities: []Entity{{Type: Italic, Offset: 0, Length: 4}},
			},
		},
		"heading and code": {
			in: "# Title\n\nBody `code`",
			want: Message{
				Text: "Title\n\nBody code",
				Entities: []Entity{
					{Type: Bold, Offset: 0, Length: 5},
					{Type: Code, Offset: 12, Length: 4},
				},
			},
		},
		"code block": {
			in: "```lua\nprint(1)\n```",
			want: Message{
				Text:     "print(1)",
				Entities: []Entity{{Type: Pre, Offset: 0, Length: 8, Language: "lua"}},
			},
		},
		"link": {
			in: "[docs](https://example.com)",
			want: Message{
				Text:     "docs",
				Entities: []Entity{{Type: TextLink, Offset: 0, Length: 4, URL: "https://example.com"}},
			},
		},
		"utf16 offsets": {
			in: "🔒 **Protected**",
			want: Message{
				Text:     "🔒 Protected",
				Entities: []Entity{{Type: Bold, Offset: 3, Length: 9}},
			},
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			testutil.AssertEqual(t, FromMarkdown(tc.in), tc.want)
		})
	}
}

func TestMessageJSON(t *testing.T) {
	b, err := json.Marshal(Plain("hi"))
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, string(b), `{"text":"hi"}`)
}

func TestSplit(t *testing.T) {
	t.Run("short", func(t *testing.T) {
		m := Plain("hello")
		testutil.AssertEqual(t, m.Split(10), []Message{m})
	})

	t.Run("at newline", func(t *testing.T) {
		m := Message{
			Text:     "aaaa\nbbbb\ncc",
			Entities: []Entity{{Type: Bold, Offset: 2, Length: 6}},
		}
		testutil.AssertEqual(t, m.Split(8), []Message{
			{Text: "aaaa\n", Entities: []Entity{{Type: Bold, Offset: 2, Length: 3}}},
			{Text: "bbbb\ncc", Entities: []Entity{{Type: Bold, Offset: 0, Length: 3}}},
		})
	})

	t.Run("hard cut", func(t *testing.T) {
		m := Plain(strings.Repeat("x", 10))
		testutil.AssertEqual(t, m.Split(4), []Message{
			Plain("xxxx"), Plain("xxxx"), Plain("xx"),
		})
	})

	t.Run("surrogate pair", func(t *testing.T) {
		// "a" is one code unit, each emoji is two.
		m := Plain("a🔒🔒")
		testutil.AssertEqual(t, m.Split(2), []Message{
			Plain("a"), Plain("🔒"), Plain("🔒"),
		})
	})
}
