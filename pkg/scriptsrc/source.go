// Package scriptsrc holds the immutable script asset: source text plus the
// instancing kind declared by its first-line directive.
package scriptsrc

import (
	"bytes"
	"strings"
	"unicode/utf8"
)

// Kind selects how interpreter instances are shared between users of a script.
type Kind int

const (
	Unique       Kind = iota // Private interpreter per consumer request
	Shared                   // One interpreter per script path
	Collectivist             // The single global interpreter
)

// Directive prefixes recognised on the first line of a script.
const (
	DirectiveShared       = "--!shared"
	DirectiveCollectivist = "--!collectivist"
)

// Ext is the conventional script file extension.
const Ext = ".lua"

func (k Kind) String() string {
	switch k {
	case Unique:
		return "unique"
	case Shared:
		return "shared"
	case Collectivist:
		return "collectivist"
	default:
		return "unknown"
	}
}

// Source is a loaded script. It is never modified after Parse returns.
type Source struct {
	Path string
	Kind Kind
	Text string
}

// Parse classifies raw script bytes by their first-line directive.
// A leading UTF-8 byte order mark is dropped.
func Parse(path string, data []byte) *Source {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	text := string(data)
	if !utf8.ValidString(text) {
		text = strings.ToValidUTF8(text, "�")
	}
	return &Source{
		Path: path,
		Kind: KindOf(text),
		Text: text,
	}
}

// KindOf inspects only the first line of text. A directive must start at
// column 0 and end at whitespace or the end of the line.
func KindOf(text string) Kind {
	first := text
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		first = text[:i]
	}
	if i := strings.IndexAny(first, " \t\r"); i >= 0 {
		first = first[:i]
	}
	switch first {
	case DirectiveCollectivist:
		return Collectivist
	case DirectiveShared:
		return Shared
	default:
		return Unique
	}
}
