// ABOUTME: Flattens assistant markdown into plain text for terminals and speech
// ABOUTME: Walks the goldmark AST, keeping words and list structure, dropping markup and HTML

package plaintext

import (
	"strconv"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	east "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
)

// Converter turns markdown into plain text. It is safe for concurrent use.
type Converter struct {
	md goldmark.Markdown
}

// New creates a Converter with GitHub flavored markdown enabled.
func New() *Converter {
	return &Converter{md: goldmark.New(goldmark.WithExtensions(extension.GFM))}
}

var defaultConverter = New()

// Flatten converts markdown with the default converter.
func Flatten(markdown string) string {
	return defaultConverter.Flatten(markdown)
}

// Flatten parses markdown and renders the text content.
//
// Headings, paragraphs, and code blocks are separated by a blank line. List
// items keep a "- " or "N. " marker, indented two spaces per nesting level.
// Links and images become their text, table cells are joined with ", ",
// and raw HTML is dropped.
func (c *Converter) Flatten(markdown string) string {
	if strings.TrimSpace(markdown) == "" {
		return ""
	}
	src := []byte(markdown)
	doc := c.md.Parser().Parse(text.NewReader(src))

	f := &flattener{src: src}
	_ = ast.Walk(doc, f.visit)
	return tidy(f.out.String())
}

type listState struct {
	ordered bool
	next    int
}

type flattener struct {
	src   []byte
	out   strings.Builder
	lists []*listState
}

func (f *flattener) visit(n ast.Node, entering bool) (ast.WalkStatus, error) {
	switch node := n.(type) {
	case *ast.Heading, *ast.Blockquote:
		if !entering {
			f.blank()
		}

	case *ast.Paragraph, *ast.TextBlock:
		if !entering {
			if _, inItem := node.Parent().(*ast.ListItem); inItem {
				f.newline()
			} else {
				f.blank()
			}
		}

	case *ast.List:
		if entering {
			f.lists = append(f.lists, &listState{ordered: node.IsOrdered(), next: node.Start})
			f.newline()
		} else {
			f.lists = f.lists[:len(f.lists)-1]
			if len(f.lists) == 0 {
				f.blank()
			}
		}

	case *ast.ListItem:
		if entering && len(f.lists) > 0 {
			f.newline()
			list := f.lists[len(f.lists)-1]
			f.out.WriteString(strings.Repeat("  ", len(f.lists)-1))
			if list.ordered {
				f.out.WriteString(strconv.Itoa(list.next))
				f.out.WriteString(". ")
				list.next++
			} else {
				f.out.WriteString("- ")
			}
		}

	case *ast.FencedCodeBlock, *ast.CodeBlock:
		if entering {
			lines := n.Lines()
			for i := 0; i < lines.Len(); i++ {
				seg := lines.At(i)
				f.out.Write(seg.Value(f.src))
			}
			f.blank()
		}
		return ast.WalkSkipChildren, nil

	case *ast.ThematicBreak:
		if entering {
			f.blank()
		}

	case *ast.HTMLBlock, *ast.RawHTML:
		return ast.WalkSkipChildren, nil

	case *ast.AutoLink:
		if entering {
			f.out.Write(node.URL(f.src))
		}
		return ast.WalkSkipChildren, nil

	case *ast.Text:
		if entering {
			f.out.Write(node.Segment.Value(f.src))
			switch {
			case node.HardLineBreak():
				f.out.WriteByte('\n')
			case node.SoftLineBreak():
				f.out.WriteByte(' ')
			}
		}

	case *ast.String:
		if entering {
			f.out.Write(node.Value)
		}

	case *east.TableCell:
		if entering && node.PreviousSibling() != nil {
			f.out.WriteString(", ")
		}

	case *east.TableHeader, *east.TableRow:
		if !entering {
			f.newline()
		}

	case *east.Table:
		if !entering {
			f.blank()
		}
	}
	return ast.WalkContinue, nil
}

// newline ends the current line if one is open.
func (f *flattener) newline() {
	s := f.out.String()
	if len(s) > 0 && !strings.HasSuffix(s, "\n") {
		f.out.WriteByte('\n')
	}
}

// blank ends the current block with an empty line.
func (f *flattener) blank() {
	s := f.out.String()
	switch {
	case len(s) == 0, strings.HasSuffix(s, "\n\n"):
	case strings.HasSuffix(s, "\n"):
		f.out.WriteByte('\n')
	default:
		f.out.WriteString("\n\n")
	}
}

// tidy strips trailing spaces from each line and surrounding blank lines.
func tidy(s string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.Trim(strings.Join(lines, "\n"), "\n")
}
