package parser

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"github.com/harrison/coordinator/internal/models"
)

// MarkdownParser reads a plan embedded in a Markdown document. The first
// fenced yaml (or json) block holds the plan; top-level paragraphs become
// the brief's objective when the block sets none, and the first H1 names
// the plan when plan_id is missing.
type MarkdownParser struct {
	markdown goldmark.Markdown
}

func NewMarkdownParser() *MarkdownParser {
	return &MarkdownParser{
		markdown: goldmark.New(),
	}
}

func (p *MarkdownParser) Parse(r io.Reader) (*models.Plan, error) {
	return parse(p, r)
}

type markdownDoc struct {
	title string
	prose []string
	block []byte
}

func (p *MarkdownParser) decode(content []byte) (*models.Plan, error) {
	doc := p.markdown.Parser().Parse(text.NewReader(content))
	md, err := walkDocument(doc, content)
	if err != nil {
		return nil, err
	}
	if md.block == nil {
		return nil, fmt.Errorf("no fenced yaml plan block found")
	}

	plan, err := NewYAMLParser().decode(md.block)
	if err != nil {
		return nil, fmt.Errorf("plan block: %w", err)
	}
	if plan.Brief.Objective == "" {
		plan.Brief.Objective = strings.Join(md.prose, "\n\n")
	}
	if plan.Brief.Objective == "" {
		plan.Brief.Objective = md.title
	}
	if plan.ID == "" {
		plan.ID = slugify(md.title)
	}
	return plan, nil
}

func walkDocument(doc ast.Node, source []byte) (markdownDoc, error) {
	var md markdownDoc
	err := ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch node := n.(type) {
		case *ast.Heading:
			if node.Level == 1 && md.title == "" {
				md.title = strings.TrimSpace(extractText(node, source))
			}
			return ast.WalkSkipChildren, nil
		case *ast.Paragraph:
			if node.Parent() != nil && node.Parent().Kind() == ast.KindDocument {
				if s := paragraphText(node, source); s != "" {
					md.prose = append(md.prose, s)
				}
			}
			return ast.WalkSkipChildren, nil
		case *ast.FencedCodeBlock:
			lang := strings.ToLower(string(node.Language(source)))
			if lang != "yaml" && lang != "yml" && lang != "json" {
				return ast.WalkSkipChildren, nil
			}
			if md.block != nil {
				return ast.WalkStop, fmt.Errorf("multiple plan blocks found")
			}
			var buf bytes.Buffer
			lines := node.Lines()
			for i := 0; i < lines.Len(); i++ {
				seg := lines.At(i)
				buf.Write(seg.Value(source))
			}
			md.block = buf.Bytes()
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	return md, err
}

// extractText extracts plain text from an AST node
func extractText(n ast.Node, source []byte) string {
	var buf bytes.Buffer
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		if text, ok := c.(*ast.Text); ok {
			buf.Write(text.Segment.Value(source))
		}
	}
	return buf.String()
}

// paragraphText joins a paragraph's source lines into one line.
func paragraphText(n ast.Node, source []byte) string {
	var parts []string
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		if s := strings.TrimSpace(string(seg.Value(source))); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " ")
}

// slugify turns "Quarterly Report: Q3" into "quarterly-report-q3".
func slugify(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		case b.Len() > 0 && !dash:
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
