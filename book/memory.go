package book

import (
	"context"
	"fmt"
	"strings"

	"github.com/beevik/etree"
	"github.com/google/uuid"
	"golang.org/x/text/language"
)

// Memory is an in-process chapter provider used by tests and the demo
// command.
type Memory struct {
	info     Info
	chapters []*Chapter
}

// NewMemory builds a provider over prepared chapters, reindexing them
// sequentially.
func NewMemory(title string, chapters ...*Chapter) *Memory {
	id, _ := uuid.NewV7()
	for i, c := range chapters {
		c.Index = i
	}
	return &Memory{
		info:     Info{ID: id, Title: title, Language: language.English},
		chapters: chapters,
	}
}

// NewChapter builds a chapter from plain paragraphs.
func NewChapter(title string, paragraphs ...string) *Chapter {
	body := etree.NewElement("body")
	if title != "" {
		h := body.CreateElement("h1")
		h.SetText(title)
	}
	for _, para := range paragraphs {
		p := body.CreateElement("p")
		p.SetText(para)
	}
	return &Chapter{
		Title: title,
		Body:  body,
		Text:  ExtractText(body),
	}
}

// ChapterFromHTML builds a chapter from an XHTML body fragment.
func ChapterFromHTML(title, markup string) (*Chapter, error) {
	doc := etree.NewDocument()
	doc.ReadSettings.Permissive = true
	if err := doc.ReadFromString("<body>" + strings.TrimSpace(markup) + "</body>"); err != nil {
		return nil, fmt.Errorf("unable to parse chapter markup: %w", err)
	}
	body := doc.Root()
	return &Chapter{Title: title, Body: body, Text: ExtractText(body)}, nil
}

func (m *Memory) Info() Info {
	return m.info
}

func (m *Memory) ChapterCount() int {
	return len(m.chapters)
}

func (m *Memory) Chapter(ctx context.Context, index int) (*Chapter, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if index < 0 || index >= len(m.chapters) {
		return nil, fmt.Errorf("chapter index out of range: %d (have %d)", index, len(m.chapters))
	}
	return m.chapters[index], nil
}
