package reader

import (
	"context"
	"fmt"

	"github.com/beevik/etree"
	cli "github.com/urfave/cli/v3"

	"rdr/assemble"
	"rdr/book"
	"rdr/utils/debug"
)

// Tree prints the assembled structure of one window: chapters, their block
// elements and the text each block carries. Exists for manual inspection
// when page boundaries look wrong.
func Tree(ctx context.Context, cmd *cli.Command) error {
	path, err := bookArg(cmd)
	if err != nil {
		return err
	}
	s, err := openSession(ctx, path)
	if err != nil {
		return err
	}
	defer s.close()

	window := int(cmd.Int("window"))
	if window < 0 || window >= s.conv.TotalWindows() {
		return fmt.Errorf("window out of range: %d (book has %d)", window, s.conv.TotalWindows())
	}
	if err := s.conv.Initialize(ctx, window); err != nil {
		return err
	}
	w, ok := s.conv.Snapshot(window)
	if !ok || w.Document == nil {
		return fmt.Errorf("window %d has no assembled document", window)
	}

	fmt.Print(windowTree(w.Index, w.Document.Root()))
	return nil
}

func windowTree(index int, root *etree.Element) string {
	tw := debug.NewTreeWriter()
	tw.Line(0, "Window[%d]", index)
	if root == nil {
		return tw.String()
	}
	body := root.FindElement("body")
	if body == nil {
		return tw.String()
	}
	for _, section := range body.ChildElements() {
		chapter := assemble.ChapterOf(section)
		tw.Line(1, "Chapter[%d] title[%q] blocks[%d]",
			chapter, section.SelectAttrValue("data-title", ""), len(section.ChildElements()))
		for _, block := range section.ChildElements() {
			text := book.BlockText(block)
			if r := []rune(text); len(r) > 60 {
				text = string(r[:60]) + "..."
			}
			tw.TextBlock(2, block.Tag, text)
		}
	}
	return tw.String()
}
