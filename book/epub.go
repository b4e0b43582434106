package book

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/beevik/etree"
	"github.com/google/uuid"
	"github.com/maruel/natural"
	"go.uber.org/zap"
	"golang.org/x/net/html/charset"
	"golang.org/x/text/language"

	"rdr/archive"
)

// Epub serves chapters from an EPUB container, one spine item per chapter.
// Parsed chapters are memoized; safe for concurrent use.
type Epub struct {
	info  Info
	files []spineItem
	rc    *zip.ReadCloser
	log   *zap.Logger

	mu     sync.Mutex
	parsed map[int]*Chapter
}

type spineItem struct {
	href  string
	title string // from navigation document when available
}

// OpenEpub opens the container, reads OPF package metadata and builds the
// chapter list from the spine. A damaged or empty spine falls back to
// natural ordering of content files.
func OpenEpub(name string, log *zap.Logger) (*Epub, error) {
	if log == nil {
		log = zap.NewNop()
	}

	rc, err := zip.OpenReader(name)
	if err != nil {
		return nil, fmt.Errorf("unable to open EPUB container: %w", err)
	}

	e := &Epub{rc: rc, log: log, parsed: make(map[int]*Chapter)}

	opfPath, err := rootFilePath(&rc.Reader)
	if err != nil {
		rc.Close()
		return nil, fmt.Errorf("unable to locate package document: %w", err)
	}

	if err := e.readPackage(opfPath); err != nil {
		rc.Close()
		return nil, err
	}

	if len(e.files) == 0 {
		// Damaged spine - take anything that looks like content in natural
		// file name order.
		var names []string
		err := archive.Walk(&rc.Reader, "", func(f *zip.File) error {
			ext := strings.ToLower(path.Ext(f.Name))
			if ext == ".xhtml" || ext == ".html" || ext == ".htm" {
				names = append(names, f.Name)
			}
			return nil
		})
		if err != nil {
			rc.Close()
			return nil, err
		}
		sort.Sort(natural.StringSlice(names))
		for _, n := range names {
			e.files = append(e.files, spineItem{href: n})
		}
		log.Warn("EPUB has no usable spine, falling back to natural file order", zap.Int("files", len(names)))
	}

	if len(e.files) == 0 {
		rc.Close()
		return nil, fmt.Errorf("EPUB has no readable content: %s", name)
	}

	// Make sure book ID is not empty and is valid UUID
	if e.info.ID == uuid.Nil {
		if e.info.ID, err = uuid.NewV7(); err != nil {
			rc.Close()
			return nil, fmt.Errorf("unable to generate new book UUID: %w", err)
		}
		log.Warn("Book has no valid identifier, generating one", zap.Stringer("id", e.info.ID))
	}

	log.Debug("Opened EPUB",
		zap.String("file", name),
		zap.String("title", e.info.Title),
		zap.Stringer("language", e.info.Language),
		zap.Int("chapters", len(e.files)))
	return e, nil
}

func (e *Epub) Close() error {
	return e.rc.Close()
}

// OpenImage reads a container resource referenced from chapter markup.
// References are usually relative to the chapter file, so when the literal
// path misses we fall back to matching by base name.
func (e *Epub) OpenImage(href string) ([]byte, error) {
	if data, err := archive.ReadFile(&e.rc.Reader, href); err == nil {
		return data, nil
	}
	base := path.Base(href)
	var found string
	_ = archive.Walk(&e.rc.Reader, "", func(f *zip.File) error {
		if found == "" && path.Base(f.Name) == base {
			found = f.Name
		}
		return nil
	})
	if found == "" {
		return nil, fmt.Errorf("resource not found in container: %s", href)
	}
	return archive.ReadFile(&e.rc.Reader, found)
}

func (e *Epub) Info() Info {
	return e.info
}

func (e *Epub) ChapterCount() int {
	return len(e.files)
}

// Chapter parses and returns the spine item at index.
func (e *Epub) Chapter(ctx context.Context, index int) (*Chapter, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if index < 0 || index >= len(e.files) {
		return nil, fmt.Errorf("chapter index out of range: %d (have %d)", index, len(e.files))
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.parsed[index]; ok {
		return c, nil
	}

	item := e.files[index]
	data, err := archive.ReadFile(&e.rc.Reader, item.href)
	if err != nil {
		return nil, fmt.Errorf("unable to read chapter %d (%s): %w", index, item.href, err)
	}

	doc := etree.NewDocument()
	doc.ReadSettings = etree.ReadSettings{
		CharsetReader: charset.NewReaderLabel,
		Permissive:    true,
	}
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, fmt.Errorf("unable to parse chapter %d (%s): %w", index, item.href, err)
	}

	body := doc.FindElement("//body")
	if body == nil {
		return nil, fmt.Errorf("chapter %d (%s) has no body", index, item.href)
	}

	c := &Chapter{
		Index: index,
		Title: chapterTitle(doc, body, item, index),
		Body:  body,
		Text:  ExtractText(body),
	}
	e.parsed[index] = c

	e.log.Debug("Parsed chapter", zap.Int("index", index), zap.String("href", item.href), zap.String("title", c.Title))
	return c, nil
}

// rootFilePath reads META-INF/container.xml and returns the OPF location.
func rootFilePath(r *zip.Reader) (string, error) {
	data, err := archive.ReadFile(r, "META-INF/container.xml")
	if err != nil {
		return "", err
	}
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return "", err
	}
	rf := doc.FindElement("//rootfile")
	if rf == nil {
		return "", fmt.Errorf("container.xml has no rootfile element")
	}
	full := rf.SelectAttrValue("full-path", "")
	if full == "" {
		return "", fmt.Errorf("rootfile has no full-path attribute")
	}
	return full, nil
}

// readPackage extracts metadata and spine from the OPF document.
func (e *Epub) readPackage(opfPath string) error {
	data, err := archive.ReadFile(&e.rc.Reader, opfPath)
	if err != nil {
		return fmt.Errorf("unable to read package document: %w", err)
	}

	doc := etree.NewDocument()
	doc.ReadSettings = etree.ReadSettings{
		CharsetReader: charset.NewReaderLabel,
		Permissive:    true,
	}
	if err := doc.ReadFromBytes(bytes.TrimSpace(data)); err != nil {
		return fmt.Errorf("unable to parse package document: %w", err)
	}

	if t := doc.FindElement("//metadata/title"); t != nil {
		e.info.Title = strings.TrimSpace(t.Text())
	}
	if l := doc.FindElement("//metadata/language"); l != nil {
		if tag, err := language.Parse(strings.TrimSpace(l.Text())); err == nil {
			e.info.Language = tag
		} else {
			e.log.Warn("Unable to parse book language", zap.String("value", l.Text()), zap.Error(err))
			e.info.Language = language.Und
		}
	}
	if id := doc.FindElement("//metadata/identifier"); id != nil {
		raw := strings.TrimSpace(id.Text())
		raw = strings.TrimPrefix(strings.TrimPrefix(raw, "urn:uuid:"), "uuid:")
		if parsed, err := uuid.Parse(raw); err == nil {
			e.info.ID = parsed
		}
	}

	// manifest id -> href
	hrefs := make(map[string]string)
	for _, item := range doc.FindElements("//manifest/item") {
		id := item.SelectAttrValue("id", "")
		href := item.SelectAttrValue("href", "")
		if id == "" || href == "" {
			continue
		}
		hrefs[id] = resolveHref(opfPath, href)
	}

	for _, ref := range doc.FindElements("//spine/itemref") {
		idref := ref.SelectAttrValue("idref", "")
		href, ok := hrefs[idref]
		if !ok {
			e.log.Warn("Spine references unknown manifest item", zap.String("idref", idref))
			continue
		}
		if strings.EqualFold(ref.SelectAttrValue("linear", "yes"), "no") {
			// auxiliary content is not part of the reading order
			continue
		}
		e.files = append(e.files, spineItem{href: href})
	}
	return nil
}

func resolveHref(opfPath, href string) string {
	dir := path.Dir(opfPath)
	if dir == "." {
		return href
	}
	return path.Join(dir, href)
}

func chapterTitle(doc *etree.Document, body *etree.Element, item spineItem, index int) string {
	if item.title != "" {
		return item.title
	}
	for _, tag := range []string{"h1", "h2", "h3", "h4"} {
		if h := body.FindElement(".//" + tag); h != nil {
			if t := BlockText(h); t != "" {
				return t
			}
		}
	}
	if t := doc.FindElement("//head/title"); t != nil {
		if s := strings.TrimSpace(t.Text()); s != "" {
			return s
		}
	}
	base := path.Base(item.href)
	if base != "" && base != "." {
		return strings.TrimSuffix(base, path.Ext(base))
	}
	return fmt.Sprintf("Chapter %d", index+1)
}
