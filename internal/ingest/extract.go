// Package ingest turns raw document bytes into persisted chunks ready
// for the index builder: extract, clean, chunk, persist.
package ingest

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"io"
	"regexp"
	"strings"
	"unicode/utf8"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/gen2brain/go-fitz"
	"github.com/xuri/excelize/v2"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"

	"github.com/lorekeep-ai/lorekeep/internal/faults"
	"github.com/lorekeep-ai/lorekeep/internal/storage"
)

// Section is a structurally coherent span of extracted text. Meta
// carries hints (page, sheet, heading) that land in chunk metadata.
type Section struct {
	Text string
	Meta map[string]any
}

// lowInkChars is the per-page threshold below which a PDF page is
// treated as image-only (would need OCR, which is not bundled).
const lowInkChars = 10

// KindFromMIME maps a declared MIME type (or a filename fallback) to a
// supported document kind.
func KindFromMIME(mime, filename string) (storage.DocumentKind, error) {
	mime = strings.ToLower(strings.TrimSpace(mime))
	if i := strings.Index(mime, ";"); i >= 0 {
		mime = mime[:i]
	}
	switch mime {
	case "application/pdf":
		return storage.DocumentKindPDF, nil
	case "application/vnd.openxmlformats-officedocument.wordprocessingml.document":
		return storage.DocumentKindDOCX, nil
	case "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":
		return storage.DocumentKindXLSX, nil
	case "text/markdown", "text/x-markdown":
		return storage.DocumentKindMD, nil
	case "text/html":
		return storage.DocumentKindHTML, nil
	case "text/plain":
		return storage.DocumentKindTXT, nil
	case "", "application/octet-stream":
		// Fall through to the extension.
	default:
		return "", faults.Newf(faults.KindUnsupportedFormat, "unsupported content type %q", mime)
	}

	switch strings.ToLower(extOf(filename)) {
	case "pdf":
		return storage.DocumentKindPDF, nil
	case "docx":
		return storage.DocumentKindDOCX, nil
	case "xlsx":
		return storage.DocumentKindXLSX, nil
	case "md", "markdown":
		return storage.DocumentKindMD, nil
	case "html", "htm":
		return storage.DocumentKindHTML, nil
	case "txt":
		return storage.DocumentKindTXT, nil
	}
	return "", faults.Newf(faults.KindUnsupportedFormat, "cannot determine format of %q", filename)
}

func extOf(name string) string {
	if i := strings.LastIndex(name, "."); i >= 0 {
		return name[i+1:]
	}
	return ""
}

// Extract produces plain-text sections from raw bytes.
func Extract(raw []byte, kind storage.DocumentKind) ([]Section, error) {
	switch kind {
	case storage.DocumentKindPDF:
		return extractPDF(raw)
	case storage.DocumentKindDOCX:
		return extractDOCX(raw)
	case storage.DocumentKindXLSX:
		return extractXLSX(raw)
	case storage.DocumentKindMD:
		return extractMarkdown(decodeText(raw))
	case storage.DocumentKindHTML:
		return extractHTML(decodeText(raw))
	case storage.DocumentKindTXT:
		return []Section{{Text: decodeText(raw)}}, nil
	default:
		return nil, faults.Newf(faults.KindUnsupportedFormat, "unsupported document kind %q", kind)
	}
}

// extractPDF pulls text per page. Pages with almost no extractable text
// are skipped; if every page is image-only the document needs OCR,
// which is not bundled.
func extractPDF(raw []byte) ([]Section, error) {
	doc, err := fitz.NewFromMemory(raw)
	if err != nil {
		return nil, faults.Wrap(faults.KindUnsupportedFormat, err, "open pdf")
	}
	defer doc.Close()

	var sections []Section
	lowInkPages := 0
	for i := 0; i < doc.NumPage(); i++ {
		text, err := doc.Text(i)
		if err != nil {
			return nil, faults.Wrap(faults.KindUnsupportedFormat, err, "extract pdf page")
		}
		if inkChars(text) < lowInkChars {
			lowInkPages++
			continue
		}
		sections = append(sections, Section{
			Text: text,
			Meta: map[string]any{"page": i + 1},
		})
	}
	if len(sections) == 0 {
		return nil, faults.New(faults.KindUnsupportedFormat, "scanned pdf requires ocr")
	}
	return sections, nil
}

func inkChars(s string) int {
	n := 0
	for _, r := range s {
		if !strings.ContainsRune(" \t\r\n\f\v", r) {
			n++
		}
	}
	return n
}

// docx paragraph XML: we only care about <w:p> boundaries and the text
// runs inside them.
func extractDOCX(raw []byte) ([]Section, error) {
	zr, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return nil, faults.Wrap(faults.KindUnsupportedFormat, err, "open docx archive")
	}

	var docXML io.ReadCloser
	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			docXML, err = f.Open()
			if err != nil {
				return nil, faults.Wrap(faults.KindUnsupportedFormat, err, "open docx document.xml")
			}
			break
		}
	}
	if docXML == nil {
		return nil, faults.New(faults.KindUnsupportedFormat, "docx missing word/document.xml")
	}
	defer docXML.Close()

	var sb strings.Builder
	dec := xml.NewDecoder(docXML)
	inText := false
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, faults.Wrap(faults.KindUnsupportedFormat, err, "parse docx xml")
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "br":
				sb.WriteString("\n")
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				sb.WriteString("\n\n")
			}
		case xml.CharData:
			if inText {
				sb.Write(t)
			}
		}
	}
	return []Section{{Text: sb.String()}}, nil
}

// extractXLSX renders each sheet as tab-joined rows, one section per
// sheet.
func extractXLSX(raw []byte) ([]Section, error) {
	f, err := excelize.OpenReader(bytes.NewReader(raw))
	if err != nil {
		return nil, faults.Wrap(faults.KindUnsupportedFormat, err, "open xlsx")
	}
	defer f.Close()

	var sections []Section
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			return nil, faults.Wrap(faults.KindUnsupportedFormat, err, "read xlsx sheet")
		}
		var sb strings.Builder
		for _, row := range rows {
			line := strings.TrimRight(strings.Join(row, "\t"), "\t")
			if line == "" {
				continue
			}
			sb.WriteString(line)
			sb.WriteString("\n")
		}
		if sb.Len() == 0 {
			continue
		}
		sections = append(sections, Section{
			Text: sb.String(),
			Meta: map[string]any{"sheet": sheet},
		})
	}
	return sections, nil
}

// extractHTML converts markup to markdown first so structure survives,
// then strips the markdown syntax.
func extractHTML(html string) ([]Section, error) {
	md, err := htmltomarkdown.ConvertString(html)
	if err != nil {
		return nil, faults.Wrap(faults.KindUnsupportedFormat, err, "convert html")
	}
	return extractMarkdown(md)
}

var (
	headingRe   = regexp.MustCompile(`(?m)^#{1,6}\s+(.*)$`)
	codeFenceRe = regexp.MustCompile("(?s)```[a-zA-Z0-9]*\n?")
	linkRe      = regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`)
	imageRe     = regexp.MustCompile(`!\[([^\]]*)\]\([^)]*\)`)
	emphasisRe  = regexp.MustCompile(`(\*\*|__|\*|_|~~|` + "`" + `)`)
)

// extractMarkdown splits on headings into sections carrying the heading
// as a hint, stripping markdown syntax from the body text.
func extractMarkdown(md string) ([]Section, error) {
	type span struct {
		heading string
		start   int
	}
	spans := []span{{start: 0}}
	for _, loc := range headingRe.FindAllStringSubmatchIndex(md, -1) {
		spans = append(spans, span{heading: md[loc[2]:loc[3]], start: loc[0]})
	}

	var sections []Section
	for i, sp := range spans {
		end := len(md)
		if i+1 < len(spans) {
			end = spans[i+1].start
		}
		text := stripMarkdown(md[sp.start:end])
		if strings.TrimSpace(text) == "" {
			continue
		}
		var meta map[string]any
		if sp.heading != "" {
			meta = map[string]any{"heading": stripMarkdown(sp.heading)}
		}
		sections = append(sections, Section{Text: text, Meta: meta})
	}
	return sections, nil
}

func stripMarkdown(s string) string {
	s = codeFenceRe.ReplaceAllString(s, "")
	s = imageRe.ReplaceAllString(s, "$1")
	s = linkRe.ReplaceAllString(s, "$1")
	s = headingRe.ReplaceAllString(s, "$1")
	s = emphasisRe.ReplaceAllString(s, "")
	return s
}

// decodeText detects the encoding of plain text: valid UTF-8 as-is,
// UTF-16 by BOM, Latin-1 as the fallback.
func decodeText(raw []byte) string {
	switch {
	case len(raw) >= 2 && raw[0] == 0xFF && raw[1] == 0xFE,
		len(raw) >= 2 && raw[0] == 0xFE && raw[1] == 0xFF:
		dec := unicode.UTF16(unicode.LittleEndian, unicode.UseBOM).NewDecoder()
		if decoded, err := dec.Bytes(raw); err == nil {
			return string(decoded)
		}
	case utf8.Valid(raw):
		return strings.TrimPrefix(string(raw), "\uFEFF")
	}
	decoded, err := charmap.ISO8859_1.NewDecoder().Bytes(raw)
	if err != nil {
		return string(raw)
	}
	return string(decoded)
}
