package parser

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"smartquery/internal/models"

	"github.com/ledongthuc/pdf"
	"github.com/nguyenthenguyen/docx"
	"github.com/rs/zerolog/log"
	"github.com/tealeg/xlsx"
	"github.com/xuri/excelize/v2"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/text"
)

type pageExtractor func(filePath string) ([]models.Page, error)

var extractors = map[string]pageExtractor{
	".pdf":  parsePDF,
	".docx": parseDOCX,
	".pptx": parsePPTX,
	".xlsx": parseXLSX,
	".xlsm": parseXLSM,
	".md":   parseMarkdown,
	".txt":  parseText,
}

// SupportedExtensions lists every extension the loader can read.
func SupportedExtensions() []string {
	out := make([]string, 0, len(extractors))
	for ext := range extractors {
		out = append(out, ext)
	}
	sort.Strings(out)
	return out
}

// LoadDocuments reads every file in dir whose extension is in extensions.
// Files that fail to load are logged and skipped.
func LoadDocuments(dir string, extensions []string) ([]models.Document, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read documents dir: %w", err)
	}

	allowed := make(map[string]bool, len(extensions))
	for _, ext := range extensions {
		allowed[normalizeExt(ext)] = true
	}

	var docs []models.Document
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !allowed[strings.ToLower(filepath.Ext(name))] {
			continue
		}
		doc, err := LoadDocument(filepath.Join(dir, name))
		if err != nil {
			log.Warn().Err(err).Str("file", name).Msg("Error loading document, skipping")
			continue
		}
		log.Info().Msgf("Loaded %s (%d pages)", name, len(doc.Pages))
		docs = append(docs, doc)
	}
	return docs, nil
}

// LoadDocument extracts the pages of a single file.
func LoadDocument(filePath string) (doc models.Document, err error) {
	ext := strings.ToLower(filepath.Ext(filePath))
	extract, ok := extractors[ext]
	if !ok {
		return models.Document{}, fmt.Errorf("unsupported file format: %s", ext)
	}

	// some extractors panic on malformed input
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("parse %s: %v", filepath.Base(filePath), r)
		}
	}()

	pages, err := extract(filePath)
	if err != nil {
		return models.Document{}, err
	}
	return models.Document{Source: filepath.Base(filePath), Pages: pages}, nil
}

func normalizeExt(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}

// pageText runs fn and turns errors and panics into an empty page.
func pageText(source string, number int, fn func() (string, error)) (out string) {
	defer func() {
		if r := recover(); r != nil {
			log.Debug().Str("file", source).Int("page", number).Interface("panic", r).Msg("Page extraction failed")
			out = ""
		}
	}()
	s, err := fn()
	if err != nil {
		log.Debug().Err(err).Str("file", source).Int("page", number).Msg("Page extraction failed")
		return ""
	}
	return s
}

func parsePDF(filePath string) ([]models.Page, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}

	reader, err := pdf.NewReader(f, stat.Size())
	if err != nil {
		return nil, err
	}

	source := filepath.Base(filePath)
	numPages := reader.NumPage()
	pages := make([]models.Page, 0, numPages)
	for i := 1; i <= numPages; i++ {
		text := pageText(source, i, func() (string, error) {
			page := reader.Page(i)
			if page.V.IsNull() {
				return "", nil
			}
			text, err := page.GetPlainText(nil)
			// GetPlainText opens each page with a newline.
			return strings.TrimSpace(text), err
		})
		pages = append(pages, models.Page{Number: i, Text: text})
	}
	return pages, nil
}

func parseDOCX(filePath string) ([]models.Page, error) {
	r, err := docx.ReadDocxFile(filePath)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	// DOCX has no page numbers
	content := r.Editable().GetContent()
	return []models.Page{{Number: 1, Text: extractTextFromXML([]byte(content))}}, nil
}

func parsePPTX(filePath string) ([]models.Page, error) {
	f, err := zip.OpenReader(filePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	type slide struct {
		num  int
		file *zip.File
	}
	var slides []slide
	for _, file := range f.File {
		name := file.Name
		if !strings.HasPrefix(name, "ppt/slides/slide") || !strings.HasSuffix(name, ".xml") {
			continue
		}
		num, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, "ppt/slides/slide"), ".xml"))
		if err != nil {
			continue
		}
		slides = append(slides, slide{num: num, file: file})
	}
	sort.Slice(slides, func(i, j int) bool { return slides[i].num < slides[j].num })

	source := filepath.Base(filePath)
	pages := make([]models.Page, 0, len(slides))
	for i, s := range slides {
		text := pageText(source, i+1, func() (string, error) {
			rc, err := s.file.Open()
			if err != nil {
				return "", err
			}
			defer rc.Close()
			data, err := io.ReadAll(rc)
			if err != nil {
				return "", err
			}
			return extractTextFromXML(data), nil
		})
		pages = append(pages, models.Page{Number: i + 1, Text: text})
	}
	return pages, nil
}

// each sheet becomes a page
func parseXLSX(filePath string) ([]models.Page, error) {
	f, err := xlsx.OpenFile(filePath)
	if err != nil {
		return nil, err
	}

	pages := make([]models.Page, 0, len(f.Sheets))
	for sheetNum, sheet := range f.Sheets {
		var text strings.Builder
		text.WriteString(fmt.Sprintf("## Sheet: %s\n", sheet.Name))
		for _, row := range sheet.Rows {
			if row == nil {
				continue
			}
			for _, cell := range row.Cells {
				text.WriteString(cell.String() + "\t")
			}
			text.WriteString("\n")
		}
		pages = append(pages, models.Page{Number: sheetNum + 1, Text: text.String()})
	}
	return pages, nil
}

func parseXLSM(filePath string) ([]models.Page, error) {
	f, err := excelize.OpenFile(filePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	source := filepath.Base(filePath)
	sheets := f.GetSheetList()
	pages := make([]models.Page, 0, len(sheets))
	for sheetNum, sheetName := range sheets {
		text := pageText(source, sheetNum+1, func() (string, error) {
			rows, err := f.GetRows(sheetName)
			if err != nil {
				return "", err
			}
			var text strings.Builder
			text.WriteString(fmt.Sprintf("## Sheet: %s\n", sheetName))
			for _, row := range rows {
				text.WriteString(strings.Join(row, "\t"))
				text.WriteString("\n")
			}
			return text.String(), nil
		})
		pages = append(pages, models.Page{Number: sheetNum + 1, Text: text})
	}
	return pages, nil
}

func parseMarkdown(filePath string) ([]models.Page, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	return []models.Page{{Number: 1, Text: markdownToText(data)}}, nil
}

func parseText(filePath string) ([]models.Page, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	// TXT has no pages
	return []models.Page{{Number: 1, Text: string(data)}}, nil
}

// markdownToText renders the text content of a markdown document without
// its markup.
func markdownToText(src []byte) string {
	md := goldmark.New(goldmark.WithExtensions(extension.GFM))
	doc := md.Parser().Parse(text.NewReader(src))

	var buf bytes.Buffer
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			if n.Type() == ast.TypeBlock && buf.Len() > 0 && !bytes.HasSuffix(buf.Bytes(), []byte("\n")) {
				buf.WriteByte('\n')
			}
			return ast.WalkContinue, nil
		}
		switch v := n.(type) {
		case *ast.Text:
			buf.Write(v.Segment.Value(src))
			if v.SoftLineBreak() || v.HardLineBreak() {
				buf.WriteByte('\n')
			}
		case *ast.String:
			buf.Write(v.Value)
		case *ast.FencedCodeBlock:
			writeLines(&buf, v.Lines(), src)
		case *ast.CodeBlock:
			writeLines(&buf, v.Lines(), src)
		}
		return ast.WalkContinue, nil
	})
	return strings.TrimSpace(buf.String())
}

func writeLines(buf *bytes.Buffer, lines *text.Segments, src []byte) {
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		buf.Write(seg.Value(src))
	}
}

// extractTextFromXML collects the text runs of an OOXML part (<w:t>, <a:t>),
// breaking lines at paragraph ends.
func extractTextFromXML(data []byte) string {
	dec := xml.NewDecoder(bytes.NewReader(data))
	var out strings.Builder
	inText := false
	for {
		tok, err := dec.Token()
		if err != nil {
			break
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == "t" {
				inText = true
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				out.WriteString("\n")
			}
		case xml.CharData:
			if inText {
				out.Write(t)
			}
		}
	}
	return strings.TrimSpace(out.String())
}
