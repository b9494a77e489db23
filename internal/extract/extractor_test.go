package extract

import (
	"archive/zip"
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/xuri/excelize/v2"
)

func TestExtractBytes_plain(t *testing.T) {
	got, err := ExtractBytes([]byte("Hello world\nLine 2"), ".txt")
	if err != nil {
		t.Fatalf("ExtractBytes: %v", err)
	}
	if got != "Hello world\nLine 2" {
		t.Errorf("got %q", got)
	}
}

func TestExtractBytes_plainInvalidUTF8(t *testing.T) {
	got, err := ExtractBytes([]byte("hello\x80world"), ".md")
	if err != nil {
		t.Fatalf("ExtractBytes: %v", err)
	}
	if got != "hello\ufffdworld" {
		t.Errorf("got %q", got)
	}
}

func TestExtractBytes_excel(t *testing.T) {
	f := excelize.NewFile()
	defer f.Close()
	f.SetCellValue("Sheet1", "A1", "Title")
	f.SetCellValue("Sheet1", "A2", "Value 1")
	f.SetCellValue("Sheet1", "B2", "Value 2")
	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}

	got, err := ExtractBytes(buf.Bytes(), ".xlsx")
	if err != nil {
		t.Fatalf("ExtractBytes: %v", err)
	}
	if got != "# Sheet1\nTitle\nValue 1\tValue 2" {
		t.Errorf("got %q", got)
	}
}

func docxWithBody(parts map[string]string) []byte {
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, body := range parts {
		fw, _ := w.Create(name)
		_, _ = fw.Write([]byte(body))
	}
	_ = w.Close()
	return buf.Bytes()
}

const wordNS = `xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"`

func TestExtractBytes_docxParagraphs(t *testing.T) {
	content := docxWithBody(map[string]string{
		"word/document.xml": `<w:document ` + wordNS + `><w:body>` +
			`<w:p w:rsidR="00A1"><w:r><w:t>First</w:t></w:r><w:r><w:t xml:space="preserve"> paragraph</w:t></w:r></w:p>` +
			`<w:p><w:r><w:t>Second</w:t><w:tab/><w:t>cell</w:t></w:r></w:p>` +
			`</w:body></w:document>`,
	})
	got, err := ExtractBytes(content, ".docx")
	if err != nil {
		t.Fatalf("ExtractBytes: %v", err)
	}
	if got != "First paragraph\nSecond\tcell" {
		t.Errorf("got %q", got)
	}
}

func TestExtractBytes_docxCustomMainPart(t *testing.T) {
	content := docxWithBody(map[string]string{
		"[Content_Types].xml": `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<Types xmlns="http://schemas.openxmlformats.org/package/2006/content-types">
<Override ContentType="application/vnd.openxmlformats-officedocument.wordprocessingml.document.main+xml" PartName="/word/document2.xml"/>
</Types>`,
		"word/document2.xml": `<w:document ` + wordNS + `><w:body><w:p><w:r><w:t>Content from document2</w:t></w:r></w:p></w:body></w:document>`,
	})
	got, err := ExtractBytes(content, ".docx")
	if err != nil {
		t.Fatalf("ExtractBytes: %v", err)
	}
	if got != "Content from document2" {
		t.Errorf("got %q", got)
	}
}

func TestExtractBytes_docxErrors(t *testing.T) {
	if _, err := ExtractBytes([]byte("not a zip"), ".docx"); err == nil {
		t.Error("expected error for non-zip input")
	}
	content := docxWithBody(map[string]string{"other.xml": "<x/>"})
	if _, err := ExtractBytes(content, ".docx"); err == nil {
		t.Error("expected error when the main part is missing")
	}
}

func TestParse(t *testing.T) {
	e := NewExtractor(0)
	doc, err := e.Parse("Lecture Notes.md", []byte("# Week 1\nBayes"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if doc.Title != "Lecture Notes" {
		t.Errorf("Title = %q", doc.Title)
	}
	if doc.Text != "# Week 1\nBayes" {
		t.Errorf("Text = %q", doc.Text)
	}
	if doc.ByteSize != 14 {
		t.Errorf("ByteSize = %d", doc.ByteSize)
	}
	if len(doc.Hash) != 64 {
		t.Errorf("Hash should be 64 hex chars, got %q", doc.Hash)
	}

	again, err := e.Parse("renamed.txt", []byte("# Week 1\nBayes"))
	if err != nil {
		t.Fatal(err)
	}
	if again.Hash != doc.Hash {
		t.Error("identical bytes must share a fingerprint regardless of name")
	}
}

func TestParse_rejects(t *testing.T) {
	e := NewExtractor(4)
	if _, err := e.Parse("big.txt", []byte("12345")); err == nil {
		t.Error("expected size limit error")
	}
	if _, err := e.Parse("slides.pptx", []byte("x")); err == nil || !strings.Contains(err.Error(), "unsupported") {
		t.Errorf("expected unsupported type error, got %v", err)
	}
}

func TestParseFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(path, []byte("File content"), 0600); err != nil {
		t.Fatal(err)
	}
	doc, err := NewExtractor(0).ParseFile(path)
	if err != nil {
		t.Fatalf("ParseFile: %v", err)
	}
	if doc.Text != "File content" || doc.Title != "notes" {
		t.Errorf("got %+v", doc)
	}
	if _, err := NewExtractor(0).ParseFile(filepath.Join(dir, "missing.txt")); err == nil {
		t.Error("expected error for nonexistent file")
	}
}

func TestFingerprint(t *testing.T) {
	// sha256("abc")
	const want = "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	if got := Fingerprint([]byte("abc")); got != want {
		t.Errorf("Fingerprint = %s", got)
	}
}

func TestSupported(t *testing.T) {
	tests := []struct {
		ext  string
		want bool
	}{
		{".pdf", true}, {".DOCX", true}, {".xlsx", true}, {".odt", true}, {".rtf", true},
		{".txt", true}, {".md", true}, {".pptx", false}, {"", false}, {".exe", false},
	}
	for _, tt := range tests {
		if got := Supported(tt.ext); got != tt.want {
			t.Errorf("Supported(%q) = %v, want %v", tt.ext, got, tt.want)
		}
	}
}

func TestTitleFromName(t *testing.T) {
	tests := map[string]string{
		"/tmp/Paper.pdf":     "Paper",
		"report.final.docx":  "report.final",
		"README":             "README",
		"dir/Notes Week1.md": "Notes Week1",
	}
	for in, want := range tests {
		if got := TitleFromName(in); got != want {
			t.Errorf("TitleFromName(%q) = %q, want %q", in, got, want)
		}
	}
}
