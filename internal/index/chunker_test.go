package index

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestChunkTextPacksParagraphs(t *testing.T) {
	text := "first paragraph here\n\nsecond paragraph here\n\nthird one"
	chunks := chunkText(text, 50)
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d: %q", len(chunks), chunks)
	}
	if chunks[0] != "first paragraph here\n\nsecond paragraph here" {
		t.Errorf("unexpected first chunk: %q", chunks[0])
	}
	if chunks[1] != "third one" {
		t.Errorf("unexpected second chunk: %q", chunks[1])
	}
}

func TestChunkTextOversizedParagraph(t *testing.T) {
	long := strings.Repeat("x", 25)
	chunks := chunkText("short\n\n"+long, 10)
	if len(chunks) != 4 {
		t.Fatalf("expected 4 chunks, got %d: %q", len(chunks), chunks)
	}
	if chunks[0] != "short" {
		t.Errorf("pending chunk not flushed before oversized paragraph: %q", chunks[0])
	}
	for i, c := range chunks[1:] {
		if len([]rune(c)) > 10 {
			t.Errorf("piece %d exceeds chunk size: %q", i, c)
		}
	}
}

func TestChunkTextMultibyte(t *testing.T) {
	// Size limits are in runes, not bytes.
	text := strings.Repeat("日", 12)
	chunks := chunkText(text, 5)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	for _, c := range chunks {
		if n := len([]rune(c)); n > 5 {
			t.Errorf("chunk has %d runes, want <= 5", n)
		}
	}
}

func TestChunkCorpusFileOrderAndFiltering(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"b_second.txt": "from b",
		"a_first.md":   "from a",
		"ignored.json": "not corpus material",
		"notes.TXT":    "uppercase extension",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.MkdirAll(filepath.Join(dir, "subdir"), 0o755); err != nil {
		t.Fatal(err)
	}

	chunks, err := chunkCorpus(dir, 100)
	if err != nil {
		t.Fatalf("chunkCorpus: %v", err)
	}
	want := []string{"from a", "from b", "uppercase extension"}
	if len(chunks) != len(want) {
		t.Fatalf("expected %d chunks, got %d: %q", len(want), len(chunks), chunks)
	}
	for i := range want {
		if chunks[i] != want[i] {
			t.Errorf("chunk %d = %q, want %q", i, chunks[i], want[i])
		}
	}
}

func TestChunkCorpusMissingDir(t *testing.T) {
	if _, err := chunkCorpus(filepath.Join(t.TempDir(), "nope"), 100); err == nil {
		t.Fatal("expected error for missing directory")
	}
}
