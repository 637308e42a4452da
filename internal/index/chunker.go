package index

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// defaultChunkSize is the target chunk length in runes. Paragraphs are packed
// into a chunk until adding the next one would exceed this size.
const defaultChunkSize = 1200

// chunkCorpus reads every .txt and .md file under dir and splits the combined
// text into chunks on blank-line paragraph boundaries. Files are processed in
// lexical order so chunk numbering is stable across rebuilds of an unchanged
// corpus.
func chunkCorpus(dir string, chunkSize int) ([]string, error) {
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read corpus dir: %w", err)
	}

	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".txt", ".md":
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(paths)

	var chunks []string
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		chunks = append(chunks, chunkText(string(data), chunkSize)...)
	}
	return chunks, nil
}

// chunkText splits text into paragraph-packed chunks of at most chunkSize
// runes. A single paragraph longer than chunkSize becomes its own chunk,
// split at rune boundaries.
func chunkText(text string, chunkSize int) []string {
	paragraphs := splitParagraphs(text)

	var chunks []string
	var cur strings.Builder
	curLen := 0

	flush := func() {
		if curLen > 0 {
			chunks = append(chunks, cur.String())
			cur.Reset()
			curLen = 0
		}
	}

	for _, p := range paragraphs {
		plen := len([]rune(p))
		if plen > chunkSize {
			flush()
			for _, piece := range splitRunes(p, chunkSize) {
				chunks = append(chunks, piece)
			}
			continue
		}
		// +2 for the paragraph separator we re-insert.
		if curLen > 0 && curLen+2+plen > chunkSize {
			flush()
		}
		if curLen > 0 {
			cur.WriteString("\n\n")
			curLen += 2
		}
		cur.WriteString(p)
		curLen += plen
	}
	flush()

	return chunks
}

func splitParagraphs(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	var out []string
	for _, p := range strings.Split(text, "\n\n") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func splitRunes(s string, size int) []string {
	runes := []rune(s)
	var out []string
	for start := 0; start < len(runes); start += size {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		piece := strings.TrimSpace(string(runes[start:end]))
		if piece != "" {
			out = append(out, piece)
		}
	}
	return out
}
