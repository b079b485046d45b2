// Package loader walks a raw document directory and decodes its files for
// the extractor family.
package loader

import (
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
)

// AllowedExtensions is the extension allow-list; anything else is skipped.
var AllowedExtensions = map[string]bool{
	".bsl":  true,
	".xml":  true,
	".html": true,
	".htm":  true,
	".txt":  true,
}

// Document is one decoded file, as (absolute_path, relative_path,
// extension, content) per spec.
type Document struct {
	Path      string
	RelPath   string
	Extension string
	Content   string
}

// Load recursively enumerates regular files under root in sorted order by
// full path, admits only AllowedExtensions, and decodes each file's bytes
// trying a fixed sequence of encodings, normalising all line endings to
// "\n". Sort order is part of the contract: it determines chunk_id
// collisions deterministically.
func Load(root string, logger *slog.Logger) ([]Document, error) {
	if logger == nil {
		logger = slog.Default()
	}

	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		logger.Warn("raw directory does not exist", "path", root)
		return nil, nil
	}

	var paths []string
	err = filepath.Walk(root, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if fi.IsDir() {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)

	docs := make([]Document, 0, len(paths))
	for _, path := range paths {
		ext := strings.ToLower(filepath.Ext(path))
		if !AllowedExtensions[ext] {
			continue
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		content := decode(raw, logger, path)
		content = normalizeNewlines(content)

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil, err
		}
		docs = append(docs, Document{
			Path:      path,
			RelPath:   filepath.ToSlash(rel),
			Extension: ext,
			Content:   content,
		})
	}
	return docs, nil
}

func normalizeNewlines(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	return s
}

// decode tries utf-8, cp1251, windows-1251, utf-16, latin-1 in order,
// falling back to utf-8-with-replacement on total failure.
func decode(raw []byte, logger *slog.Logger, path string) string {
	if isValidUTF8(raw) {
		return string(raw)
	}

	decoders := []struct {
		name string
		dec  func([]byte) (string, error)
	}{
		{"cp1251", cp1251Decode},
		{"windows-1251", cp1251Decode},
		{"utf-16", utf16Decode},
		{"latin-1", latin1Decode},
	}
	for _, d := range decoders {
		if text, err := d.dec(raw); err == nil {
			return text
		}
	}

	logger.Warn("failed to decode with known encodings, falling back to utf-8 replacement", "path", path)
	return strings.ToValidUTF8(string(raw), "�")
}

func isValidUTF8(raw []byte) bool {
	return len(raw) == 0 || strings.ToValidUTF8(string(raw), "") == string(raw)
}

func cp1251Decode(raw []byte) (string, error) {
	out, err := charmap.Windows1251.NewDecoder().Bytes(raw)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func utf16Decode(raw []byte) (string, error) {
	out, err := unicode.UTF16(unicode.LittleEndian, unicode.UseBOM).NewDecoder().Bytes(raw)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func latin1Decode(raw []byte) (string, error) {
	out, err := charmap.ISO8859_1.NewDecoder().Bytes(raw)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
