// Package textstore persists one UTF-8 text file per source document.
package textstore

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Ext is the extension of every stored text document.
const Ext = ".txt"

const frontMatterDelim = "---\n"

// Document is the recognized text of one source document.
type Document struct {
	// Identifier of the source document (its path in the input tree).
	Source string `yaml:"source"`

	// Number of pages that were rasterized.
	Pages int `yaml:"pages,omitempty"`

	ExtractedAt time.Time `yaml:"extracted_at,omitempty"`

	Path string `yaml:"-"` // Path of the text file on disk.
	Text string `yaml:"-"` // Body without the front matter.
}

// Store is a directory of text documents named after their source.
type Store struct {
	dir string
}

func New(dir string) *Store {
	return &Store{dir: dir}
}

// Dir returns the directory backing the store.
func (s *Store) Dir() string {
	return s.dir
}

// PathFor maps a source identifier to its text file:
// <dir>/<basename without extension>.txt
func (s *Store) PathFor(source string) string {
	return filepath.Join(s.dir, Stem(source)+Ext)
}

// Exists reports whether a text document exists for source.
func (s *Store) Exists(source string) bool {
	info, err := os.Stat(s.PathFor(source))
	return err == nil && info.Mode().IsRegular()
}

// Write stores doc atomically and returns the path written.
func (s *Store) Write(doc Document) (string, error) {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return "", fmt.Errorf("create text dir: %w", err)
	}

	header, err := yaml.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("encode front matter: %w", err)
	}

	var buf bytes.Buffer
	buf.Grow(len(header) + len(doc.Text) + 2*len(frontMatterDelim))
	buf.WriteString(frontMatterDelim)
	buf.Write(header)
	buf.WriteString(frontMatterDelim)
	buf.WriteString(strings.ToValidUTF8(doc.Text, "\uFFFD"))

	path := s.PathFor(doc.Source)
	if err := WriteFileAtomic(path, buf.Bytes(), 0644); err != nil {
		return "", err
	}
	return path, nil
}

// Read loads the text document at path.
// Files without front matter are returned with an empty Source.
func (s *Store) Read(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, err
	}
	doc := Parse(string(data))
	doc.Path = path
	return doc, nil
}

// Parse splits content into front matter and body.
func Parse(content string) Document {
	var doc Document

	content = strings.TrimPrefix(content, "\ufeff")
	if !strings.HasPrefix(content, frontMatterDelim) {
		doc.Text = content
		return doc
	}

	end := strings.Index(content[len(frontMatterDelim):], "\n"+frontMatterDelim)
	if end < 0 {
		doc.Text = content
		return doc
	}

	header := content[len(frontMatterDelim) : len(frontMatterDelim)+end+1]
	if err := yaml.Unmarshal([]byte(header), &doc); err != nil {
		// Not ours, keep everything as text.
		return Document{Text: content}
	}
	doc.Text = content[len(frontMatterDelim)+end+1+len(frontMatterDelim):]
	return doc
}

// List returns the paths of all text documents in the store, sorted.
// A missing directory yields an empty list.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var paths []string
	for _, e := range entries {
		name := e.Name()
		if !e.Type().IsRegular() || name[0] == '.' {
			continue
		}
		if strings.EqualFold(filepath.Ext(name), Ext) {
			paths = append(paths, filepath.Join(s.dir, name))
		}
	}
	slices.Sort(paths)
	return paths, nil
}

// Stem returns the base name of path without its extension.
func Stem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
