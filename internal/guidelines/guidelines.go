// Package guidelines manages review_guide.md, the operator-editable file of
// learned review preferences: a "## Skip" list of feedback categories to
// suppress and a "## Focus" section of free text handed to agents.
package guidelines

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const defaultPreamble = "# Review Guidelines\n\nLearned from review sessions. Edit freely; reviewer reloads this file on change.\n"

type section struct {
	heading string
	body    string
}

// Document is the parsed guideline file.
type Document struct {
	Preamble string
	Skip     []string
	Focus    string
	other    []section
}

// Parse reads a guideline document. Unknown sections are kept verbatim.
func Parse(text string) Document {
	var doc Document
	var preamble strings.Builder
	var focus strings.Builder
	cur := -1
	current := "" // "", "skip", "focus" or "other"

	sc := bufio.NewScanner(strings.NewReader(text))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if heading, ok := strings.CutPrefix(line, "## "); ok {
			switch strings.ToLower(strings.TrimSpace(heading)) {
			case "skip":
				current = "skip"
			case "focus":
				current = "focus"
			default:
				current = "other"
				doc.other = append(doc.other, section{heading: strings.TrimSpace(heading)})
				cur = len(doc.other) - 1
			}
			continue
		}
		switch current {
		case "":
			preamble.WriteString(line + "\n")
		case "skip":
			item := strings.TrimSpace(line)
			if rest, ok := strings.CutPrefix(item, "- "); ok {
				item = rest
			} else if rest, ok := strings.CutPrefix(item, "* "); ok {
				item = rest
			} else {
				continue
			}
			if item = normalize(item); item != "" && !containsFold(doc.Skip, item) {
				doc.Skip = append(doc.Skip, item)
			}
		case "focus":
			focus.WriteString(line + "\n")
		case "other":
			doc.other[cur].body += line + "\n"
		}
	}
	doc.Preamble = strings.TrimSpace(preamble.String())
	doc.Focus = strings.TrimSpace(focus.String())
	return doc
}

// String renders the document back to markdown.
func (d Document) String() string {
	var b strings.Builder
	if d.Preamble != "" {
		b.WriteString(d.Preamble)
		b.WriteString("\n\n")
	} else {
		b.WriteString(defaultPreamble)
		b.WriteString("\n")
	}
	b.WriteString("## Skip\n\n")
	for _, c := range d.Skip {
		b.WriteString("- " + c + "\n")
	}
	b.WriteString("\n## Focus\n\n")
	if d.Focus != "" {
		b.WriteString(d.Focus + "\n")
	}
	for _, s := range d.other {
		b.WriteString("\n## " + s.heading + "\n")
		if body := strings.TrimRight(s.body, "\n"); body != "" {
			b.WriteString(body + "\n")
		}
	}
	return b.String()
}

// Store is the file-backed guideline store. Writes replace the file
// atomically under a mutex.
type Store struct {
	path string

	mu  sync.RWMutex
	doc Document
}

// Open loads the store from path. A missing file yields an empty store; the
// file is created on the first write.
func Open(path string) (*Store, error) {
	s := &Store{path: path}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the backing file.
func (s *Store) Path() string { return s.path }

// Reload re-reads the file.
func (s *Store) Reload() error {
	doc, err := s.read()
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.doc = doc
	s.mu.Unlock()
	return nil
}

func (s *Store) read() (Document, error) {
	data, err := os.ReadFile(s.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return Document{}, fmt.Errorf("read guidelines: %w", err)
	}
	return Parse(string(data)), nil
}

// SkipCategories returns the categories to suppress.
func (s *Store) SkipCategories() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.doc.Skip...)
}

// Focus returns the focus text.
func (s *Store) Focus() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.Focus
}

// Has reports whether category is already a skip category, ignoring case.
func (s *Store) Has(category string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return containsFold(s.doc.Skip, normalize(category))
}

// AddSkipCategories appends the categories not already present (ignoring
// case and duplicates within cats) and returns the ones added. The file is
// re-read first so edits made since the last load are kept, and only
// rewritten when something was added.
func (s *Store) AddSkipCategories(cats ...string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := s.read()
	if err != nil {
		return nil, err
	}
	s.doc = next
	next.Skip = append([]string(nil), next.Skip...)
	var added []string
	for _, c := range cats {
		c = normalize(c)
		if c == "" || containsFold(next.Skip, c) {
			continue
		}
		next.Skip = append(next.Skip, c)
		added = append(added, c)
	}
	if len(added) == 0 {
		return nil, nil
	}
	if err := writeAtomic(s.path, []byte(next.String())); err != nil {
		return nil, err
	}
	s.doc = next
	return added, nil
}

// SetFocus replaces the focus text, keeping the rest of the file as it is
// on disk.
func (s *Store) SetFocus(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, err := s.read()
	if err != nil {
		return err
	}
	next.Focus = strings.TrimSpace(text)
	if err := writeAtomic(s.path, []byte(next.String())); err != nil {
		return err
	}
	s.doc = next
	return nil
}

// Render returns the current file content as it would be written.
func (s *Store) Render() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.String()
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create guidelines dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".review_guide-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp guidelines: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write guidelines: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close guidelines: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace guidelines: %w", err)
	}
	return nil
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
