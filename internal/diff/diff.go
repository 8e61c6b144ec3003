// Package diff parses unified pull-request diffs into the pieces the review
// engine needs: which files changed and which new-side lines a line comment
// can anchor to.
package diff

import (
	"fmt"
	"sort"
	"strings"

	"github.com/bluekeyes/go-gitdiff/gitdiff"
)

// File is one file of a parsed diff.
type File struct {
	OldName      string
	NewName      string
	IsNew        bool
	IsDeleted    bool
	IsRenamed    bool
	IsBinary     bool
	AddedLines   int
	DeletedLines int

	// rightLines holds every new-side line number present in a hunk
	// (added or context).
	rightLines map[int]bool
}

// Path returns the name the hosting service uses for comments: the new name,
// or the old one for deleted files.
func (f *File) Path() string {
	if f.NewName != "" && !f.IsDeleted {
		return f.NewName
	}
	return f.OldName
}

// HasRightLine reports whether line appears on the right side of a hunk.
func (f *File) HasRightLine(line int) bool {
	return f.rightLines[line]
}

// RightLines returns the sorted new-side line numbers of the file's hunks.
func (f *File) RightLines() []int {
	lines := make([]int, 0, len(f.rightLines))
	for n := range f.rightLines {
		lines = append(lines, n)
	}
	sort.Ints(lines)
	return lines
}

// Set is a parsed diff.
type Set struct {
	Files []*File
	Raw   string

	byPath map[string]*File
}

// Parse reads a unified diff.
func Parse(raw string) (*Set, error) {
	parsed, _, err := gitdiff.Parse(strings.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parsing diff: %w", err)
	}

	s := &Set{Raw: raw, byPath: make(map[string]*File, len(parsed))}
	for _, f := range parsed {
		df := &File{
			OldName:    f.OldName,
			NewName:    f.NewName,
			IsNew:      f.IsNew,
			IsDeleted:  f.IsDelete,
			IsRenamed:  f.IsRename,
			IsBinary:   f.IsBinary,
			rightLines: make(map[int]bool),
		}
		for _, frag := range f.TextFragments {
			newLine := int(frag.NewPosition)
			for _, line := range frag.Lines {
				switch line.Op {
				case gitdiff.OpAdd:
					df.AddedLines++
					df.rightLines[newLine] = true
					newLine++
				case gitdiff.OpContext:
					df.rightLines[newLine] = true
					newLine++
				case gitdiff.OpDelete:
					df.DeletedLines++
				}
			}
		}
		s.Files = append(s.Files, df)
		s.byPath[df.Path()] = df
	}
	return s, nil
}

// ChangedFiles returns the paths of every file in the diff, in diff order.
func (s *Set) ChangedFiles() []string {
	paths := make([]string, 0, len(s.Files))
	for _, f := range s.Files {
		paths = append(paths, f.Path())
	}
	return paths
}

// File looks up a file by path.
func (s *Set) File(path string) (*File, bool) {
	f, ok := s.byPath[strings.TrimPrefix(path, "./")]
	return f, ok
}

// CanComment reports whether a RIGHT-side line comment on path:line would be
// accepted: the file is in the diff and the line is inside one of its hunks.
func (s *Set) CanComment(path string, line int) bool {
	f, ok := s.File(path)
	if !ok || f.IsDeleted || f.IsBinary {
		return false
	}
	return f.HasRightLine(line)
}

// Stats returns aggregate statistics.
func (s *Set) Stats() (files, added, deleted int) {
	files = len(s.Files)
	for _, f := range s.Files {
		added += f.AddedLines
		deleted += f.DeletedLines
	}
	return
}
