package diff

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

const sampleDiff = `diff --git a/cache.go b/cache.go
index 1111111..2222222 100644
--- a/cache.go
+++ b/cache.go
@@ -10,4 +10,5 @@ func Get(key string) {
 	mu.Lock()
-	v := m[key]
+	v, ok := m[key]
+	_ = ok
 	mu.Unlock()
 	return v
diff --git a/docs/new.md b/docs/new.md
new file mode 100644
index 0000000..3333333
--- /dev/null
+++ b/docs/new.md
@@ -0,0 +1,2 @@
+# Title
+body
diff --git a/old.txt b/old.txt
deleted file mode 100644
index 4444444..0000000
--- a/old.txt
+++ /dev/null
@@ -1 +0,0 @@
-gone
`

func TestParseChangedFiles(t *testing.T) {
	s, err := Parse(sampleDiff)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if diff := cmp.Diff([]string{"cache.go", "docs/new.md", "old.txt"}, s.ChangedFiles()); diff != "" {
		t.Errorf("ChangedFiles mismatch (-want +got):\n%s", diff)
	}
	files, added, deleted := s.Stats()
	if files != 3 || added != 4 || deleted != 2 {
		t.Errorf("Stats = %d files +%d -%d, want 3 +4 -2", files, added, deleted)
	}
}

func TestRightSideLines(t *testing.T) {
	s, err := Parse(sampleDiff)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	f, ok := s.File("cache.go")
	if !ok {
		t.Fatal("cache.go not found")
	}
	if diff := cmp.Diff([]int{10, 11, 12, 13, 14}, f.RightLines()); diff != "" {
		t.Errorf("RightLines mismatch (-want +got):\n%s", diff)
	}

	tests := []struct {
		path string
		line int
		want bool
	}{
		{"cache.go", 11, true},
		{"cache.go", 10, true},
		{"cache.go", 9, false},
		{"cache.go", 15, false},
		{"./docs/new.md", 2, true},
		{"old.txt", 1, false},
		{"missing.go", 1, false},
	}
	for _, tt := range tests {
		if got := s.CanComment(tt.path, tt.line); got != tt.want {
			t.Errorf("CanComment(%s, %d) = %v, want %v", tt.path, tt.line, got, tt.want)
		}
	}
}

func TestParseEmpty(t *testing.T) {
	s, err := Parse("")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(s.ChangedFiles()) != 0 {
		t.Errorf("expected no files, got %v", s.ChangedFiles())
	}
}
