package agent

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/reviewer-dev/reviewer/internal/diff"
	"github.com/reviewer-dev/reviewer/internal/forge"
	"github.com/reviewer-dev/reviewer/internal/review"
)

func TestParseIssues(t *testing.T) {
	out := "Here is what I found:\n" +
		"```json\n" +
		`{"severity":"critical","file":"./db/conn.go","line":88,"body":"connection leaked on error","category":"resource leak"}` + "\n" +
		`- {"severity":"nit","file":"README.md","line":2,"body":" typo "}` + "\n" +
		`{"severity":"whatever","file":"a.go","line":5,"body":"odd"}` + "\n" +
		`{"severity":"CRITICAL","file":"","line":5,"body":"no file"}` + "\n" +
		`{"severity":"CRITICAL","file":"b.go","line":0,"body":"no line"}` + "\n" +
		`{"severity":"CRITICAL","file":"b.go","line":3}` + "\n" +
		`{not json}` + "\n" +
		"```\n"

	want := []review.Issue{
		{Severity: review.SeverityCritical, FilePath: "db/conn.go", Line: 88, Body: "connection leaked on error", Category: "resource leak"},
		{Severity: review.SeverityNitpick, FilePath: "README.md", Line: 2, Body: "typo"},
		{FilePath: "a.go", Line: 5, Body: "odd"},
	}
	if diff := cmp.Diff(want, ParseIssues(out)); diff != "" {
		t.Errorf("ParseIssues mismatch (-want +got):\n%s", diff)
	}
	if got := ParseIssues("No issues found."); len(got) != 0 {
		t.Errorf("expected no issues, got %+v", got)
	}
}

const collectorDiff = `diff --git a/main.go b/main.go
--- a/main.go
+++ b/main.go
@@ -1,2 +1,3 @@
 package main
+import "os"
 func main() {}
`

func TestHeadlessCollector(t *testing.T) {
	ds, err := diff.Parse(collectorDiff)
	if err != nil {
		t.Fatalf("diff.Parse: %v", err)
	}
	a := NewTestAgent()
	var gotPR string
	c := &HeadlessCollector{
		Agent: a,
		Workdir: func(_ context.Context, pr forge.PullRequest) (string, error) {
			gotPR = pr.Key()
			return t.TempDir(), nil
		},
		GuidelinesPath: "/data/review_guide.md",
	}
	pr := forge.PullRequest{Ref: forge.Ref{Owner: "acme", Repo: "api", Number: 7}, Title: "Add os"}

	issues, err := c.Collect(context.Background(), review.CollectRequest{
		PR:             pr,
		Diff:           ds,
		SkipCategories: []string{"naming"},
		Focus:          "error paths",
	})
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(issues) != 2 || issues[0].Severity != review.SeverityCritical {
		t.Errorf("issues = %+v", issues)
	}
	if gotPR != "acme/api#7" {
		t.Errorf("Workdir called for %q", gotPR)
	}

	prompts := a.Prompts()
	if len(prompts) != 1 {
		t.Fatalf("agent ran %d times", len(prompts))
	}
	for _, want := range []string{"acme/api", "#7", "- naming", "error paths", "/data/review_guide.md", `+import "os"`} {
		if !strings.Contains(prompts[0], want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestHeadlessCollectorErrors(t *testing.T) {
	pr := forge.PullRequest{Ref: forge.Ref{Owner: "acme", Repo: "api", Number: 7}}

	c := &HeadlessCollector{Agent: &TestAgent{Fail: true}}
	if _, err := c.Collect(context.Background(), review.CollectRequest{PR: pr}); err == nil {
		t.Error("expected agent failure to surface")
	}

	boom := errors.New("worktree busy")
	c = &HeadlessCollector{
		Agent:   NewTestAgent(),
		Workdir: func(context.Context, forge.PullRequest) (string, error) { return "", boom },
	}
	if _, err := c.Collect(context.Background(), review.CollectRequest{PR: pr}); !errors.Is(err, boom) {
		t.Errorf("err = %v, want wrapped %v", err, boom)
	}
}
