package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/reviewer-dev/reviewer/internal/forge"
	"github.com/reviewer-dev/reviewer/internal/review"
)

// promptOperator is the line-oriented review.Operator used on a terminal.
type promptOperator struct {
	in  *bufio.Reader
	out io.Writer
}

func newPromptOperator(in io.Reader, out io.Writer) *promptOperator {
	return &promptOperator{in: bufio.NewReader(in), out: out}
}

var _ review.Operator = (*promptOperator)(nil)

func (o *promptOperator) Present(pr forge.PullRequest, issues []review.Issue) {
	review.RenderIssues(o.out, pr, issues)
}

// Select reads a selection expression. End of input abandons the session.
func (o *promptOperator) Select(ctx context.Context, issues []review.Issue) (string, error) {
	fmt.Fprintf(o.out, "Post which issues? [all, critical, none, 1,3,5-7, quit] (%d found): ", len(issues))
	line, err := o.readLine(ctx)
	if errors.Is(err, io.EOF) {
		if line == "" {
			fmt.Fprintln(o.out)
			return "quit", nil
		}
		return line, nil
	}
	return line, err
}

func (o *promptOperator) Notify(msg string) {
	fmt.Fprintln(o.out, msg)
}

func (o *promptOperator) SkipReason(ctx context.Context, issue review.Issue) (string, error) {
	fmt.Fprintf(o.out, "Why skip #%d (%s)? Enter to leave blank: ", issue.ID, issue.Location())
	line, err := o.readLine(ctx)
	if errors.Is(err, io.EOF) {
		return line, nil
	}
	return line, err
}

func (o *promptOperator) ConfirmCategory(ctx context.Context, category string) (bool, error) {
	return o.confirm(ctx, fmt.Sprintf("Stop raising %q issues in future reviews?", category))
}

func (o *promptOperator) ConfirmApproval(ctx context.Context, summary review.Summary) (bool, error) {
	return o.confirm(ctx, fmt.Sprintf("No critical issues in %s. Approve it?", summary.Ref.Key()))
}

func (o *promptOperator) confirm(ctx context.Context, question string) (bool, error) {
	fmt.Fprintf(o.out, "%s [y/N] ", question)
	line, err := o.readLine(ctx)
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}
	switch strings.ToLower(line) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}

// readLine returns the next trimmed line. A final line without a newline is
// returned together with io.EOF.
func (o *promptOperator) readLine(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	line, err := o.in.ReadString('\n')
	line = strings.TrimSpace(line)
	if err != nil {
		return line, err
	}
	return line, nil
}
