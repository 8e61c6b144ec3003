package review

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/reviewer-dev/reviewer/internal/diff"
	"github.com/reviewer-dev/reviewer/internal/forge"
)

// DefaultSubmitTimeout bounds each hosting-service call made while
// submitting.
const DefaultSubmitTimeout = 60 * time.Second

// CommentPoster is the part of forge.Client the submitter needs.
type CommentPoster interface {
	PostLineComment(ctx context.Context, ref forge.Ref, commitID, path string, line int, side forge.Side, body string) error
	PostGeneralComment(ctx context.Context, ref forge.Ref, body string) error
}

// Submitter publishes issues as pull-request comments. A line comment is
// tried first; if it fails, or the line is not part of the diff, one
// general comment with a location header is posted instead.
type Submitter struct {
	Poster  CommentPoster
	Diff    *diff.Set // optional; nil skips the pre-check
	Timeout time.Duration
	Logger  *zap.Logger
}

// Submit publishes one issue and records the outcome on it.
func (s *Submitter) Submit(ctx context.Context, sess *Session, issue *Issue) SubmissionState {
	if issue.State.Terminal() {
		return issue.State
	}
	log := s.logger().With(zap.String("pr", sess.Ref.Key()), zap.String("location", issue.Location()))

	var primaryErr error
	if s.Diff != nil && !s.Diff.CanComment(issue.FilePath, issue.Line) {
		primaryErr = fmt.Errorf("%s is not on the right side of the diff", issue.Location())
		log.Info("submit: line outside diff, using general comment")
	} else {
		primaryErr = s.call(ctx, func(ctx context.Context) error {
			return s.Poster.PostLineComment(ctx, sess.Ref, sess.CommitID, issue.FilePath, issue.Line, forge.SideRight, lineBody(issue))
		})
		if primaryErr == nil {
			issue.State = StateSubmitted
			issue.Error = ""
			return issue.State
		}
		log.Warn("submit: line comment failed, falling back", zap.Error(primaryErr))
	}

	fallbackErr := s.call(ctx, func(ctx context.Context) error {
		return s.Poster.PostGeneralComment(ctx, sess.Ref, fallbackBody(issue))
	})
	if fallbackErr == nil {
		issue.State = StateSubmittedFallback
		issue.Error = primaryErr.Error()
		return issue.State
	}

	err := errors.Join(fmt.Errorf("line comment: %w", primaryErr), fmt.Errorf("general comment: %w", fallbackErr))
	log.Error("submit: issue not published", zap.Error(err))
	issue.State = StateFailed
	issue.Error = err.Error()
	return issue.State
}

func (s *Submitter) call(ctx context.Context, fn func(context.Context) error) error {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = DefaultSubmitTimeout
	}
	// Submissions finish even if the session is cancelled mid-call; only
	// the timeout bounds them.
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	return fn(cctx)
}

func (s *Submitter) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

func lineBody(issue *Issue) string {
	return truncate(fmt.Sprintf("**%s**: %s", issue.Severity, issue.Body))
}

func fallbackBody(issue *Issue) string {
	return truncate(fmt.Sprintf("**%s** (%s)\n\n%s", issue.Location(), issue.Severity, issue.Body))
}

func truncate(s string) string {
	if len(s) <= MaxCommentLen {
		return s
	}
	const suffix = "\n\n...(truncated)"
	cut := MaxCommentLen - len(suffix)
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + suffix
}
