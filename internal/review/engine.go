package review

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/reviewer-dev/reviewer/internal/diff"
	"github.com/reviewer-dev/reviewer/internal/forge"
)

// CollectRequest is what a Collector gets to work with.
type CollectRequest struct {
	PR             forge.PullRequest
	Diff           *diff.Set // nil if the diff could not be fetched or parsed
	SkipCategories []string
	Focus          string
}

// Collector produces candidate issues for a pull request.
type Collector interface {
	Collect(ctx context.Context, req CollectRequest) ([]Issue, error)
}

// CollectorFunc adapts a function to Collector.
type CollectorFunc func(ctx context.Context, req CollectRequest) ([]Issue, error)

func (f CollectorFunc) Collect(ctx context.Context, req CollectRequest) ([]Issue, error) {
	return f(ctx, req)
}

// StaticCollector returns a fixed issue list.
type StaticCollector []Issue

func (s StaticCollector) Collect(context.Context, CollectRequest) ([]Issue, error) {
	return append([]Issue(nil), s...), nil
}

// Operator is the human side of a session. A nil Operator makes the
// session non-interactive: nothing is presented, the engine's AutoSelect
// expression is applied, nothing is learned and approval is never given.
type Operator interface {
	Present(pr forge.PullRequest, issues []Issue)
	// Select returns a selection expression (see ParseSelection).
	Select(ctx context.Context, issues []Issue) (string, error)
	// Notify shows a short message, e.g. why input was rejected.
	Notify(msg string)
	// SkipReason asks why an issue was skipped; "" means no reason.
	SkipReason(ctx context.Context, issue Issue) (string, error)
	ConfirmCategory(ctx context.Context, category string) (bool, error)
	ConfirmApproval(ctx context.Context, summary Summary) (bool, error)
}

// SessionStore persists sessions so submission can resume after a crash.
type SessionStore interface {
	SaveSession(s *Session) error
}

// Result is the outcome of Engine.Run.
type Result struct {
	Session    *Session
	Summary    Summary
	Learned    []string
	Approved   bool
	ApproveErr error
}

// Engine drives review sessions. At most one session per pull request runs
// at a time.
type Engine struct {
	Forge      forge.Client
	Guidelines Guidelines   // optional
	Store      SessionStore // optional
	Logger     *zap.Logger

	SubmitTimeout time.Duration
	// AutoSelect is the selection applied when there is no operator.
	AutoSelect string
	// Learn enables the learning step.
	Learn bool

	mu     sync.Mutex
	active map[string]bool
}

func (e *Engine) logger() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

func (e *Engine) lock(ref forge.Ref) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active == nil {
		e.active = map[string]bool{}
	}
	if e.active[ref.Key()] {
		return fmt.Errorf("%w: %s", ErrSessionBusy, ref)
	}
	e.active[ref.Key()] = true
	return nil
}

func (e *Engine) unlock(ref forge.Ref) {
	e.mu.Lock()
	delete(e.active, ref.Key())
	e.mu.Unlock()
}

func (e *Engine) persist(s *Session) {
	if e.Store == nil {
		return
	}
	if err := e.Store.SaveSession(s); err != nil {
		e.logger().Error("review: persist session failed",
			zap.String("session", s.ID), zap.String("pr", s.Ref.Key()), zap.Error(err))
	}
}

// Run performs a complete review session for ref.
func (e *Engine) Run(ctx context.Context, ref forge.Ref, collector Collector, op Operator) (*Result, error) {
	if err := e.lock(ref); err != nil {
		return nil, err
	}
	defer e.unlock(ref)
	log := e.logger().With(zap.String("pr", ref.Key()))

	pr, err := e.Forge.GetPullRequest(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", ref, err)
	}
	ds := e.loadDiff(ctx, ref, log)

	sess := NewSession(ref, pr.HeadSHA)
	e.persist(sess)
	log = log.With(zap.String("session", sess.ID))
	log.Info("review: session started", zap.String("commit", sess.CommitID))

	// COLLECTING
	req := CollectRequest{PR: *pr, Diff: ds}
	if e.Guidelines != nil {
		req.SkipCategories = e.Guidelines.SkipCategories()
		req.Focus = e.Guidelines.Focus()
	}
	collected, err := collector.Collect(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("collect issues for %s: %w", ref, err)
	}
	var issues []Issue
	for _, is := range collected {
		if Suppressed(is, e.Guidelines) {
			log.Debug("review: issue suppressed by guidelines", zap.String("category", is.Category))
			continue
		}
		issues = append(issues, is)
	}
	if err := sess.SetIssues(issues); err != nil {
		return nil, err
	}

	// PRESENTING / SELECTING
	if op != nil {
		if err := sess.Transition(PhasePresenting); err != nil {
			return nil, err
		}
		op.Present(*pr, sess.IssuesCopy())
	}
	if err := sess.Transition(PhaseSelecting); err != nil {
		return nil, err
	}
	e.persist(sess)

	sel, err := e.selectIssues(ctx, sess, op)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			e.cancel(sess, log)
		}
		return nil, err
	}
	if sel.Cancel {
		e.cancel(sess, log)
		return &Result{Session: sess, Summary: sess.Summarize()}, nil
	}
	if err := sess.ApplySelection(sel); err != nil {
		return nil, err
	}
	e.persist(sess)

	// The commit under review must still be the head before anything is
	// anchored to it.
	if len(sess.Pending()) > 0 {
		if err := e.checkHead(ctx, sess, log); err != nil {
			e.cancel(sess, log)
			return &Result{Session: sess, Summary: sess.Summarize()}, err
		}
	}

	return e.finish(ctx, sess, ds, op, log)
}

// Resume continues a persisted session that stopped while SUBMITTING.
// Issues already in a terminal state are not submitted again.
func (e *Engine) Resume(ctx context.Context, sess *Session, op Operator) (*Result, error) {
	if sess.Phase != PhaseSubmitting {
		return nil, fmt.Errorf("%w: cannot resume session in phase %s", ErrInvalidTransition, sess.Phase)
	}
	if err := e.lock(sess.Ref); err != nil {
		return nil, err
	}
	defer e.unlock(sess.Ref)
	log := e.logger().With(zap.String("pr", sess.Ref.Key()), zap.String("session", sess.ID))
	log.Info("review: resuming submission", zap.Int("pending", len(sess.Pending())))
	if len(sess.Pending()) > 0 {
		if err := e.checkHead(ctx, sess, log); err != nil {
			e.invalidate(sess, err, log)
			return &Result{Session: sess, Summary: sess.Summarize()}, err
		}
	}
	return e.finish(ctx, sess, e.loadDiff(ctx, sess.Ref, log), op, log)
}

// invalidate fails every pending issue of a submitting session with err and
// closes the session without learning or an approval offer.
func (e *Engine) invalidate(sess *Session, cause error, log *zap.Logger) {
	for _, is := range sess.Pending() {
		is.State = StateFailed
		is.Error = cause.Error()
	}
	sess.UpdatedAt = time.Now().UTC()
	for _, to := range []Phase{PhaseLearning, PhaseDone} {
		if err := sess.Transition(to); err != nil {
			log.Warn("review: invalidate", zap.Error(err))
			return
		}
	}
	e.persist(sess)
}

// finish runs SUBMITTING, LEARNING, DONE and the approval offer.
func (e *Engine) finish(ctx context.Context, sess *Session, ds *diff.Set, op Operator, log *zap.Logger) (*Result, error) {
	if sess.Phase != PhaseSubmitting {
		if err := sess.Transition(PhaseSubmitting); err != nil {
			return nil, err
		}
		e.persist(sess)
	}

	sub := &Submitter{Poster: e.Forge, Diff: ds, Timeout: e.SubmitTimeout, Logger: e.Logger}
	for _, is := range sess.Pending() {
		if err := ctx.Err(); err != nil {
			log.Warn("review: submission interrupted; resume to finish", zap.Int("pending", len(sess.Pending())))
			return &Result{Session: sess, Summary: sess.Summarize()}, err
		}
		state := sub.Submit(ctx, sess, is)
		sess.UpdatedAt = time.Now().UTC()
		e.persist(sess)
		log.Info("review: issue submitted", zap.Int("issue", is.ID), zap.String("state", string(state)))
	}

	if err := sess.Transition(PhaseLearning); err != nil {
		return nil, err
	}
	e.persist(sess)
	learned := e.learn(ctx, sess, op, log)

	if err := sess.Transition(PhaseDone); err != nil {
		return nil, err
	}
	e.persist(sess)

	res := &Result{Session: sess, Summary: sess.Summarize(), Learned: learned}
	log.Info("review: session done",
		zap.Int("submitted", res.Summary.Submitted),
		zap.Int("fallback", res.Summary.Fallback),
		zap.Int("failed", res.Summary.Failed),
		zap.Int("skipped", res.Summary.Skipped))

	if op != nil && sess.ApprovalOffered() {
		ok, err := op.ConfirmApproval(ctx, res.Summary)
		if err != nil {
			log.Warn("review: approval prompt failed", zap.Error(err))
		} else if ok {
			if err := e.Approve(ctx, sess, ""); err != nil {
				res.ApproveErr = err
			} else {
				res.Approved = true
			}
		}
	}
	return res, nil
}

func (e *Engine) selectIssues(ctx context.Context, sess *Session, op Operator) (Selection, error) {
	if op == nil {
		expr := e.AutoSelect
		if expr == "" {
			expr = "critical"
		}
		return ParseSelection(expr, sess.Issues)
	}
	if len(sess.Issues) == 0 {
		return Selection{}, nil
	}
	for {
		if err := ctx.Err(); err != nil {
			return Selection{}, err
		}
		expr, err := op.Select(ctx, sess.IssuesCopy())
		if err != nil {
			return Selection{}, err
		}
		sel, err := ParseSelection(expr, sess.Issues)
		if errors.Is(err, ErrInvalidSelection) {
			op.Notify(err.Error())
			continue
		}
		return sel, err
	}
}

func (e *Engine) checkHead(ctx context.Context, sess *Session, log *zap.Logger) error {
	head, err := e.Forge.HeadCommit(ctx, sess.Ref)
	if err != nil {
		// Line comments are pinned to CommitID anyway; a failed check is
		// not a reason to drop the operator's selection.
		log.Warn("review: could not verify head commit", zap.Error(err))
		return nil
	}
	if head != sess.CommitID {
		log.Warn("review: head moved, session invalidated",
			zap.String("reviewed", sess.CommitID), zap.String("head", head))
		return fmt.Errorf("%w: reviewed %s, head is now %s", ErrCommitChanged, short(sess.CommitID), short(head))
	}
	return nil
}

func (e *Engine) learn(ctx context.Context, sess *Session, op Operator, log *zap.Logger) []string {
	if !e.Learn || op == nil || e.Guidelines == nil {
		return nil
	}
	reasons := map[int]string{}
	for _, is := range sess.Issues {
		if is.State != StateSkipped {
			continue
		}
		reason, err := op.SkipReason(ctx, is)
		if err != nil {
			log.Warn("review: skip reason prompt failed", zap.Error(err))
			return nil
		}
		reasons[is.ID] = reason
	}

	var confirmed []string
	for _, c := range Candidates(sess.Issues, reasons, e.Guidelines) {
		ok, err := op.ConfirmCategory(ctx, c)
		if err != nil {
			log.Warn("review: category prompt failed", zap.Error(err))
			break
		}
		if ok {
			confirmed = append(confirmed, c)
		}
	}
	if len(confirmed) == 0 {
		return nil
	}
	added, err := e.Guidelines.AddSkipCategories(confirmed...)
	if err != nil {
		log.Error("review: saving learned categories failed", zap.Error(err))
		op.Notify(fmt.Sprintf("could not save guidelines: %v", err))
		return nil
	}
	if len(added) > 0 {
		log.Info("review: learned skip categories", zap.Strings("categories", added))
	}
	return added
}

func (e *Engine) cancel(sess *Session, log *zap.Logger) {
	if err := sess.Transition(PhaseCancelled); err != nil {
		log.Warn("review: cancel", zap.Error(err))
		return
	}
	e.persist(sess)
	log.Info("review: session cancelled")
}

func (e *Engine) loadDiff(ctx context.Context, ref forge.Ref, log *zap.Logger) *diff.Set {
	raw, err := e.Forge.GetDiff(ctx, ref)
	if err != nil {
		log.Warn("review: diff unavailable, line checks disabled", zap.Error(err))
		return nil
	}
	ds, err := diff.Parse(raw)
	if err != nil {
		log.Warn("review: diff unparsable, line checks disabled", zap.Error(err))
		return nil
	}
	return ds
}

// Approve approves the pull request once per session. The approved flag is
// set before the call and stays set if the call fails, so a session can
// never approve twice.
func (e *Engine) Approve(ctx context.Context, sess *Session, body string) error {
	sess.approveMu.Lock()
	if !sess.ApprovalOffered() {
		sess.approveMu.Unlock()
		return ErrApprovalNotOffered
	}
	if sess.Approved {
		sess.approveMu.Unlock()
		return ErrAlreadyApproved
	}
	sess.Approved = true
	sess.approveMu.Unlock()
	e.persist(sess)

	if err := e.Forge.Approve(ctx, sess.Ref, body); err != nil {
		e.logger().Error("review: approve failed", zap.String("pr", sess.Ref.Key()), zap.Error(err))
		return fmt.Errorf("approve %s: %w", sess.Ref, err)
	}
	e.logger().Info("review: approved", zap.String("pr", sess.Ref.Key()))
	return nil
}

// Close posts body and closes the pull request.
func (e *Engine) Close(ctx context.Context, ref forge.Ref, body string) error {
	return e.Forge.CloseWithComment(ctx, ref, body)
}

// Merge squash-merges the pull request, falling back to a merge commit.
func (e *Engine) Merge(ctx context.Context, ref forge.Ref) (forge.MergeStrategy, error) {
	return forge.MergePreferSquash(ctx, e.Forge, ref)
}

func short(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}
