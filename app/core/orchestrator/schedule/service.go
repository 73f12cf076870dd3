package schedule

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"html"
	"strconv"
	"strings"
	"sync"
	"time"

	"lunchrun/app/core/aggregate"
	"lunchrun/app/pkg/logger"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrTaskExecution wraps failures inside an aggregation run. They are
	// logged and recorded; the task still reaches a terminal status.
	ErrTaskExecution = errors.New("schedule: task execution failed")
	ErrNotPending    = errors.New("schedule: task is not pending")
	ErrInvalidTask   = errors.New("schedule: invalid task")
)

var tracer = otel.Tracer("lunchrun/schedule")

// ResponseFetcher reads the collected responses behind a response sheet URL.
// Each record maps a question label to the answer text.
type ResponseFetcher interface {
	FetchResponses(ctx context.Context, sheetURL string) ([]map[string]string, error)
}

// Notifier delivers summaries to chat targets and mailboxes.
type Notifier interface {
	Push(ctx context.Context, target string, text string) error
	Email(ctx context.Context, recipients []string, subject string, htmlBody string) error
}

type Options struct {
	BatchSize    int
	Workers      int
	MaxAttempts  int
	ClaimLease   time.Duration
	RetryDelay   time.Duration
	RemindBefore time.Duration
	CallTimeout  time.Duration
	Fields       aggregate.Fields
	Location     *time.Location
	Owner        string
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 20
	}
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 1
	}
	if o.ClaimLease <= 0 {
		o.ClaimLease = 10 * time.Minute
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = time.Minute
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = 20 * time.Second
	}
	if o.Location == nil {
		o.Location = time.UTC
	}
	if strings.TrimSpace(o.Owner) == "" {
		o.Owner = "worker-" + uuid.NewString()[:8]
	}
	return o
}

type Service struct {
	store    *Store
	fetcher  ResponseFetcher
	notifier Notifier
	opts     Options
	now      func() time.Time

	runMu   sync.Mutex
	running map[string]struct{}
}

func NewService(store *Store, fetcher ResponseFetcher, notifier Notifier, opts Options) *Service {
	return &Service{
		store:    store,
		fetcher:  fetcher,
		notifier: notifier,
		opts:     opts.withDefaults(),
		now:      time.Now,
		running:  map[string]struct{}{},
	}
}

// TaskID derives the idempotency key for an aggregation of one artifact at
// one instant.
func TaskID(primaryURL string, executeAt time.Time) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(primaryURL) + "|" + strconv.FormatInt(executeAt.UTC().Unix(), 10)))
	return "agg-" + hex.EncodeToString(sum[:])[:24]
}

// Schedule registers an aggregation task. Registering the same artifact and
// instant again is a no-op that returns the existing id.
func (s *Service) Schedule(ctx context.Context, conversationID string, executeAt time.Time, payload Payload) (string, error) {
	payload.PrimaryURL = strings.TrimSpace(payload.PrimaryURL)
	payload.SecondaryURL = strings.TrimSpace(payload.SecondaryURL)
	payload.Title = strings.TrimSpace(payload.Title)
	if payload.PrimaryURL == "" || payload.SecondaryURL == "" {
		return "", fmt.Errorf("%w: artifact urls are required", ErrInvalidTask)
	}
	if payload.Title == "" {
		return "", fmt.Errorf("%w: title is required", ErrInvalidTask)
	}
	if executeAt.IsZero() {
		return "", fmt.Errorf("%w: execute_at is required", ErrInvalidTask)
	}

	id := TaskID(payload.PrimaryURL, executeAt)
	inserted, err := s.store.Insert(ctx, Task{
		ID:             id,
		ConversationID: conversationID,
		ExecuteAt:      executeAt,
		Payload:        payload,
	})
	if err != nil {
		return "", err
	}
	if inserted {
		logger.L().Info("[Schedule] task registered", zap.String("task_id", id), zap.Time("execute_at", executeAt.UTC()))
	} else {
		logger.L().Info("[Schedule] task already registered", zap.String("task_id", id))
	}
	return id, nil
}

// DispatchDue claims every due pending task and runs the claimed ones with
// bounded concurrency. It returns the number of tasks this call executed.
func (s *Service) DispatchDue(ctx context.Context) (int, error) {
	tasks, err := s.store.ListDue(ctx, s.now(), s.opts.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("schedule: list due: %w", err)
	}

	var g errgroup.Group
	g.SetLimit(s.opts.Workers)
	executed := 0
	for _, task := range tasks {
		task := task
		if !s.markRunning(task.ID) {
			continue
		}
		claimed, err := s.store.Claim(ctx, task.ID, s.opts.Owner, s.now())
		if err != nil || !claimed {
			s.unmarkRunning(task.ID)
			if err != nil {
				logger.L().Warn("[Schedule] claim failed", zap.String("task_id", task.ID), zap.Error(err))
			}
			continue
		}
		executed++
		g.Go(func() error {
			defer s.unmarkRunning(task.ID)
			s.execute(context.WithoutCancel(ctx), task)
			return nil
		})
	}
	_ = g.Wait()
	return executed, nil
}

func (s *Service) execute(ctx context.Context, task Task) {
	ctx, span := tracer.Start(ctx, "schedule.execute")
	defer span.End()
	span.SetAttributes(attribute.String("task.id", task.ID), attribute.Int("task.attempt", task.Attempt+1))

	log := logger.L().With(zap.String("task_id", task.ID))
	runAt := s.now()
	attempt := task.Attempt + 1

	if task.decodeErr != nil {
		s.record(ctx, task.ID, attempt, StatusFailed, "", task.decodeErr, runAt)
		if err := s.store.Finish(ctx, task.ID, s.opts.Owner, StatusFailed, "", attempt, task.decodeErr.Error()); err != nil {
			log.Error("[Schedule] finish failed", zap.Error(err))
		}
		span.SetStatus(codes.Error, task.decodeErr.Error())
		return
	}

	code, retryable, runErr := s.run(ctx, task)
	s.record(ctx, task.ID, attempt, StatusExecuted, code, runErr, runAt)

	errText := ""
	if runErr != nil {
		errText = runErr.Error()
		span.RecordError(runErr)
		log.Warn("[Schedule] aggregation finished with errors", zap.String("result_code", code), zap.Error(runErr))
	}
	span.SetAttributes(attribute.String("task.result_code", code))

	if retryable && attempt < s.opts.MaxAttempts {
		next := s.now().Add(s.opts.RetryDelay)
		if err := s.store.Requeue(ctx, task.ID, s.opts.Owner, next, attempt, errText); err != nil {
			log.Error("[Schedule] requeue failed", zap.Error(err))
		}
		return
	}
	if err := s.store.Finish(ctx, task.ID, s.opts.Owner, StatusExecuted, code, attempt, errText); err != nil {
		log.Error("[Schedule] finish failed", zap.Error(err))
		return
	}
	log.Info("[Schedule] task executed", zap.String("result_code", code), zap.Int("attempt", attempt))
}

func (s *Service) record(ctx context.Context, id string, attempt int, status, code string, runErr error, runAt time.Time) {
	if code == "" {
		code = status
	}
	record := RunRecord{TaskID: id, Attempt: attempt, ResultCode: code, RunAt: runAt, FinishedAt: s.now()}
	if runErr != nil {
		record.Error = runErr.Error()
	}
	if err := s.store.AppendRun(ctx, record); err != nil {
		logger.L().Warn("[Schedule] append run failed", zap.String("task_id", id), zap.Error(err))
	}
}

// run fetches responses, tallies them, and dispatches the summary. Only a
// failed fetch is retryable; notification failures are reported, never
// retried.
func (s *Service) run(ctx context.Context, task Task) (string, bool, error) {
	if s.fetcher == nil {
		return ResultFetchFailed, true, fmt.Errorf("%w: no response fetcher configured", ErrTaskExecution)
	}
	fetchCtx, cancel := context.WithTimeout(ctx, s.opts.CallTimeout)
	records, err := s.fetcher.FetchResponses(fetchCtx, task.Payload.SecondaryURL)
	cancel()
	if err != nil {
		return ResultFetchFailed, true, fmt.Errorf("%w: fetch responses: %v", ErrTaskExecution, err)
	}

	tally, err := aggregate.Count(records, s.opts.Fields)
	if err != nil {
		return ResultFetchFailed, false, fmt.Errorf("%w: %v", ErrTaskExecution, err)
	}

	title := task.Payload.Title
	text := aggregate.Text(title, tally)
	body := aggregate.HTML(title, tally)
	subject := fmt.Sprintf("Order summary: %s", title)

	attempts, failures, dispatchErr := s.dispatch(ctx, task.Payload.Targets, subject, text, body)
	if len(tally.Participants) > 0 {
		if err := s.email(ctx, tally.Participants, "Order confirmed: "+title, confirmationHTML(title)); err != nil {
			logger.L().Warn("[Schedule] participant confirmation failed", zap.String("task_id", task.ID), zap.Error(err))
		}
	}

	switch {
	case attempts > 0 && failures == attempts:
		return ResultNotifyFailed, false, fmt.Errorf("%w: %v", ErrTaskExecution, dispatchErr)
	case failures > 0:
		return ResultNotifyPartial, false, fmt.Errorf("%w: %v", ErrTaskExecution, dispatchErr)
	case tally.Total == 0:
		return ResultNoResponses, false, nil
	default:
		return ResultOK, false, nil
	}
}

func confirmationHTML(title string) string {
	return fmt.Sprintf("<p>Hello,</p><p>Ordering for <b>%s</b> has closed and your order is in.</p><p>Thanks for joining!</p>",
		html.EscapeString(title))
}

// dispatch sends the push summary to every target and one email to all
// recipients in parallel. It returns how many deliveries were attempted and
// how many failed.
func (s *Service) dispatch(ctx context.Context, targets Targets, subject, text, body string) (int, int, error) {
	var (
		mu       sync.Mutex
		attempts int
		errs     []error
		g        errgroup.Group
	)
	note := func(err error) {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if err != nil {
			errs = append(errs, err)
		}
	}

	for _, target := range targets.PushTargets {
		target := strings.TrimSpace(target)
		if target == "" {
			continue
		}
		g.Go(func() error {
			note(s.push(ctx, target, text))
			return nil
		})
	}
	if recipients := compact(targets.Emails); len(recipients) > 0 {
		g.Go(func() error {
			note(s.email(ctx, recipients, subject, body))
			return nil
		})
	}
	_ = g.Wait()

	if attempts == 0 {
		logger.L().Warn("[Schedule] no notification targets configured")
	}
	return attempts, len(errs), errors.Join(errs...)
}

func (s *Service) push(ctx context.Context, target, text string) error {
	if s.notifier == nil {
		return fmt.Errorf("push %s: no notifier configured", target)
	}
	callCtx, cancel := context.WithTimeout(ctx, s.opts.CallTimeout)
	defer cancel()
	if err := s.notifier.Push(callCtx, target, text); err != nil {
		return fmt.Errorf("push %s: %w", target, err)
	}
	return nil
}

func (s *Service) email(ctx context.Context, recipients []string, subject, body string) error {
	if s.notifier == nil {
		return fmt.Errorf("email: no notifier configured")
	}
	callCtx, cancel := context.WithTimeout(ctx, s.opts.CallTimeout)
	defer cancel()
	if err := s.notifier.Email(callCtx, recipients, subject, body); err != nil {
		return fmt.Errorf("email %s: %w", strings.Join(recipients, ","), err)
	}
	return nil
}

// Recover returns tasks whose claim outlived the lease to pending, so a crash
// between claim and completion leads to another run instead of a stuck task.
func (s *Service) Recover(ctx context.Context) (int, error) {
	n, err := s.store.ResetStale(ctx, s.now().Add(-s.opts.ClaimLease))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logger.L().Warn("[Schedule] reset stale claims", zap.Int64("count", n))
	}
	return int(n), nil
}

// RemindDue pushes a one-time reminder for pending tasks closing within the
// reminder window. A zero window disables reminders.
func (s *Service) RemindDue(ctx context.Context) (int, error) {
	if s.opts.RemindBefore <= 0 {
		return 0, nil
	}
	now := s.now()
	tasks, err := s.store.ListRemindable(ctx, now, now.Add(s.opts.RemindBefore), s.opts.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("schedule: list remindable: %w", err)
	}

	sent := 0
	for _, task := range tasks {
		if task.decodeErr != nil {
			continue
		}
		ok, err := s.store.MarkReminded(ctx, task.ID, now)
		if err != nil {
			return sent, err
		}
		if !ok {
			continue
		}
		text := fmt.Sprintf("Reminder: ordering for [%s] closes at %s. Fill in the form if you have not yet: %s",
			task.Payload.Title, task.ExecuteAt.In(s.opts.Location).Format("01/02 15:04"), task.Payload.PrimaryURL)
		for _, target := range task.Payload.Targets.PushTargets {
			if strings.TrimSpace(target) == "" {
				continue
			}
			if err := s.push(ctx, target, text); err != nil {
				logger.L().Warn("[Schedule] reminder push failed", zap.String("task_id", task.ID), zap.Error(err))
			}
		}
		sent++
	}
	return sent, nil
}

// Cancel moves a pending task to the terminal cancelled status.
func (s *Service) Cancel(ctx context.Context, id string) error {
	ok, err := s.store.Cancel(ctx, id)
	if err != nil {
		return err
	}
	if ok {
		logger.L().Info("[Schedule] task cancelled", zap.String("task_id", id))
		return nil
	}
	task, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s is %s", ErrNotPending, id, task.Status)
}

func (s *Service) List(ctx context.Context, status string, limit int) ([]Task, error) {
	return s.store.List(ctx, status, limit)
}

func (s *Service) Get(ctx context.Context, id string) (Task, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) Runs(ctx context.Context, id string, limit int) ([]RunRecord, error) {
	if _, err := s.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListRuns(ctx, id, limit)
}

// IsNotFound reports whether err means the task does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

func (s *Service) markRunning(id string) bool {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if _, exists := s.running[id]; exists {
		return false
	}
	s.running[id] = struct{}{}
	return true
}

func (s *Service) unmarkRunning(id string) {
	s.runMu.Lock()
	delete(s.running, id)
	s.runMu.Unlock()
}

func compact(items []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" || seen[item] {
			continue
		}
		seen[item] = true
		out = append(out, item)
	}
	return out
}
