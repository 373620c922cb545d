package gojob

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
	"github.com/goliatone/go-job/queue/worker"
	"github.com/goliatone/go-workwx/adapters/gologger"
	"github.com/goliatone/go-workwx/core"
)

const JobIDWarm = core.WarmJobID

// RetryPolicy bounds how warm jobs are redelivered after a failure.
type RetryPolicy struct {
	MaxAttempts     int
	MaxDelay        time.Duration
	DeadLetterOnMax bool
}

// NormalizeAttempt enforces bounded retry behavior for a nack operation.
func (p RetryPolicy) NormalizeAttempt(opts core.JobNackOptions, attempt int) core.JobNackOptions {
	out := opts
	out.Reason = strings.TrimSpace(out.Reason)
	if out.Delay < 0 {
		out.Delay = 0
	}
	if p.MaxDelay > 0 && out.Delay > p.MaxDelay {
		out.Delay = p.MaxDelay
	}
	if out.DeadLetter {
		out.Requeue = false
	}
	if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
		out.Requeue = false
		if p.DeadLetterOnMax || out.DeadLetter {
			out.DeadLetter = true
		}
	}
	if !out.Requeue && !out.DeadLetter {
		out.Requeue = true
	}
	return out
}

func ToExecutionMessage(msg *core.JobExecutionMessage) *job.ExecutionMessage {
	if msg == nil {
		return nil
	}
	return &job.ExecutionMessage{
		JobID:          strings.TrimSpace(msg.JobID),
		ScriptPath:     strings.TrimSpace(msg.ScriptPath),
		Parameters:     copyAnyMap(msg.Parameters),
		IdempotencyKey: strings.TrimSpace(msg.IdempotencyKey),
		DedupPolicy:    job.DeduplicationPolicy(strings.TrimSpace(msg.DedupPolicy)),
	}
}

func FromExecutionMessage(msg *job.ExecutionMessage) *core.JobExecutionMessage {
	if msg == nil {
		return nil
	}
	return &core.JobExecutionMessage{
		JobID:          strings.TrimSpace(msg.JobID),
		ScriptPath:     strings.TrimSpace(msg.ScriptPath),
		Parameters:     copyAnyMap(msg.Parameters),
		IdempotencyKey: strings.TrimSpace(msg.IdempotencyKey),
		DedupPolicy:    strings.TrimSpace(string(msg.DedupPolicy)),
	}
}

type EnqueuerAdapter struct {
	enqueuer queue.Enqueuer
}

func NewEnqueuerAdapter(enqueuer queue.Enqueuer) *EnqueuerAdapter {
	return &EnqueuerAdapter{enqueuer: enqueuer}
}

func (a *EnqueuerAdapter) Enqueue(ctx context.Context, msg *core.JobExecutionMessage) error {
	if a == nil || a.enqueuer == nil {
		return fmt.Errorf("gojob: enqueuer is not configured")
	}
	if msg == nil {
		return fmt.Errorf("gojob: execution message is required")
	}
	return a.enqueuer.Enqueue(ctx, ToExecutionMessage(msg))
}

// EnqueueWarm schedules a warm job for the given families. An empty list
// warms the access credential only.
func (a *EnqueuerAdapter) EnqueueWarm(ctx context.Context, families ...core.Family) error {
	return a.Enqueue(ctx, core.WarmJobMessage(families...))
}

type DeliveryAdapter struct {
	delivery queue.Delivery
	policy   RetryPolicy
}

func NewDeliveryAdapter(delivery queue.Delivery, policy RetryPolicy) *DeliveryAdapter {
	return &DeliveryAdapter{delivery: delivery, policy: policy}
}

func (d *DeliveryAdapter) Message() *core.JobExecutionMessage {
	if d == nil || d.delivery == nil {
		return nil
	}
	return FromExecutionMessage(d.delivery.Message())
}

func (d *DeliveryAdapter) Ack(ctx context.Context) error {
	if d == nil || d.delivery == nil {
		return fmt.Errorf("gojob: delivery is not configured")
	}
	return d.delivery.Ack(ctx)
}

func (d *DeliveryAdapter) Nack(ctx context.Context, opts core.JobNackOptions) error {
	return d.NackForAttempt(ctx, opts, 0)
}

// exhausts reports whether a nack at attempt ends the delivery's retry budget.
func (d *DeliveryAdapter) exhausts(opts core.JobNackOptions, attempt int) bool {
	if d.policy.MaxAttempts > 0 && attempt >= d.policy.MaxAttempts {
		return true
	}
	return d.policy.NormalizeAttempt(opts, attempt).DeadLetter
}

func (d *DeliveryAdapter) NackForAttempt(ctx context.Context, opts core.JobNackOptions, attempt int) error {
	if d == nil || d.delivery == nil {
		return fmt.Errorf("gojob: delivery is not configured")
	}
	normalized := d.policy.NormalizeAttempt(opts, attempt)
	return d.delivery.Nack(ctx, queue.NackOptions{
		Delay:      normalized.Delay,
		Requeue:    normalized.Requeue,
		DeadLetter: normalized.DeadLetter,
		Reason:     normalized.Reason,
	})
}

type DequeuerAdapter struct {
	dequeuer queue.Dequeuer
	policy   RetryPolicy
}

func NewDequeuerAdapter(dequeuer queue.Dequeuer, policy RetryPolicy) *DequeuerAdapter {
	return &DequeuerAdapter{dequeuer: dequeuer, policy: policy}
}

func (a *DequeuerAdapter) Dequeue(ctx context.Context) (core.JobDelivery, error) {
	if a == nil || a.dequeuer == nil {
		return nil, fmt.Errorf("gojob: dequeuer is not configured")
	}
	delivery, err := a.dequeuer.Dequeue(ctx)
	if err != nil {
		return nil, err
	}
	return NewDeliveryAdapter(delivery, a.policy), nil
}

type WarmHandler interface {
	Handle(ctx context.Context, msg *core.JobExecutionMessage) error
}

// WarmWorker pulls warm jobs off a queue and runs them against a handler,
// usually a *core.CredentialWarmer.
type WarmWorker struct {
	dequeuer core.JobDequeuer
	handler  WarmHandler
	backoff  core.BackoffScheduler
	logger   core.Logger

	mu       sync.Mutex
	attempts map[string]int
}

type WarmWorkerOption func(*WarmWorker)

func WithWorkerBackoff(backoff core.BackoffScheduler) WarmWorkerOption {
	return func(w *WarmWorker) {
		if backoff != nil {
			w.backoff = backoff
		}
	}
}

func WithWorkerLogger(provider core.LoggerProvider, logger core.Logger) WarmWorkerOption {
	return func(w *WarmWorker) {
		_, w.logger = gologger.Resolve("workwx.warm", provider, logger)
	}
}

func NewWarmWorker(dequeuer core.JobDequeuer, handler WarmHandler, opts ...WarmWorkerOption) (*WarmWorker, error) {
	if dequeuer == nil {
		return nil, fmt.Errorf("gojob: dequeuer is required")
	}
	if handler == nil {
		return nil, fmt.Errorf("gojob: warm handler is required")
	}
	_, logger := gologger.Resolve("workwx.warm", nil, nil)
	w := &WarmWorker{
		dequeuer: dequeuer,
		handler:  handler,
		backoff:  core.ExponentialBackoffScheduler{},
		logger:   logger,
		attempts: map[string]int{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	return w, nil
}

// ProcessNext handles one delivery. Jobs other than warm jobs are dead
// lettered; failed warm jobs are nacked with backoff.
func (w *WarmWorker) ProcessNext(ctx context.Context) error {
	delivery, err := w.dequeuer.Dequeue(ctx)
	if err != nil {
		return err
	}
	if delivery == nil {
		return nil
	}
	msg := delivery.Message()
	if msg == nil || msg.JobID != JobIDWarm {
		jobID := ""
		if msg != nil {
			jobID = msg.JobID
		}
		w.logger.Warn("workwx warm worker rejected job", "job_id", jobID)
		return delivery.Nack(ctx, core.JobNackOptions{DeadLetter: true, Reason: "unsupported job"})
	}

	key := attemptKey(msg)
	handleErr := w.handler.Handle(ctx, msg)
	if handleErr == nil {
		w.resetAttempts(key)
		w.logger.Debug("workwx warm job completed", "idempotency_key", key)
		return delivery.Ack(ctx)
	}

	attempt := w.nextAttempt(key)
	opts := core.JobNackOptions{
		Delay:   w.backoff.NextDelay(attempt),
		Requeue: true,
		Reason:  handleErr.Error(),
	}
	w.logger.Error("workwx warm job failed", "idempotency_key", key, "attempt", attempt, "error", handleErr)
	if bounded, ok := delivery.(*DeliveryAdapter); ok {
		// The next job with this idempotency key starts with a full budget.
		if bounded.exhausts(opts, attempt) {
			w.resetAttempts(key)
		}
		return bounded.NackForAttempt(ctx, opts, attempt)
	}
	return delivery.Nack(ctx, opts)
}

func (w *WarmWorker) nextAttempt(key string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.attempts[key]++
	return w.attempts[key]
}

func (w *WarmWorker) resetAttempts(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.attempts, key)
}

func attemptKey(msg *core.JobExecutionMessage) string {
	if key := strings.TrimSpace(msg.IdempotencyKey); key != "" {
		return key
	}
	return msg.JobID
}

// LogHook reports go-job worker lifecycle events for warm jobs.
type LogHook struct {
	logger core.Logger
}

func NewLogHook(provider core.LoggerProvider, logger core.Logger) *LogHook {
	_, resolved := gologger.Resolve("workwx.warm", provider, logger)
	return &LogHook{logger: resolved}
}

func (h *LogHook) OnStart(_ context.Context, event worker.Event) {
	h.logger.Debug("workwx job started", eventFields(event)...)
}

func (h *LogHook) OnSuccess(_ context.Context, event worker.Event) {
	h.logger.Info("workwx job succeeded", eventFields(event)...)
}

func (h *LogHook) OnFailure(_ context.Context, event worker.Event) {
	h.logger.Error("workwx job failed", eventFields(event)...)
}

func (h *LogHook) OnRetry(_ context.Context, event worker.Event) {
	h.logger.Warn("workwx job retry scheduled", eventFields(event)...)
}

func eventFields(event worker.Event) []any {
	message := event.Message
	if message == nil && event.Delivery != nil {
		message = event.Delivery.Message()
	}
	jobID := ""
	if message != nil {
		jobID = message.JobID
	}
	fields := []any{"job_id", jobID, "attempt", event.Attempt, "duration", event.Duration}
	if event.Delay > 0 {
		fields = append(fields, "delay", event.Delay)
	}
	if event.Err != nil {
		fields = append(fields, "error", event.Err)
	}
	return fields
}

func copyAnyMap(in map[string]any) map[string]any {
	if len(in) == 0 {
		return map[string]any{}
	}
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}

var (
	_ core.JobEnqueuer = (*EnqueuerAdapter)(nil)
	_ core.JobDelivery = (*DeliveryAdapter)(nil)
	_ core.JobDequeuer = (*DequeuerAdapter)(nil)
	_ worker.Hook      = (*LogHook)(nil)
	_ WarmHandler      = (*core.CredentialWarmer)(nil)
)
