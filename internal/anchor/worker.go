package anchor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/clearstake/attest-engine/internal/model"
	"github.com/clearstake/attest-engine/internal/resilience"
)

// Log records anchoring progress durably. All methods are best-effort from
// the worker's perspective; failures are logged, never fatal.
type Log interface {
	MarkAnchored(ctx context.Context, requestID, anchorRef string, anchoredAt time.Time) error
	DeadLetterAnchor(ctx context.Context, requestID, reason string, failedAt time.Time) error
}

// Worker consumes finalized requests and anchors them in the background.
// It implements the coordinator's OutcomeSink.
type Worker struct {
	anchorer Anchorer
	log      Log
	retry    resilience.RetryConfig
	breaker  *resilience.CircuitBreaker
	limiter  *rate.Limiter

	queue chan *model.VerificationRequest
	wg    sync.WaitGroup

	mu      sync.Mutex
	stopped bool
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithLog sets the durable anchoring log.
func WithLog(l Log) WorkerOption {
	return func(w *Worker) { w.log = l }
}

// WithRetryConfig overrides the retry policy for ledger calls.
func WithRetryConfig(cfg resilience.RetryConfig) WorkerOption {
	return func(w *Worker) { w.retry = cfg }
}

// WithRateLimit caps anchor submissions per second.
func WithRateLimit(perSecond float64, burst int) WorkerOption {
	return func(w *Worker) { w.limiter = rate.NewLimiter(rate.Limit(perSecond), burst) }
}

// WithQueueDepth sets the outcome queue capacity.
func WithQueueDepth(n int) WorkerOption {
	return func(w *Worker) { w.queue = make(chan *model.VerificationRequest, n) }
}

// NewWorker creates an anchoring worker around the given anchorer.
func NewWorker(anchorer Anchorer, opts ...WorkerOption) *Worker {
	w := &Worker{
		anchorer: anchorer,
		retry:    resilience.DefaultRetryConfig(),
		breaker:  resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig()),
		limiter:  rate.NewLimiter(rate.Limit(5), 10),
		queue:    make(chan *model.VerificationRequest, 1024),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.retry.OnRetry = resilience.RetryLogger("anchor")
	return w
}

// EnqueueFinalized hands a finalized request to the worker without blocking
// the consensus path. A full queue dead-letters the outcome immediately, and
// so does a worker that has already been stopped; the local terminal decision
// stands either way.
func (w *Worker) EnqueueFinalized(req *model.VerificationRequest) {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		zap.L().Error("anchor worker stopped, dead-lettering outcome",
			zap.String("request_id", req.ID))
		w.deadLetter(context.Background(), req.ID, "anchor worker stopped")
		return
	}
	// The send stays under the mutex so Stop cannot close the queue between
	// the stopped check and the send.
	select {
	case w.queue <- req:
		w.mu.Unlock()
	default:
		w.mu.Unlock()
		zap.L().Error("anchor queue full, dead-lettering outcome",
			zap.String("request_id", req.ID))
		w.deadLetter(context.Background(), req.ID, "anchor queue full")
	}
}

// Start launches the worker loop. It drains until Stop is called or ctx is
// cancelled.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case req, ok := <-w.queue:
				if !ok {
					return
				}
				w.process(ctx, req)
			}
		}
	}()
}

// Stop closes the queue, waits for in-flight anchoring to finish, and
// dead-letters any outcomes still buffered so they remain replayable.
// Idempotent.
func (w *Worker) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	w.mu.Unlock()

	close(w.queue)
	w.wg.Wait()
	for req := range w.queue {
		zap.L().Warn("outcome unanchored at shutdown, dead-lettering",
			zap.String("request_id", req.ID))
		w.deadLetter(context.Background(), req.ID, "shutdown before anchoring")
	}
}

// Backlog returns the number of outcomes waiting to be anchored.
func (w *Worker) Backlog() int {
	return len(w.queue)
}

func (w *Worker) process(ctx context.Context, req *model.VerificationRequest) {
	if err := w.limiter.Wait(ctx); err != nil {
		w.deadLetter(ctx, req.ID, "shutdown before anchoring")
		return
	}

	ref, err := resilience.DoVal(ctx, w.retry, func(ctx context.Context) (string, error) {
		return resilience.ExecuteVal(ctx, w.breaker, func(ctx context.Context) (string, error) {
			return w.anchorer.Anchor(ctx, req)
		})
	})
	if err != nil {
		zap.L().Error("anchoring failed after retries",
			zap.String("request_id", req.ID),
			zap.String("status", string(req.Status)),
			zap.Error(err),
		)
		w.deadLetter(ctx, req.ID, err.Error())
		return
	}

	zap.L().Info("outcome anchored",
		zap.String("request_id", req.ID),
		zap.String("status", string(req.Status)),
		zap.String("anchor_ref", ref),
	)

	if w.log != nil {
		if err := w.log.MarkAnchored(ctx, req.ID, ref, time.Now().UTC()); err != nil {
			zap.L().Error("anchor log write failed",
				zap.String("request_id", req.ID),
				zap.Error(err),
			)
		}
	}
}

func (w *Worker) deadLetter(ctx context.Context, requestID, reason string) {
	if w.log == nil {
		return
	}
	if err := w.log.DeadLetterAnchor(ctx, requestID, reason, time.Now().UTC()); err != nil {
		zap.L().Error("anchor dead-letter write failed",
			zap.String("request_id", requestID),
			zap.Error(err),
		)
	}
}
