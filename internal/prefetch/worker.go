// Package prefetch warms the cache in the background. Items are drained by a
// single worker goroutine, one fetch at a time, paced so background downloads
// do not compete with foreground traffic.
package prefetch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Sink receives fetched models.
type Sink interface {
	// Cached reports whether key no longer needs fetching.
	Cached(ctx context.Context, key string) bool
	// Store persists a fetched model.
	Store(ctx context.Context, key, assetType string, data []byte) error
}

// Hooks are optional callbacks for worker outcomes.
type Hooks struct {
	OnFetched func(item Item, size int)
	OnSkipped func(item Item)
	OnError   func(item Item, err error)
}

// Options configure a Worker.
type Options struct {
	Interval   time.Duration
	Timeout    time.Duration
	QueueLimit int
	Hooks      Hooks
	Logger     *zap.Logger
}

// Worker owns the queue and the goroutine draining it.
type Worker struct {
	queue   *Queue
	fetcher Fetcher
	sink    Sink
	limiter *rate.Limiter
	timeout time.Duration
	hooks   Hooks
	logger  *zap.Logger

	running *atomic.Bool
	online  *atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWorker creates an idle worker. It starts on the first Enqueue.
func NewWorker(fetcher Fetcher, sink Sink, opts Options) *Worker {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		queue:   NewQueue(opts.QueueLimit),
		fetcher: fetcher,
		sink:    sink,
		limiter: rate.NewLimiter(rate.Every(opts.Interval), 1),
		timeout: opts.Timeout,
		hooks:   opts.Hooks,
		logger:  opts.Logger,
		running: atomic.NewBool(false),
		online:  atomic.NewBool(true),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Enqueue adds an item and makes sure the worker is running. It reports
// whether the item was new rather than coalesced with a pending one.
func (w *Worker) Enqueue(item Item) (bool, error) {
	if w.ctx.Err() != nil {
		return false, fmt.Errorf("prefetch worker closed: %w", w.ctx.Err())
	}
	added, err := w.queue.Push(item)
	if err != nil {
		return false, err
	}
	w.Start()
	return added, nil
}

// Start launches the worker goroutine unless it is already running, the host
// is offline or nothing is pending.
func (w *Worker) Start() {
	if w.ctx.Err() != nil || !w.online.Load() || w.queue.Len() == 0 {
		return
	}
	if !w.running.CompareAndSwap(false, true) {
		return
	}
	w.wg.Add(1)
	go w.run()
}

// SetOnline pauses the worker after its current item when offline and
// resumes it when back online.
func (w *Worker) SetOnline(online bool) {
	w.online.Store(online)
	if online {
		w.Start()
	}
}

// Online reports the last connectivity signal.
func (w *Worker) Online() bool {
	return w.online.Load()
}

// Running reports whether the goroutine is active.
func (w *Worker) Running() bool {
	return w.running.Load()
}

// Pending returns the queue length.
func (w *Worker) Pending() int {
	return w.queue.Len()
}

// Stop drops pending items. An in-flight fetch is allowed to finish.
func (w *Worker) Stop() int {
	n := w.queue.Clear()
	if n > 0 {
		w.logger.Info("prefetch queue dropped", zap.Int("items", n))
	}
	return n
}

// Close stops the worker, aborts an in-flight fetch and waits for it to exit.
func (w *Worker) Close() {
	w.cancel()
	w.queue.Clear()
	w.wg.Wait()
}

func (w *Worker) run() {
	defer w.wg.Done()

	for {
		w.drain()
		w.running.Store(false)

		// An Enqueue racing with the store above may have seen running=true.
		if w.ctx.Err() != nil || !w.online.Load() || w.queue.Len() == 0 {
			return
		}
		if !w.running.CompareAndSwap(false, true) {
			return
		}
	}
}

func (w *Worker) drain() {
	for w.online.Load() {
		if err := w.limiter.Wait(w.ctx); err != nil {
			return
		}
		item, ok := w.queue.Pop()
		if !ok {
			return
		}
		w.process(item)
	}
}

func (w *Worker) process(item Item) {
	if w.sink.Cached(w.ctx, item.Key) {
		w.logger.Debug("prefetch skipped, already cached", zap.String("key", item.Key))
		if w.hooks.OnSkipped != nil {
			w.hooks.OnSkipped(item)
		}
		return
	}

	ctx, cancel := context.WithTimeout(WithLowPriority(w.ctx), w.timeout)
	data, err := w.fetcher.Fetch(ctx, item.Key)
	cancel()
	if err != nil {
		w.fail(item, fmt.Errorf("failed to fetch: %w", err))
		return
	}

	if err := w.sink.Store(w.ctx, item.Key, item.AssetType, data); err != nil {
		w.fail(item, fmt.Errorf("failed to store: %w", err))
		return
	}

	w.logger.Debug("prefetched model",
		zap.String("key", item.Key),
		zap.Int("size", len(data)),
		zap.Int("priority", item.Priority))
	if w.hooks.OnFetched != nil {
		w.hooks.OnFetched(item, len(data))
	}
}

func (w *Worker) fail(item Item, err error) {
	w.logger.Warn("prefetch failed", zap.String("key", item.Key), zap.Error(err))
	if w.hooks.OnError != nil {
		w.hooks.OnError(item, err)
	}
}
