// Package worker 提供固定大小的任务池, 用于在路径批次粒度上并行计算.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/wyfcoding/quantcore/async"
	"github.com/wyfcoding/quantcore/logging"
	"github.com/wyfcoding/quantcore/metrics"
	"github.com/wyfcoding/quantcore/tracing"
)

var (
	ErrPoolClosed  = errors.New("worker pool is closed")
	ErrPoolFull    = errors.New("worker pool is full")
	ErrTaskTimeout = errors.New("task submission timeout")
)

// Task 是 worker 执行的任务函数。
type Task func(ctx context.Context)

// Pool 是一个通用的 worker 池。
type Pool struct {
	tasks   chan Task
	quit    chan struct{}
	options *poolOptions
	metrics *workerMetrics
	wg      sync.WaitGroup
	mu      sync.RWMutex // 提交持读锁, Stop 持写锁后清空队列
	closed  atomic.Bool
	active  atomic.Int32 // 当前活跃的 worker 数量
}

type workerMetrics struct {
	activeWorkers prometheus.Gauge
	queueLength   prometheus.Gauge
}

type poolOptions struct {
	ctx          context.Context
	PanicHandler func(any)
	Metrics      *metrics.Metrics
	Name         string
	Size         int
	QueueSize    int
}

// Option 定义配置选项。
type Option func(*poolOptions)

// WithName 设置池名称。
func WithName(name string) Option {
	return func(o *poolOptions) {
		o.Name = name
	}
}

// WithSize 设置 worker 数量。
func WithSize(size int) Option {
	return func(o *poolOptions) {
		o.Size = size
	}
}

// WithQueueSize 设置任务队列大小。
func WithQueueSize(size int) Option {
	return func(o *poolOptions) {
		o.QueueSize = size
	}
}

// WithPanicHandler 设置 Panic 处理回调。
func WithPanicHandler(handler func(any)) Option {
	return func(o *poolOptions) {
		o.PanicHandler = handler
	}
}

// WithMetrics 注入指标采集器.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *poolOptions) {
		o.Metrics = m
	}
}

// WithContext 设置传给每个任务的基础上下文.
func WithContext(ctx context.Context) Option {
	return func(o *poolOptions) {
		o.ctx = ctx
	}
}

// NewPool 创建一个新的 worker 池。
func NewPool(opts ...Option) *Pool {
	options := &poolOptions{
		ctx:       context.Background(),
		Name:      "default-pool",
		Size:      4,
		QueueSize: 16,
	}
	for _, opt := range opts {
		opt(options)
	}
	if options.Size <= 0 {
		options.Size = 1
	}
	if options.QueueSize < 0 {
		options.QueueSize = 0
	}

	p := &Pool{
		tasks:   make(chan Task, options.QueueSize),
		quit:    make(chan struct{}),
		options: options,
	}

	if options.Metrics != nil {
		p.metrics = &workerMetrics{
			activeWorkers: options.Metrics.NewGauge(prometheus.GaugeOpts{
				Name:        "worker_pool_active_workers",
				Help:        "Number of active workers in the pool",
				ConstLabels: prometheus.Labels{"pool": options.Name},
			}),
			queueLength: options.Metrics.NewGauge(prometheus.GaugeOpts{
				Name:        "worker_pool_queue_length",
				Help:        "Current length of the task queue",
				ConstLabels: prometheus.Labels{"pool": options.Name},
			}),
		}
	}

	p.start()
	return p
}

// Name 池名称.
func (p *Pool) Name() string { return p.options.Name }

// Active 当前运行中的 worker 数.
func (p *Pool) Active() int { return int(p.active.Load()) }

func (p *Pool) start() {
	logging.Debug(p.options.ctx, "worker pool starting", "name", p.options.Name, "size", p.options.Size)
	for range p.options.Size {
		p.wg.Add(1)
		p.active.Add(1)
		if p.metrics != nil {
			p.metrics.activeWorkers.Inc()
		}
		async.SafeGo(func() {
			defer p.wg.Done()
			defer func() {
				p.active.Add(-1)
				if p.metrics != nil {
					p.metrics.activeWorkers.Dec()
				}
			}()
			p.runWorker()
		})
	}
}

func (p *Pool) runWorker() {
	for {
		if p.metrics != nil {
			p.metrics.queueLength.Set(float64(len(p.tasks)))
		}
		select {
		case <-p.quit:
			return
		default:
		}
		select {
		case task := <-p.tasks:
			p.executeTask(p.options.ctx, task)
		case <-p.quit:
			return
		}
	}
}

func (p *Pool) executeTask(ctx context.Context, task Task) {
	defer func() {
		if r := recover(); r != nil {
			if p.options.PanicHandler != nil {
				p.options.PanicHandler(r)
			} else {
				logging.Error(ctx, "worker task panic recovered", "pool", p.options.Name, "panic", r)
			}
		}
	}()
	task(ctx)
}

// withTrace 把提交方的链路带入任务, 任务仍使用池的基础上下文.
func withTrace(ctx context.Context, task Task) Task {
	carrier := tracing.InjectContext(ctx)
	if len(carrier) == 0 {
		return task
	}
	return func(base context.Context) { task(tracing.ExtractContext(base, carrier)) }
}

// Submit 提交一个任务。如果池已满，则阻塞直到有空位、ctx 结束或池被关闭。
// 任务收到池的基础上下文, 其中带有 ctx 的追踪链路.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed.Load() {
		return ErrPoolClosed
	}

	task = withTrace(ctx, task)
	select {
	case p.tasks <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.quit:
		return ErrPoolClosed
	}
}

// SubmitWithTimeout 提交一个带超时的任务。
func (p *Pool) SubmitWithTimeout(task Task, timeout time.Duration) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed.Load() {
		return ErrPoolClosed
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case p.tasks <- task:
		return nil
	case <-timer.C:
		return ErrTaskTimeout
	case <-p.quit:
		return ErrPoolClosed
	}
}

// TrySubmit 尝试提交一个任务。如果池已满，立即返回 ErrPoolFull。
func (p *Pool) TrySubmit(task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed.Load() {
		return ErrPoolClosed
	}

	select {
	case p.tasks <- task:
		return nil
	default:
		return ErrPoolFull
	}
}

// Go 把 fn 作为任务提交, 通过 Future 返回结果. fn 中的 panic 转换为 async.ErrPanicRecovered.
// 池停止时仍在队列中的任务不再执行, Future 以 ErrPoolClosed 结束.
func Go[T any](ctx context.Context, p *Pool, fn func(ctx context.Context) (T, error)) (*async.Future[T], error) {
	future, resolve := async.NewPromise[T]()
	err := p.Submit(ctx, func(taskCtx context.Context) {
		if cause := context.Cause(taskCtx); cause != nil {
			var zero T
			resolve(zero, cause)
			return
		}
		var (
			res T
			err error
		)
		defer func() {
			if r := recover(); r != nil {
				var zero T
				resolve(zero, fmt.Errorf("%w: %v", async.ErrPanicRecovered, r))
				return
			}
			resolve(res, err)
		}()
		res, err = fn(ctx)
	})
	if err != nil {
		return nil, err
	}
	return future, nil
}

// Stop 停止 worker 池，等待所有正在执行的任务完成。
// 队列中未开始的任务以被 ErrPoolClosed 取消的上下文调用一次, 由任务自行结束.
func (p *Pool) Stop() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	close(p.quit) // 通知 worker 退出
	p.wg.Wait()   // 等待所有 worker 退出
	p.mu.Lock()   // 等待进行中的提交返回
	defer p.mu.Unlock()

	ctx, cancel := context.WithCancelCause(p.options.ctx)
	cancel(ErrPoolClosed)
	dropped := len(p.tasks)
	for len(p.tasks) > 0 {
		p.executeTask(ctx, <-p.tasks)
	}
	logging.Debug(p.options.ctx, "worker pool stopped", "name", p.options.Name, "dropped", dropped)
}
