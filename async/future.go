package async

import (
	"context"
	"sync"
)

// Future 代表一个异步计算的结果。
type Future[T any] struct {
	result T
	err    error
	done   chan struct{}
	once   sync.Once
}

// NewPromise 返回一个尚未完成的 Future 及其完成函数, 只有第一次调用完成函数生效。
func NewPromise[T any]() (*Future[T], func(T, error)) {
	f := &Future[T]{done: make(chan struct{})}
	return f, f.resolve
}

func (f *Future[T]) resolve(res T, err error) {
	f.once.Do(func() {
		f.result = res
		f.err = err
		close(f.done)
	})
}

// NewFuture 在新的 goroutine 中执行 fn, 其结果填充 Future。fn 中的 panic 只记录日志, Future 以 ErrPanicRecovered 完成。
func NewFuture[T any](ctx context.Context, fn func(ctx context.Context) (T, error)) *Future[T] {
	f, resolve := NewPromise[T]()
	SafeGo(func() {
		var zero T
		defer resolve(zero, ErrPanicRecovered)
		res, err := fn(ctx)
		resolve(res, err)
	})
	return f
}

// Done 计算完成时关闭。
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Get 阻塞等待计算完成并返回结果。
func (f *Future[T]) Get(ctx context.Context) (T, error) {
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case <-f.done:
		return f.result, f.err
	}
}
