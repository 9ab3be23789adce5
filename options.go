package asyncio

import (
	"time"

	"github.com/joeycumines/logiface"
)

// loopOptions holds configuration options for EventLoop creation.
type loopOptions struct {
	selector  Selector
	executor  Executor
	logger    *logiface.Logger[logiface.Event]
	warnRates map[time.Duration]int
}

// LoopOption configures an EventLoop instance.
type LoopOption interface {
	applyLoop(*loopOptions) error
}

// loopOptionImpl implements LoopOption.
type loopOptionImpl struct {
	applyLoopFunc func(*loopOptions) error
}

func (l *loopOptionImpl) applyLoop(opts *loopOptions) error {
	return l.applyLoopFunc(opts)
}

// WithSelector substitutes the readiness multiplexer, e.g. for tests or for
// platforms where the default is undesirable. The loop takes ownership and
// closes it with the loop.
func WithSelector(selector Selector) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.selector = selector
		return nil
	}}
}

// WithExecutor sets the default executor used for blocking offload
// (getaddrinfo, RunInExecutor with a nil executor). An externally supplied
// executor outlives the loop; it is not shut down by Close.
func WithExecutor(executor Executor) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.executor = executor
		return nil
	}}
}

// WithLogger sets the structured logger. Absent a logger the loop is
// silent; it never falls back to global logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithWarnRates overrides the sliding-window caps applied to repeated
// warnings (e.g. writes on a lost connection). The default permits five per
// minute per category.
func WithWarnRates(rates map[time.Duration]int) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.warnRates = rates
		return nil
	}}
}

// resolveLoopOptions applies LoopOption instances to loopOptions.
func resolveLoopOptions(opts []LoopOption) (*loopOptions, error) {
	cfg := &loopOptions{
		warnRates: map[time.Duration]int{time.Minute: 5},
	}
	for _, opt := range opts {
		if opt == nil {
			continue // skip nil options gracefully
		}
		if err := opt.applyLoop(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
