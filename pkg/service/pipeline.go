package service

import (
	"context"
	"runtime"
	"time"

	"github.com/ignatij/replog/pkg/storage"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const defaultFinalizeTimeout = 10 * time.Second

var (
	ErrTaskNotFound      = errors.New("task not registered")
	ErrUnknownEntityType = errors.New("entity type not declared by task")
)

type options struct {
	scanWindow      int64
	now             func() time.Time
	workers         int
	finalizeTimeout time.Duration
}

type Option func(*options)

// WithScanWindow bounds each change log fetch to [range_min, range_min+n-1]; n <= 0 disables the bound.
func WithScanWindow(n int64) Option {
	return func(o *options) {
		o.scanWindow = n
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithWorkers limits how many tasks ExecuteAll runs at once.
func WithWorkers(n int) Option {
	return func(o *options) {
		o.workers = n
	}
}

func WithFinalizeTimeout(d time.Duration) Option {
	return func(o *options) {
		o.finalizeTimeout = d
	}
}

func newOptions(opts []Option) options {
	o := options{
		scanWindow:      DefaultScanWindow,
		now:             func() time.Time { return time.Now().UTC() },
		workers:         runtime.NumCPU(),
		finalizeTimeout: defaultFinalizeTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.workers <= 0 {
		o.workers = runtime.NumCPU()
	}
	if o.finalizeTimeout <= 0 {
		o.finalizeTimeout = defaultFinalizeTimeout
	}
	return o
}

// Pipeline wires registered tasks to a store. It is the entry point used by
// triggers (CLI, HTTP) and by operators.
type Pipeline struct {
	store    storage.Store
	registry *Registry
	logger   logrus.FieldLogger
	opts     []Option
	cfg      options
}

func NewPipeline(store storage.Store, registry *Registry, logger logrus.FieldLogger, opts ...Option) *Pipeline {
	return &Pipeline{
		store:    store,
		registry: registry,
		logger:   logger,
		opts:     opts,
		cfg:      newOptions(opts),
	}
}

func (p *Pipeline) Registry() *Registry {
	return p.registry
}

// Executor builds an executor for the named task with its current policy.
func (p *Pipeline) Executor(name string) (*Executor, error) {
	task, ok := p.registry.Get(name)
	if !ok {
		return nil, errors.Wrapf(ErrTaskNotFound, "task '%s'", name)
	}
	return NewExecutor(task, p.store, p.logger, p.opts...), nil
}

// Execute runs one task to exhaustion. Safe to call repeatedly; concurrent
// calls for the same task turn into no-ops for the types already in flight.
func (p *Pipeline) Execute(ctx context.Context, name string) (bool, error) {
	res, err := p.Run(ctx, name)
	return res.Success, err
}

func (p *Pipeline) Run(ctx context.Context, name string) (Result, error) {
	exec, err := p.Executor(name)
	if err != nil {
		return Result{Task: name}, err
	}
	return exec.Run(ctx)
}

func (p *Pipeline) task(name, objectType string) (Task, error) {
	task, ok := p.registry.Get(name)
	if !ok {
		return Task{}, errors.Wrapf(ErrTaskNotFound, "task '%s'", name)
	}
	if objectType == "" {
		return task, nil
	}
	for _, t := range task.EntityTypes {
		if t == objectType {
			return task, nil
		}
	}
	return Task{}, errors.Wrapf(ErrUnknownEntityType, "task '%s', type '%s'", name, objectType)
}
