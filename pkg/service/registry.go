package service

import (
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/ignatij/replog/pkg/models"
	"github.com/pkg/errors"
)

// Task binds a consumer to the object types it replicates.
type Task struct {
	Name        string
	EntityTypes []string
	Consumer    Consumer
	Policy      models.TaskPolicy
}

// Registry is the static declaration of tasks and the object types each one
// consumes. Policies can be replaced after registration from configuration.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]Task
}

func NewRegistry() *Registry {
	return &Registry{tasks: make(map[string]Task)}
}

// Register declares a task. Registering the same name again replaces it.
func (r *Registry) Register(name string, consumer Consumer, entityTypes []string, opts ...models.TaskOption) error {
	if len(name) == 0 {
		return errors.New("empty task name")
	}
	// the watermark key is <task>_<type>, so only the type may contain '_'
	if strings.Contains(name, "_") {
		return errors.Errorf("task name '%s' must not contain '_'", name)
	}
	if consumer == nil {
		return errors.Errorf("task '%s' has no consumer", name)
	}
	if len(entityTypes) == 0 {
		return errors.Errorf("task '%s' declares no entity types", name)
	}
	types := make([]string, 0, len(entityTypes))
	for _, t := range entityTypes {
		if t == "" {
			return errors.Errorf("task '%s' declares an empty entity type", name)
		}
		if slices.Contains(types, t) {
			return errors.Errorf("task '%s' declares entity type '%s' twice", name, t)
		}
		types = append(types, t)
	}

	policy := models.DefaultTaskPolicy()
	for _, opt := range opts {
		opt(&policy)
	}
	if err := validatePolicy(policy); err != nil {
		return errors.Wrapf(err, "task '%s'", name)
	}

	r.mu.Lock()
	r.tasks[name] = Task{Name: name, EntityTypes: types, Consumer: consumer, Policy: policy}
	r.mu.Unlock()
	return nil
}

// Configure replaces the policy of a registered task. A non-empty entityTypes
// narrows the declared set; it may not add types the task does not declare.
func (r *Registry) Configure(name string, policy models.TaskPolicy, entityTypes []string) error {
	if err := validatePolicy(policy); err != nil {
		return errors.Wrapf(err, "task '%s'", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[name]
	if !ok {
		return errors.Errorf("task '%s' is not registered", name)
	}
	if len(entityTypes) > 0 {
		for _, t := range entityTypes {
			if !slices.Contains(task.EntityTypes, t) {
				return errors.Errorf("task '%s' does not declare entity type '%s'", name, t)
			}
		}
		task.EntityTypes = slices.Clone(entityTypes)
	}
	task.Policy = policy
	r.tasks[name] = task
	return nil
}

func (r *Registry) Get(name string) (Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	task, ok := r.tasks[name]
	if ok {
		task.EntityTypes = slices.Clone(task.EntityTypes)
	}
	return task, ok
}

// Names returns registered task names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tasks))
	for name := range r.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func validatePolicy(p models.TaskPolicy) error {
	switch {
	case p.BatchSize <= 0:
		return errors.Errorf("batch size must be positive, got %d", p.BatchSize)
	case p.MaxRetries < 0:
		return errors.Errorf("max retries must not be negative, got %d", p.MaxRetries)
	case p.RetryBackoff < 0:
		return errors.Errorf("retry backoff must not be negative, got %s", p.RetryBackoff)
	case p.BackoffMultiplier != 0 && p.BackoffMultiplier < 1:
		return errors.Errorf("backoff multiplier must be >= 1, got %g", p.BackoffMultiplier)
	case p.MaxBackoff < 0 || p.BatchTimeout < 0 || p.StaleAfter < 0:
		return errors.New("durations must not be negative")
	}
	return nil
}
