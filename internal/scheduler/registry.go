package scheduler

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/Iron-Ham/foreman/internal/errors"
	"github.com/Iron-Ham/foreman/internal/logging"
)

// Registry owns one Scheduler per project. Callers address projects by id
// and never touch scheduler state directly.
type Registry struct {
	mu         sync.RWMutex
	schedulers map[string]*Scheduler
	logger     *logging.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *logging.Logger) *Registry {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Registry{
		schedulers: make(map[string]*Scheduler),
		logger:     logger,
	}
}

// Add registers s. Each project id may be registered once.
func (r *Registry) Add(s *Scheduler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.schedulers[s.ProjectID()]; exists {
		return errors.NewValidationError("project already registered").
			WithField("project_id").
			WithValue(s.ProjectID())
	}
	r.schedulers[s.ProjectID()] = s
	return nil
}

// Get returns the scheduler for projectID.
func (r *Registry) Get(projectID string) (*Scheduler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schedulers[projectID]
	return s, ok
}

func (r *Registry) all() []*Scheduler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Scheduler, 0, len(r.schedulers))
	for _, s := range r.schedulers {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProjectID() < out[j].ProjectID() })
	return out
}

// EnsureRunning starts projectID's loop if needed.
func (r *Registry) EnsureRunning(ctx context.Context, projectID string) error {
	s, ok := r.Get(projectID)
	if !ok {
		return errors.NewNotFoundError("project", projectID)
	}
	s.EnsureRunning(ctx)
	return nil
}

// EnsureAllRunning starts every registered loop.
func (r *Registry) EnsureAllRunning(ctx context.Context) {
	for _, s := range r.all() {
		s.EnsureRunning(ctx)
	}
}

// Nudge wakes projectID's loop. It reports whether an iteration started.
func (r *Registry) Nudge(projectID, reason string) (bool, error) {
	s, ok := r.Get(projectID)
	if !ok {
		return false, errors.NewNotFoundError("project", projectID)
	}
	return s.Nudge(reason), nil
}

// NudgeAll wakes every loop.
func (r *Registry) NudgeAll(reason string) {
	for _, s := range r.all() {
		s.Nudge(reason)
	}
}

// Status returns every project's status ordered by project id.
func (r *Registry) Status() []Status {
	schedulers := r.all()
	out := make([]Status, 0, len(schedulers))
	for _, s := range schedulers {
		out = append(out, s.Status())
	}
	return out
}

// RecoverAll runs crash recovery for every project concurrently without
// starting their loops. Live agents are left running.
func (r *Registry) RecoverAll(ctx context.Context) (map[string]RecoveryAction, error) {
	schedulers := r.all()
	actions := make([]RecoveryAction, len(schedulers))

	g, ctx := errgroup.WithContext(ctx)
	for i, s := range schedulers {
		g.Go(func() error {
			action, err := s.Recover(ctx)
			if err != nil {
				return errors.Wrapf(err, "recovery failed for project %s", s.ProjectID())
			}
			actions[i] = action
			r.logger.Info("project recovered", "project", s.ProjectID(), "action", action.String())
			return nil
		})
	}
	err := g.Wait()

	out := make(map[string]RecoveryAction, len(schedulers))
	for i, s := range schedulers {
		out[s.ProjectID()] = actions[i]
	}
	return out, err
}

// Shutdown stops every loop. Running agents keep running and are
// re-attached on the next start.
func (r *Registry) Shutdown() {
	var wg sync.WaitGroup
	for _, s := range r.all() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Stop()
		}()
	}
	wg.Wait()
}
