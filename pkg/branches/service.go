package branches

import (
	"context"
	"fmt"
	"sync"

	"github.com/platinummonkey/campus/pkg/cache"
)

const snapshotKey = "hierarchy"

// Service serves branch lookups from a cached hierarchy snapshot
type Service struct {
	store       *Store
	hierarchy   *cache.ReadThrough[string, *Hierarchy]
	descendants *cache.ReadThrough[int64, IDSet]

	mu        sync.RWMutex
	listeners []func()
}

// NewService creates a branch service. A nil config uses cache defaults.
func NewService(store *Store, config *cache.Config) *Service {
	if config == nil {
		config = cache.DefaultConfig("branches")
	}

	s := &Service{store: store}
	s.hierarchy = cache.NewReadThrough[string, *Hierarchy](config, func(ctx context.Context, _ string) (*Hierarchy, error) {
		return s.loadHierarchy(ctx)
	})

	descConfig := *config
	descConfig.Name = config.Name + "_descendants"
	s.descendants = cache.NewReadThrough[int64, IDSet](&descConfig, func(ctx context.Context, id int64) (IDSet, error) {
		h, err := s.Hierarchy(ctx)
		if err != nil {
			return nil, err
		}
		return h.DescendantIDs(id), nil
	})

	return s
}

// WithRecorder reports cache hits and misses to r
func (s *Service) WithRecorder(r cache.Recorder) *Service {
	s.hierarchy.WithRecorder(r)
	s.descendants.WithRecorder(r)
	return s
}

func (s *Service) loadHierarchy(ctx context.Context) (*Hierarchy, error) {
	snapshot, err := s.store.ListBranches(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load branch snapshot: %w", err)
	}
	return NewHierarchy(snapshot), nil
}

// Hierarchy returns the current cached hierarchy
func (s *Service) Hierarchy(ctx context.Context) (*Hierarchy, error) {
	return s.hierarchy.Get(ctx, snapshotKey)
}

// Get returns a branch by id, or ErrNotFound
func (s *Service) Get(ctx context.Context, id int64) (*Branch, error) {
	h, err := s.Hierarchy(ctx)
	if err != nil {
		return nil, err
	}

	b, ok := h.Get(id)
	if !ok {
		return nil, ErrNotFound
	}
	return &b, nil
}

// List returns every branch ordered by id
func (s *Service) List(ctx context.Context) ([]Branch, error) {
	return s.store.ListBranches(ctx)
}

// DescendantIDs returns the branch and all of its transitive children.
// A missing branch yields an empty set and no error.
func (s *Service) DescendantIDs(ctx context.Context, id int64) (IDSet, error) {
	set, err := s.descendants.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return set.clone(), nil
}

// IsDescendantOf reports whether candidate is ancestor or one of its descendants
func (s *Service) IsDescendantOf(ctx context.Context, candidate, ancestor int64) (bool, error) {
	set, err := s.descendants.Get(ctx, ancestor)
	if err != nil {
		return false, err
	}
	return set.Contains(candidate), nil
}

// Create persists a new branch and invalidates cached state
func (s *Service) Create(ctx context.Context, branch *Branch) error {
	if err := s.store.CreateBranch(ctx, branch); err != nil {
		return err
	}
	s.Invalidate()
	return nil
}

// Update persists branch changes and invalidates cached state
func (s *Service) Update(ctx context.Context, branch *Branch) error {
	if err := s.store.UpdateBranch(ctx, branch); err != nil {
		return err
	}
	s.Invalidate()
	return nil
}

// SetStatus changes a branch status and invalidates cached state
func (s *Service) SetStatus(ctx context.Context, id int64, status Status) error {
	if err := s.store.SetStatus(ctx, id, status); err != nil {
		return err
	}
	s.Invalidate()
	return nil
}

// OnInvalidate registers fn to run after every local write invalidation
func (s *Service) OnInvalidate(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Invalidate purges the caches and notifies listeners
func (s *Service) Invalidate() {
	s.Purge()

	s.mu.RLock()
	listeners := append([]func(){}, s.listeners...)
	s.mu.RUnlock()

	for _, fn := range listeners {
		fn()
	}
}

// Purge drops cached state without notifying listeners
func (s *Service) Purge() {
	s.hierarchy.Purge()
	s.descendants.Purge()
}
