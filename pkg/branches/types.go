package branches

import (
	"errors"
	"sort"
	"time"
)

// Status is the lifecycle state of a branch
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	return s == StatusActive || s == StatusInactive
}

var (
	// ErrNotFound is returned when a branch does not exist
	ErrNotFound = errors.New("branch not found")

	// ErrCycle is returned when a parent assignment would create a cycle
	ErrCycle = errors.New("branch parent would create a cycle")

	// ErrInvalidStatus is returned for an unknown branch status
	ErrInvalidStatus = errors.New("invalid branch status")
)

// Branch is a campus or office in the branch tree
type Branch struct {
	ID             int64     `json:"id"`
	Name           string    `json:"name"`
	Code           string    `json:"code"`
	ParentBranchID *int64    `json:"parent_branch_id,omitempty"`
	Status         Status    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// IsActive reports whether the branch is active
func (b *Branch) IsActive() bool {
	return b != nil && b.Status == StatusActive
}

// IDSet is a set of branch ids
type IDSet map[int64]struct{}

// NewIDSet builds a set from ids
func NewIDSet(ids ...int64) IDSet {
	s := make(IDSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Contains reports whether id is in the set
func (s IDSet) Contains(id int64) bool {
	_, ok := s[id]
	return ok
}

// Slice returns the ids in ascending order
func (s IDSet) Slice() []int64 {
	ids := make([]int64, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// clone returns a copy so cached sets are never mutated by callers
func (s IDSet) clone() IDSet {
	c := make(IDSet, len(s))
	for id := range s {
		c[id] = struct{}{}
	}
	return c
}
