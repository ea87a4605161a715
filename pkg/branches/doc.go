// Package branches holds the campus branch tree and answers scope questions about it.
//
// # Overview
//
// A school chain is modelled as a tree of branches: a head office with any number of
// descendant campuses. Authorization only ever needs two questions answered:
//
//	descendants, err := svc.DescendantIDs(ctx, homeBranchID) // branch + all transitive children
//	ok, err := svc.IsDescendantOf(ctx, targetID, homeBranchID)
//
// # Hierarchy
//
// Hierarchy is an immutable arena built from a snapshot of every branch row. Traversal is
// breadth-first over child links with a visited set, so malformed data (a parent cycle)
// terminates instead of looping. A branch id that is not in the arena has an empty
// descendant set; absence never widens access.
//
// # Service
//
// Service wraps the SQL Store with a bounded-staleness cache of the hierarchy and of
// individual descendant sets. Every write through the Service invalidates the cache and
// notifies registered listeners (see rbac.Invalidator for cross-instance fan-out).
package branches
