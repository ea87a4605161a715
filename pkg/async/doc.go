// Package async runs background work that must not take the process down:
// every task gets a deadline, and panics and errors are logged instead of
// propagated.
package async
