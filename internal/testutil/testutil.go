// Package testutil holds assertions and polling helpers shared by package tests.
package testutil

import (
  "context"
  "errors"
  "testing"
  "time"
)

// TestTimeout is the default timeout for tests
const TestTimeout = 5 * time.Second

// WithTimeout creates a context with the default test timeout
func WithTimeout(t *testing.T) (context.Context, context.CancelFunc) {
  t.Helper()
  return context.WithTimeout(context.Background(), TestTimeout)
}

// AssertNoError fails the test if err is not nil
func AssertNoError(t *testing.T, err error) {
  t.Helper()
  if err != nil {
    t.Fatalf("unexpected error: %v", err)
  }
}

// AssertError fails the test if err is nil
func AssertError(t *testing.T, err error) {
  t.Helper()
  if err == nil {
    t.Fatal("expected error, got nil")
  }
}

// AssertErrorIs fails the test unless errors.Is(err, target).
func AssertErrorIs(t *testing.T, err, target error) {
  t.Helper()
  if !errors.Is(err, target) {
    t.Fatalf("got error %v, want %v", err, target)
  }
}

// AssertEqual fails the test if got != want
func AssertEqual[T comparable](t *testing.T, got, want T) {
  t.Helper()
  if got != want {
    t.Fatalf("got %v, want %v", got, want)
  }
}

// Eventually polls cond every interval until it returns true, failing the
// test if timeout elapses first.
func Eventually(t *testing.T, cond func() bool, timeout, interval time.Duration) {
  t.Helper()
  deadline := time.Now().Add(timeout)
  for {
    if cond() {
      return
    }
    if time.Now().After(deadline) {
      t.Fatalf("condition not met within %v", timeout)
    }
    time.Sleep(interval)
  }
}
