// Package svcutil provides helpers for composing pathfinder's long-running
// pieces (listeners, domain event loops with their orphan expiry, metrics
// sampling) as
// suture.Service values under one supervisor, the same way syncthing's
// lib/svcutil does for its connection and folder services.
package svcutil

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/pombredanne/paf/internal/logger"
)

const ServiceTimeout = 10 * time.Second

// FatalErr marks an error as fatal to the whole process, carrying the exit
// status the process should use.
type FatalErr struct {
	Err    error
	Status ExitStatus
}

// AsFatalErr wraps err as a FatalErr, unless it already is one.
func AsFatalErr(err error, status ExitStatus) *FatalErr {
	var ferr *FatalErr
	if errors.As(err, &ferr) {
		return ferr
	}
	return &FatalErr{Err: err, Status: status}
}

func (e *FatalErr) Error() string { return e.Err.Error() }
func (e *FatalErr) Unwrap() error { return e.Err }
func (e *FatalErr) Is(target error) bool {
	return target == suture.ErrTerminateSupervisorTree
}

// NoRestartErr wraps err (which may be nil) so that
// errors.Is(err, suture.ErrDoNotRestart) is true, telling the supervisor not
// to restart the service that returned it.
func NoRestartErr(err error) error {
	if err == nil {
		return suture.ErrDoNotRestart
	}
	return &noRestartErr{err}
}

type noRestartErr struct{ err error }

func (e *noRestartErr) Error() string   { return e.err.Error() }
func (e *noRestartErr) Unwrap() error   { return e.err }
func (e *noRestartErr) Is(t error) bool { return t == suture.ErrDoNotRestart }

type ExitStatus int

const (
	ExitSuccess ExitStatus = 0
	ExitError   ExitStatus = 1
	ExitConfig  ExitStatus = 2
)

func (s ExitStatus) AsInt() int { return int(s) }

// ServiceWithError is a suture.Service that remembers the error it last
// returned from Serve, for diagnostics.
type ServiceWithError interface {
	suture.Service
	fmt.Stringer
	Error() error
}

// AsService wraps fn as a suture.Service.
func AsService(fn func(ctx context.Context) error, creator string) ServiceWithError {
	return &service{creator: creator, serve: fn}
}

type service struct {
	creator string
	serve   func(ctx context.Context) error
	err     error
	mut     sync.Mutex
}

func (s *service) Serve(ctx context.Context) error {
	s.mut.Lock()
	s.err = nil
	s.mut.Unlock()

	err := s.serve(ctx)

	s.mut.Lock()
	s.err = err
	s.mut.Unlock()

	return err
}

func (s *service) Error() error {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.err
}

func (s *service) String() string {
	return fmt.Sprintf("Service@%p created by %v", s, s.creator)
}

type doneService func()

func (fn doneService) Serve(ctx context.Context) error {
	<-ctx.Done()
	fn()
	return nil
}

// OnSupervisorDone calls fn once sup has finished shutting down.
func OnSupervisorDone(sup *suture.Supervisor, fn func()) {
	sup.Add(doneService(fn))
}

// SpecWithInfoLogger returns a suture.Spec that routes supervisor events
// through l at info level.
func SpecWithInfoLogger(l logger.Logger) suture.Spec {
	return spec(func(e suture.Event) { l.Infoln(e) })
}

func spec(hook suture.EventHook) suture.Spec {
	return suture.Spec{
		EventHook:                hook,
		Timeout:                  ServiceTimeout,
		PassThroughPanics:        true,
		DontPropagateTermination: false,
	}
}
