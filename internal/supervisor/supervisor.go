// Copyright 2025 VoiceLearn
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package supervisor owns the lifecycle of registered child services: spawn,
// stop, restart, reconciliation with externally started instances, and memory
// accounting.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-multierror"

	"github.com/voicelearn/mgmtd/internal/clock"
	"github.com/voicelearn/mgmtd/internal/config"
	"github.com/voicelearn/mgmtd/internal/events"
	"github.com/voicelearn/mgmtd/internal/logs"
)

// Service statuses.
const (
	StatusStopped  = "stopped"
	StatusStarting = "starting"
	StatusRunning  = "running"
	StatusError    = "error"
)

var (
	ErrServiceNotFound = errors.New("service not found")
	ErrAlreadyRunning  = errors.New("service is already running")
)

const (
	healthProbeTimeout = 2 * time.Second
	spawnSettleDelay   = 2 * time.Second
	stopGracePeriod    = 1 * time.Second
	restartPause       = 1 * time.Second

	// WatchInterval is the owned-process reconciliation cadence.
	WatchInterval = 10 * time.Second

	// Auto-restart policy: at most maxRestartAttempts within restartWindow,
	// spaced by exponential backoff; then the service parks in error.
	restartWindow      = 10 * time.Minute
	maxRestartAttempts = 3
)

// View is the JSON shape of one service.
type View struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	ServiceType  string   `json:"service_type"`
	Port         int      `json:"port"`
	Status       string   `json:"status"`
	PID          *int     `json:"pid"`
	StartedAt    *float64 `json:"started_at"`
	ErrorMessage string   `json:"error_message"`
	AutoRestart  bool     `json:"auto_restart"`
	HealthURL    string   `json:"health_url"`
	Memory       Memory   `json:"memory"`
}

// Report is the full services response.
type Report struct {
	Services      []View       `json:"services"`
	Total         int          `json:"total"`
	Running       int          `json:"running"`
	Stopped       int          `json:"stopped"`
	Error         int          `json:"error"`
	TotalMemoryMB float64      `json:"total_memory_mb"`
	SystemMemory  SystemMemory `json:"system_memory"`
}

type restartState struct {
	attempts []time.Time
	bo       *backoff.ExponentialBackOff
	nextTry  time.Time
}

type service struct {
	spec      config.ServiceConfig
	status    string
	pid       int
	startedAt float64
	errMsg    string
	handle    Handle
	restart   restartState
}

// CommandRunner executes a host command; injected for tests.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// Options configure a Supervisor. Zero fields take production defaults.
type Options struct {
	Start  StartFunc
	Runner CommandRunner
	Kill   func(pid int, sig syscall.Signal) error
	Memory func(pid int) Memory
	SysMem func() SystemMemory
	Client *http.Client
}

// Supervisor owns the service table. All per-service state transitions are
// serialized under one mutex.
type Supervisor struct {
	log    logs.StructuredLogger
	clock  clock.Clock
	sink   events.Sink
	client *http.Client
	start  StartFunc
	runner CommandRunner
	kill   func(pid int, sig syscall.Signal) error
	memOf  func(pid int) Memory
	sysMem func() SystemMemory

	mu       sync.Mutex
	services map[string]*service
	order    []string
}

func New(log logs.StructuredLogger, c clock.Clock, sink events.Sink, specs []config.ServiceConfig, opts Options) *Supervisor {
	if opts.Start == nil {
		opts.Start = StartProcess
	}
	if opts.Runner == nil {
		opts.Runner = func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, name, args...).Output()
		}
	}
	if opts.Kill == nil {
		opts.Kill = syscall.Kill
	}
	if opts.Memory == nil {
		opts.Memory = ReadProcessMemory
	}
	if opts.SysMem == nil {
		opts.SysMem = ReadSystemMemory
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: healthProbeTimeout}
	}

	s := &Supervisor{
		log:      log,
		clock:    c,
		sink:     sink,
		client:   opts.Client,
		start:    opts.Start,
		runner:   opts.Runner,
		kill:     opts.Kill,
		memOf:    opts.Memory,
		sysMem:   opts.SysMem,
		services: make(map[string]*service),
	}
	for _, spec := range specs {
		s.services[spec.ID] = &service{spec: spec, status: StatusStopped}
		s.order = append(s.order, spec.ID)
	}
	return s
}

// Start spawns one service. A service that is already starting, holds a live
// process, or answers its health URL is a conflict.
func (s *Supervisor) Start(ctx context.Context, id string) (string, error) {
	s.mu.Lock()
	svc, ok := s.services[id]
	if !ok {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrServiceNotFound, id)
	}
	if svc.status == StatusStarting {
		s.mu.Unlock()
		return "", ErrAlreadyRunning
	}
	if svc.handle != nil {
		if exited, _ := svc.handle.Exited(); !exited {
			s.mu.Unlock()
			return "", ErrAlreadyRunning
		}
	}
	// Claiming the starting status under the lock is what keeps a concurrent
	// second caller from spawning too.
	svc.status = StatusStarting
	svc.errMsg = ""
	spec := svc.spec
	s.mu.Unlock()
	s.broadcast(id)

	if s.healthy(ctx, spec.HealthURL) {
		s.mu.Lock()
		svc.status = StatusRunning
		s.mu.Unlock()
		s.broadcast(id)
		return "", fmt.Errorf("%w on port %d", ErrAlreadyRunning, spec.Port)
	}

	s.log.Infof("starting service %s: %s", spec.Name, strings.Join(spec.Command, " "))
	handle, err := s.start(spec)
	if err != nil {
		s.mu.Lock()
		svc.status = StatusError
		svc.errMsg = err.Error()
		s.mu.Unlock()
		s.broadcast(id)
		return "", fmt.Errorf("starting %s: %w", id, err)
	}

	s.mu.Lock()
	svc.handle = handle
	svc.pid = handle.PID()
	svc.startedAt = unix(s.clock.Now())
	s.mu.Unlock()

	if !s.wait(ctx, spawnSettleDelay) {
		return "", ctx.Err()
	}

	if exited, code := handle.Exited(); exited {
		out := handle.Output()
		if len(out) > 500 {
			out = out[len(out)-500:]
		}
		msg := fmt.Sprintf("Process exited with code %d: %s", code, out)
		s.mu.Lock()
		svc.status = StatusError
		svc.errMsg = msg
		s.mu.Unlock()
		s.broadcast(id)
		return "", errors.New(msg)
	}

	s.mu.Lock()
	svc.status = StatusRunning
	pid := svc.pid
	s.mu.Unlock()
	s.broadcast(id)
	s.log.Infof("service %s started with pid %d", spec.Name, pid)
	return fmt.Sprintf("Service started with PID %d", pid), nil
}

// Stop terminates one service: SIGTERM, a grace period, SIGKILL if needed,
// plus a sweep of whatever listens on the service port. Stopping a stopped
// service is a no-op.
func (s *Supervisor) Stop(ctx context.Context, id string) error {
	s.mu.Lock()
	svc, ok := s.services[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrServiceNotFound, id)
	}
	pid := svc.pid
	port := svc.spec.Port
	name := svc.spec.Name
	s.mu.Unlock()

	if pid != 0 {
		if err := s.kill(pid, syscall.SIGTERM); err == nil {
			s.wait(ctx, stopGracePeriod)
			if s.kill(pid, 0) == nil {
				_ = s.kill(pid, syscall.SIGKILL)
			}
		} else {
			s.log.Warnf("could not signal pid %d: %v", pid, err)
		}
	}

	// Sweep the port for externally started instances.
	if out, err := s.runner(ctx, "lsof", "-t", "-i", ":"+strconv.Itoa(port)); err == nil {
		for _, field := range strings.Fields(strings.TrimSpace(string(out))) {
			if p, err := strconv.Atoi(field); err == nil && p != pid {
				_ = s.kill(p, syscall.SIGTERM)
			}
		}
	}

	s.mu.Lock()
	svc.status = StatusStopped
	svc.pid = 0
	svc.startedAt = 0
	svc.handle = nil
	s.mu.Unlock()
	s.broadcast(id)
	s.log.Infof("service %s stopped", name)
	return nil
}

// Restart stops, pauses, and starts.
func (s *Supervisor) Restart(ctx context.Context, id string) (string, error) {
	if err := s.Stop(ctx, id); err != nil {
		return "", err
	}
	if !s.wait(ctx, restartPause) {
		return "", ctx.Err()
	}
	return s.Start(ctx, id)
}

// StartAll starts every registered service, collecting per-service outcomes.
func (s *Supervisor) StartAll(ctx context.Context) (map[string]string, error) {
	results := make(map[string]string)
	var errs error
	for _, id := range s.ids() {
		msg, err := s.Start(ctx, id)
		if err != nil {
			results[id] = err.Error()
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", id, err))
			continue
		}
		results[id] = msg
	}
	return results, errs
}

// StopAll stops every registered service.
func (s *Supervisor) StopAll(ctx context.Context) (map[string]string, error) {
	results := make(map[string]string)
	var errs error
	for _, id := range s.ids() {
		if err := s.Stop(ctx, id); err != nil {
			results[id] = err.Error()
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", id, err))
			continue
		}
		results[id] = "Service stopped"
	}
	return results, errs
}

// DetectExisting reconciles with services a human started outside the
// daemon: a stopped service whose health URL answers is marked running with
// its pid resolved from the port. Called once at startup.
func (s *Supervisor) DetectExisting(ctx context.Context) {
	for _, id := range s.ids() {
		s.mu.Lock()
		svc := s.services[id]
		stopped := svc.status == StatusStopped
		spec := svc.spec
		s.mu.Unlock()
		if !stopped || !s.healthy(ctx, spec.HealthURL) {
			continue
		}

		s.mu.Lock()
		svc.status = StatusRunning
		svc.startedAt = unix(s.clock.Now())
		s.mu.Unlock()

		if out, err := s.runner(ctx, "lsof", "-t", "-i", ":"+strconv.Itoa(spec.Port)); err == nil {
			fields := strings.Fields(strings.TrimSpace(string(out)))
			if len(fields) > 0 {
				if pid, err := strconv.Atoi(fields[0]); err == nil {
					s.mu.Lock()
					svc.pid = pid
					s.mu.Unlock()
				}
			}
		}
		s.log.Infof("detected running service %s on port %d", spec.Name, spec.Port)
	}
}

// RefreshStatuses re-probes every running service. An unhealthy service whose
// owned process has exited carries the exit code; otherwise the generic
// health-check failure.
func (s *Supervisor) RefreshStatuses(ctx context.Context) {
	for _, id := range s.ids() {
		s.mu.Lock()
		svc := s.services[id]
		running := svc.status == StatusRunning
		url := svc.spec.HealthURL
		handle := svc.handle
		s.mu.Unlock()
		if !running || s.healthy(ctx, url) {
			continue
		}

		msg := "Health check failed"
		if handle != nil {
			if exited, code := handle.Exited(); exited {
				msg = fmt.Sprintf("Process exited with code %d", code)
			}
		}
		s.mu.Lock()
		svc.status = StatusError
		svc.errMsg = msg
		s.mu.Unlock()
	}
}

// Report refreshes statuses and returns the full table with memory totals.
func (s *Supervisor) Report(ctx context.Context) Report {
	s.RefreshStatuses(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	r := Report{Services: []View{}, SystemMemory: s.sysMem()}
	for _, id := range s.order {
		svc := s.services[id]
		v := s.viewLocked(svc)
		r.Services = append(r.Services, v)
		r.Total++
		switch svc.status {
		case StatusRunning:
			r.Running++
		case StatusStopped:
			r.Stopped++
		case StatusError:
			r.Error++
		}
		r.TotalMemoryMB += v.Memory.RSSMB
	}
	r.TotalMemoryMB = round1(r.TotalMemoryMB)
	return r
}

// SystemMemory reports the host memory totals.
func (s *Supervisor) SystemMemory() SystemMemory {
	return s.sysMem()
}

// Get returns one service view.
func (s *Supervisor) Get(id string) (View, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	svc, ok := s.services[id]
	if !ok {
		return View{}, fmt.Errorf("%w: %s", ErrServiceNotFound, id)
	}
	return s.viewLocked(svc), nil
}

// Watch reconciles owned processes until ctx is cancelled, applying the
// auto-restart policy to services that die unexpectedly.
func (s *Supervisor) Watch(ctx context.Context) {
	clock.Loop(ctx, s.clock, WatchInterval, func(time.Time) {
		s.checkOwned(ctx)
	})
}

func (s *Supervisor) checkOwned(ctx context.Context) {
	for _, id := range s.ids() {
		s.mu.Lock()
		svc := s.services[id]
		handle := svc.handle
		running := svc.status == StatusRunning
		s.mu.Unlock()
		if !running || handle == nil {
			continue
		}
		exited, code := handle.Exited()
		if !exited {
			continue
		}

		if !svc.spec.AutoRestart {
			s.mu.Lock()
			svc.status = StatusError
			svc.errMsg = fmt.Sprintf("Process exited with code %d", code)
			svc.handle = nil
			s.mu.Unlock()
			s.broadcast(id)
			continue
		}
		s.tryAutoRestart(ctx, id, svc, code)
	}
}

func (s *Supervisor) tryAutoRestart(ctx context.Context, id string, svc *service, code int) {
	now := s.clock.Now()

	s.mu.Lock()
	rs := &svc.restart
	kept := rs.attempts[:0]
	for _, t := range rs.attempts {
		if now.Sub(t) < restartWindow {
			kept = append(kept, t)
		}
	}
	rs.attempts = kept
	if len(rs.attempts) == 0 {
		rs.bo = nil
	}
	if len(rs.attempts) >= maxRestartAttempts {
		svc.status = StatusError
		svc.errMsg = fmt.Sprintf("Process exited with code %d; auto-restart limit reached", code)
		svc.handle = nil
		s.mu.Unlock()
		s.broadcast(id)
		s.log.Warnf("service %s exceeded auto-restart limit", id)
		return
	}
	if !rs.nextTry.IsZero() && now.Before(rs.nextTry) {
		s.mu.Unlock()
		return
	}
	if rs.bo == nil {
		rs.bo = backoff.NewExponentialBackOff()
		rs.bo.InitialInterval = 2 * time.Second
		rs.bo.MaxInterval = time.Minute
		rs.bo.MaxElapsedTime = 0
	}
	rs.attempts = append(rs.attempts, now)
	rs.nextTry = now.Add(rs.bo.NextBackOff())
	attempt := len(rs.attempts)
	svc.status = StatusError
	svc.errMsg = fmt.Sprintf("Process exited with code %d", code)
	svc.handle = nil
	s.mu.Unlock()

	s.log.Infof("auto-restarting service %s (attempt %d)", id, attempt)
	if _, err := s.Start(ctx, id); err != nil {
		s.log.Warnf("auto-restart of %s failed: %v", id, err)
	}
}

func (s *Supervisor) viewLocked(svc *service) View {
	v := View{
		ID:           svc.spec.ID,
		Name:         svc.spec.Name,
		ServiceType:  svc.spec.Kind,
		Port:         svc.spec.Port,
		Status:       svc.status,
		ErrorMessage: svc.errMsg,
		AutoRestart:  svc.spec.AutoRestart,
		HealthURL:    svc.spec.HealthURL,
	}
	if svc.pid != 0 {
		pid := svc.pid
		v.PID = &pid
		v.Memory = s.memOf(pid)
	}
	if svc.startedAt != 0 {
		at := svc.startedAt
		v.StartedAt = &at
	}
	return v
}

func (s *Supervisor) broadcast(id string) {
	if s.sink == nil {
		return
	}
	s.mu.Lock()
	svc, ok := s.services[id]
	var v View
	if ok {
		v = s.viewLocked(svc)
	}
	s.mu.Unlock()
	if ok {
		s.sink.Broadcast(events.TypeServiceUpdate, v)
	}
}

func (s *Supervisor) healthy(ctx context.Context, url string) bool {
	ctx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// wait sleeps on the injected clock; false means ctx was cancelled.
func (s *Supervisor) wait(ctx context.Context, d time.Duration) bool {
	select {
	case <-s.clock.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Supervisor) ids() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

func unix(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
