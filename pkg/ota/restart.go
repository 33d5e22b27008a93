// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package ota

import (
	"log/slog"
	"sync"
	"time"
)

type (
	// Restarter performs the unconditional device restart
	Restarter interface {
		Restart() error
	}
	// RestarterFunc adapts a plain function to Restarter
	RestarterFunc func() error

	// RestartScheduler arms a one-shot delayed restart, decoupled from the
	// request that triggered it so the response can reach the client first.
	RestartScheduler struct {
		mu        sync.Mutex
		timer     *time.Timer
		restarter Restarter
		afterFunc func(time.Duration, func()) *time.Timer
	}
)

func (f RestarterFunc) Restart() error { return f() }

func NewRestartScheduler(restarter Restarter) *RestartScheduler {
	return &RestartScheduler{
		restarter: restarter,
		afterFunc: time.AfterFunc,
	}
}

// Schedule arms the restart timer. Only one restart may be pending at a
// time; a second request is refused and false is returned.
func (s *RestartScheduler) Schedule(delay time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		slog.Warn("restart already scheduled, ignoring request", "delay", delay)
		return false
	}
	slog.Info("device restart scheduled", "delay", delay)
	s.timer = s.afterFunc(delay, s.fire)
	return true
}

// Pending reports whether a restart is armed and has not fired yet.
func (s *RestartScheduler) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil
}

// Stop disarms a pending restart. It is used on server shutdown.
func (s *RestartScheduler) Stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer == nil {
		return false
	}
	stopped := s.timer.Stop()
	s.timer = nil
	return stopped
}

func (s *RestartScheduler) fire() {
	s.mu.Lock()
	s.timer = nil
	s.mu.Unlock()
	slog.Info("restarting device now")
	if err := s.restarter.Restart(); err != nil {
		slog.Error("device restart failed", "error", err)
	}
}
