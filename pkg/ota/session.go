// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package ota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/spf13/afero"
)

const (
	DefaultBlockSize     = 1024
	DefaultMemoryCeiling = 2 * 1024 * 1024

	msgAborted = "upload aborted"
)

var errNoVolume = errors.New("no staging volume configured")

type (
	// Options wires the session to its storage collaborators. Volume and
	// Allocator are optional; without them the corresponding staging
	// medium is treated as unavailable.
	Options struct {
		Partition            PartitionWriter
		Volume               StagingVolume
		Allocator            Allocator
		MemoryCeiling        int
		BlockSize            int
		FormatOnMountFailure bool
		Listeners            []Listener
	}

	// StartRequest describes an upload at chunk index 0
	StartRequest struct {
		Filename         string
		DeclaredLength   uint64
		AllowUnknownSize bool
		ExpectedSHA256   string
	}

	// Chunk is one slice of the upload body
	Chunk struct {
		Index uint64
		Data  []byte
		Final bool
	}

	// Result is the outcome of a session as seen by the completion handler
	Result struct {
		SessionID string
		Backend   BackendKind
		Phase     Phase
		Received  uint64
		Total     uint64
		Message   string
		Err       error
	}

	// Listener observes session boundaries, e.g. to record history or metrics.
	// It is called after the session lock is released.
	Listener interface {
		SessionStarted(id string, req StartRequest, backend BackendKind)
		SessionFinished(res Result)
	}

	// Session is the single update session of the process. Uploads are
	// driven through the *Upload handle returned by Start.
	Session struct {
		mu       sync.Mutex
		opts     Options
		reporter *Reporter

		gen      uint64
		id       string
		phase    Phase
		kind     BackendKind
		received uint64
		total    uint64
		message  string
		err      *Error
		backend  Backend
		finished bool

		// session boundaries queued under mu, delivered once it is released
		notes []func()
	}

	// Upload is the handle of one upload owned by a request handler
	Upload struct {
		s   *Session
		gen uint64
	}
)

func (r Result) Succeeded() bool { return r.Phase == PhaseSucceeded }

func NewSession(opts Options, reporter *Reporter) *Session {
	if opts.BlockSize <= 0 {
		opts.BlockSize = DefaultBlockSize
	}
	if opts.MemoryCeiling <= 0 {
		opts.MemoryCeiling = DefaultMemoryCeiling
	}
	if reporter == nil {
		reporter = NewReporter()
	}
	return &Session{opts: opts, reporter: reporter, phase: PhaseIdle}
}

func (s *Session) Reporter() *Reporter { return s.reporter }

// Phase returns the current phase of the session
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Start begins a new upload. Any leftovers of a previous session are
// released first. A failure to select a storage backend does not return an
// error: the session is put in the Failed phase, later chunks are ignored
// and the failure is reported when the upload is finished. An error is
// returned only when another upload is still in progress.
func (s *Session) Start(req StartRequest) (*Upload, error) {
	s.mu.Lock()
	defer s.unlockAndNotify()

	if s.phase == PhaseReceiving || s.phase == PhaseCommitting {
		return nil, newError(KindBusy, ErrBusy.Error(), nil)
	}
	s.reset()
	s.gen++
	s.id = ulid.Make().String()
	s.phase = PhaseReceiving
	s.total = req.DeclaredLength
	s.publish()

	slog.Info("update started", "session", s.id, "file", req.Filename,
		"declared", req.DeclaredLength, "allow_unknown", req.AllowUnknownSize)

	backend, err := s.selectBackend(req)
	if err != nil {
		s.fail(err)
	} else {
		s.backend = backend
		s.kind = backend.Kind()
		slog.Info("storage backend selected", "session", s.id, "backend", s.kind)
	}
	id, kind := s.id, s.kind
	s.notes = append(s.notes, func() {
		for _, l := range s.opts.Listeners {
			l.SessionStarted(id, req, kind)
		}
	})
	return &Upload{s: s, gen: s.gen}, nil
}

func (s *Session) selectBackend(req StartRequest) (Backend, error) {
	if req.DeclaredLength > 0 {
		free := s.opts.Partition.FreeSpace()
		if req.DeclaredLength > free {
			return nil, newError(KindCapacity, MsgNoSpace,
				fmt.Errorf("declared %d bytes, %d available", req.DeclaredLength, free))
		}
		return newDirectFlash(s.opts.Partition, req.DeclaredLength, req.ExpectedSHA256)
	}
	if !req.AllowUnknownSize {
		return nil, newError(KindRejected, MsgMissingLength, nil)
	}

	fsys, err := s.mountStaging()
	if err == nil {
		return newStagedFile(fsys, s.opts.Partition, s.opts.BlockSize, req.ExpectedSHA256)
	}
	slog.Warn("staging filesystem unavailable, trying memory buffer", "error", err)

	if s.opts.Allocator != nil {
		b, err := newStagedMemory(s.opts.Allocator, s.opts.MemoryCeiling, s.opts.Partition, req.ExpectedSHA256)
		if err == nil {
			slog.Info("memory staging buffer allocated", "ceiling", s.opts.MemoryCeiling)
			return b, nil
		}
		slog.Warn("memory staging buffer unavailable", "ceiling", s.opts.MemoryCeiling, "error", err)
	}
	return nil, newError(KindStorageUnavailable, MsgStorage, nil)
}

// mountStaging mounts the staging volume. When the first mount fails the
// volume is formatted and mounted once more if FormatOnMountFailure is set.
// Formatting destroys whatever the volume held.
func (s *Session) mountStaging() (afero.Fs, error) {
	if s.opts.Volume == nil {
		return nil, errNoVolume
	}
	fsys, err := s.opts.Volume.Mount()
	if err == nil {
		return fsys, nil
	}
	if !s.opts.FormatOnMountFailure {
		return nil, err
	}
	slog.Warn("staging volume mount failed, formatting", "error", err)
	if ferr := s.opts.Volume.Format(); ferr != nil {
		return nil, fmt.Errorf("format after mount failure: %w", ferr)
	}
	return s.opts.Volume.Mount()
}

// reset releases anything a previous session left behind. Must be called
// with the lock held.
func (s *Session) reset() {
	if s.backend != nil {
		s.backend.Release()
		s.backend = nil
	}
	s.id = ""
	s.phase = PhaseIdle
	s.kind = BackendNone
	s.received = 0
	s.total = 0
	s.message = ""
	s.err = nil
	s.finished = false
}

func (s *Session) fail(err error) {
	var e *Error
	if !errors.As(err, &e) {
		e = newError(KindIOFailure, err.Error(), err)
	}
	s.err = e
	s.phase = PhaseFailed
	s.message = e.Message
	if s.backend != nil {
		s.backend.Release()
		s.backend = nil
	}
	s.publish()
	slog.Error("update failed", "session", s.id, "backend", s.kind, "kind", e.Kind, "error", e)
}

func (s *Session) publish() {
	s.reporter.Update(s.id, s.phase, s.received, s.total, s.message)
}

func (s *Session) result() Result {
	res := Result{
		SessionID: s.id,
		Backend:   s.kind,
		Phase:     s.phase,
		Received:  s.received,
		Total:     s.total,
		Message:   s.message,
	}
	if s.err != nil {
		res.Err = s.err
	}
	return res
}

// ID returns the session identifier of the upload
func (u *Upload) ID() string {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	if u.gen != u.s.gen {
		return ""
	}
	return u.s.id
}

// Write forwards one non-final chunk to the storage backend. Chunks are
// silently dropped once the session has failed.
func (u *Upload) Write(p []byte) error {
	s := u.s
	s.mu.Lock()
	defer s.unlockAndNotify()
	if u.gen != s.gen {
		return ErrSessionClosed
	}
	return u.write(p)
}

func (u *Upload) write(p []byte) error {
	s := u.s
	if s.phase != PhaseReceiving {
		return nil
	}
	if err := s.backend.Write(p); err != nil {
		s.fail(err)
		return nil
	}
	s.received += uint64(len(p))
	s.publish()
	return nil
}

// HandleChunk applies one chunk of the upload; the final chunk also
// finishes the session. The returned Result is only meaningful for the
// final chunk.
func (u *Upload) HandleChunk(ctx context.Context, c Chunk) (Result, error) {
	s := u.s
	s.mu.Lock()
	defer s.unlockAndNotify()
	if u.gen != s.gen {
		return Result{}, ErrSessionClosed
	}
	if len(c.Data) > 0 {
		if err := u.write(c.Data); err != nil {
			return Result{}, err
		}
	}
	if !c.Final {
		return s.result(), nil
	}
	return u.finish(ctx), nil
}

// Finish commits the upload into the firmware partition, or releases the
// backend when the session has already failed.
func (u *Upload) Finish(ctx context.Context) (Result, error) {
	s := u.s
	s.mu.Lock()
	defer s.unlockAndNotify()
	if u.gen != s.gen {
		return Result{}, ErrSessionClosed
	}
	return u.finish(ctx), nil
}

func (u *Upload) finish(ctx context.Context) Result {
	s := u.s
	if s.phase != PhaseReceiving {
		if s.backend != nil {
			s.backend.Release()
			s.backend = nil
		}
		return s.notifyFinished()
	}

	s.phase = PhaseCommitting
	s.publish()
	if s.kind != BackendDirectFlash {
		slog.Info("committing staged image", "session", s.id, "backend", s.kind, "bytes", s.received)
	}

	backend := s.backend
	msg, err := backend.Commit(ctx, func(written, total uint64) {
		s.received = written
		s.total = total
		s.publish()
	})
	backend.Release()
	s.backend = nil

	if err != nil {
		s.fail(err)
	} else {
		s.phase = PhaseSucceeded
		s.message = msg
		s.publish()
		slog.Info("update finished", "session", s.id, "backend", s.kind, "bytes", s.received, "msg", msg)
	}
	return s.notifyFinished()
}

func (s *Session) notifyFinished() Result {
	res := s.result()
	if s.finished || !res.Phase.IsTerminal() {
		return res
	}
	s.finished = true
	s.notes = append(s.notes, func() {
		for _, l := range s.opts.Listeners {
			l.SessionFinished(res)
		}
	})
	return res
}

// unlockAndNotify releases the lock, then hands the queued session
// boundaries to the listeners. Listeners may do disk I/O and must not hold
// up Phase or a concurrent Start.
func (s *Session) unlockAndNotify() {
	notes := s.notes
	s.notes = nil
	s.mu.Unlock()
	for _, n := range notes {
		n()
	}
}

// Close hands the outcome back to the session and returns it to Idle. An
// upload closed before its final chunk is treated as aborted: its backend is
// released and the failure is reported. The reporter keeps the terminal
// snapshot so pollers can observe it until the next upload starts.
func (u *Upload) Close() {
	s := u.s
	s.mu.Lock()
	defer s.unlockAndNotify()
	if u.gen != s.gen {
		return
	}
	if s.phase == PhaseReceiving || s.phase == PhaseCommitting {
		s.fail(newError(KindIOFailure, msgAborted, nil))
	}
	s.notifyFinished()
	if s.backend != nil {
		s.backend.Release()
		s.backend = nil
	}
	s.phase = PhaseIdle
	s.gen++
}
