// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/foundriesio/fwota/internal/db"
	"github.com/foundriesio/fwota/internal/events"
	"github.com/foundriesio/fwota/internal/images"
	"github.com/foundriesio/fwota/internal/logstream"
	"github.com/foundriesio/fwota/internal/metrics"
	"github.com/foundriesio/fwota/internal/server"
	"github.com/foundriesio/fwota/internal/sysinfo"
	"github.com/foundriesio/fwota/internal/volume"
	"github.com/foundriesio/fwota/pkg/config"
	"github.com/foundriesio/fwota/pkg/ota"
	"github.com/foundriesio/fwota/pkg/partition"
)

var ErrNoRestarter = errors.New("no restart command configured")

type (
	// Engine is the update engine of a device wired from its configuration
	Engine struct {
		Config    *config.Config
		Partition *partition.Writer
		Session   *ota.Session
		Scheduler *ota.RestartScheduler
		Recorder  *events.Recorder
		Metrics   *metrics.Metrics
		Registry  *prometheus.Registry
		Hub       *logstream.Hub
		Device    sysinfo.Info
		Server    *server.Server

		// set when the engine created Hub and so runs it itself
		ownHub bool
	}
	EngineOpts struct {
		Restarter      ota.Restarter
		Hub            *logstream.Hub
		Device         *sysinfo.Info
		ProcessMetrics bool
	}
	EngineOpt func(*EngineOpts)

	// CommandRestarter restarts the device by running a command
	CommandRestarter []string
)

func WithRestarter(r ota.Restarter) EngineOpt {
	return func(o *EngineOpts) {
		o.Restarter = r
	}
}

// WithLogHub streams the engine logs to the /logs page through hub. The
// caller runs the hub. Without it the engine creates a hub of its own and
// runs it while serving.
func WithLogHub(hub *logstream.Hub) EngineOpt {
	return func(o *EngineOpts) {
		o.Hub = hub
	}
}

func WithDevice(info sysinfo.Info) EngineOpt {
	return func(o *EngineOpts) {
		o.Device = &info
	}
}

func WithProcessMetrics(enabled bool) EngineOpt {
	return func(o *EngineOpts) {
		o.ProcessMetrics = enabled
	}
}

func (c CommandRestarter) Restart() error {
	out, err := exec.Command(c[0], c[1:]...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w: %s", strings.Join(c, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}

func NewEngine(cfg *config.Config, options ...EngineOpt) (*Engine, error) {
	opts := &EngineOpts{}
	for _, o := range options {
		o(opts)
	}
	if opts.Restarter == nil {
		argv := cfg.GetRestartCommand()
		if len(argv) == 0 {
			return nil, ErrNoRestarter
		}
		opts.Restarter = CommandRestarter(argv)
	}
	ownHub := opts.Hub == nil
	if ownHub {
		opts.Hub = logstream.NewHub()
	}
	if opts.Device == nil {
		info := sysinfo.Collect(sysinfo.OSReleasePath)
		opts.Device = &info
	}

	dbPath := cfg.GetDBPath()
	if err := db.InitializeDatabase(dbPath); err != nil {
		return nil, err
	}
	pw, err := partition.New(cfg.GetPartitionPath(), cfg.GetPartitionCapacity())
	if err != nil {
		return nil, err
	}

	e := &Engine{
		Config:    cfg,
		Partition: pw,
		Recorder:  events.NewRecorder(dbPath, pw.Installed),
		Metrics:   metrics.NewMetrics(),
		Registry:  prometheus.NewRegistry(),
		Hub:       opts.Hub,
		ownHub:    ownHub,
		Device:    *opts.Device,
		Scheduler: ota.NewRestartScheduler(opts.Restarter),
	}
	if err := e.Metrics.Register(e.Registry); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	if opts.ProcessMetrics {
		e.Registry.MustRegister(collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	e.Session = ota.NewSession(ota.Options{
		Partition:            pw,
		Volume:               volume.NewDir(cfg.GetStagingPath()),
		Allocator:            volume.NewHeapAllocator(cfg.GetStagingMemoryLimit()),
		MemoryCeiling:        cfg.GetStagingMemoryLimit(),
		BlockSize:            cfg.GetStagingBlockSize(),
		FormatOnMountFailure: cfg.GetFormatOnMountFailure(),
		Listeners:            []ota.Listener{e.Recorder, e.Metrics},
	}, nil)

	e.Server = server.New(server.Options{
		Addr:         cfg.GetListenAddr(),
		User:         cfg.GetUser(),
		Password:     cfg.GetPassword(),
		ChunkSize:    cfg.GetUploadChunkSize(),
		RestartDelay: cfg.GetRestartDelay(),
		Session:      e.Session,
		Restarter:    e.Scheduler,
		Hub:          e.Hub,
		Gatherer:     e.Registry,
		Device:       e.Device,
		Image:        e.imageInfo,
		OnRestart: []server.RestartHook{
			e.Recorder.RestartScheduled,
			func(string, time.Duration) { e.Metrics.RestartScheduled() },
		},
	})
	return e, nil
}

func (e *Engine) imageInfo() (*server.ImageInfo, error) {
	img, err := images.GetCurrentImage(e.Config.GetDBPath())
	if err != nil {
		return nil, err
	}
	return &server.ImageInfo{BootSlot: string(e.Partition.BootSlot()), Current: img}, nil
}

func (e *Engine) Handler() http.Handler {
	return e.Server.Handler()
}

// Serve runs the HTTP server until ctx is done. A restart that has not
// fired yet is cancelled on return.
func (e *Engine) Serve(ctx context.Context) error {
	defer e.Scheduler.Stop()
	if e.ownHub {
		go e.Hub.Run(ctx)
	}
	slog.Info("update engine ready", "device", e.Device.String(), "partition", e.Partition.String(),
		"boot slot", e.Partition.BootSlot(), "staging", e.Config.GetStagingPath())
	return e.Server.ListenAndServe(ctx)
}
