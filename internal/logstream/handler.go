// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package logstream

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"time"
)

// Handler is a slog.Handler that writes records to the wrapped handler and
// tees a text rendering of every record to a Hub.
type Handler struct {
	next slog.Handler
	hub  *Hub
	text slog.Handler
	buf  *lockedBuffer
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func NewHandler(next slog.Handler, hub *Hub) *Handler {
	lb := &lockedBuffer{}
	return &Handler{
		next: next,
		hub:  hub,
		buf:  lb,
		text: slog.NewTextHandler(&lb.buf, &slog.HandlerOptions{
			Level: slog.LevelDebug,
			ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
				if a.Key == slog.TimeKey && len(groups) == 0 {
					return slog.String(slog.TimeKey, a.Value.Time().Format(time.TimeOnly))
				}
				return a
			},
		}),
	}
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	err := h.next.Handle(ctx, r)

	h.buf.mu.Lock()
	h.buf.buf.Reset()
	if terr := h.text.Handle(ctx, r); terr == nil {
		h.hub.Publish(bytes.TrimRight(h.buf.buf.Bytes(), "\n"))
	}
	h.buf.mu.Unlock()
	return err
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &Handler{
		next: h.next.WithAttrs(attrs),
		hub:  h.hub,
		text: h.text.WithAttrs(attrs),
		buf:  h.buf,
	}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{
		next: h.next.WithGroup(name),
		hub:  h.hub,
		text: h.text.WithGroup(name),
		buf:  h.buf,
	}
}
