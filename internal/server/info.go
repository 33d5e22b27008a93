// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package server

import (
	"net/http"

	"github.com/foundriesio/fwota/internal/images"
	"github.com/foundriesio/fwota/internal/sysinfo"
)

type (
	ImageInfo struct {
		BootSlot string        `json:"boot_slot"`
		Current  *images.Image `json:"current"`
	}

	infoResponse struct {
		Device sysinfo.Info `json:"device"`
		Image  *ImageInfo   `json:"image,omitempty"`
		State  string       `json:"state"`
	}
)

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	resp := infoResponse{
		Device: s.opts.Device,
		State:  s.opts.Session.Reporter().Snapshot().State,
	}
	if s.opts.Image != nil {
		img, err := s.opts.Image()
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to read the installed image", err)
			return
		}
		resp.Image = img
	}
	writeJSON(w, http.StatusOK, resp)
}
