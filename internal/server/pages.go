// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package server

import (
	"html/template"
	"log/slog"
	"net/http"
)

type (
	formPage struct {
		Title  string
		Action string
		Warn   bool
		Device string
	}

	resultPage struct {
		Title       string
		Message     string
		RebootSoon  bool
		Device      string
		BackToForm  string
		ResultState string
	}
)

var (
	uploadForm = formPage{Title: "OTA Update", Action: "/update"}
	allowForm  = formPage{Title: "OTA Update (allow unknown size)", Action: "/update_allow", Warn: true}
)

const unknownSizeWarning = "Use only for testing. This allows uploads without Content-Length."

var formTemplate = template.Must(template.New("form").Parse(`<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>{{.Title}}</title></head>
<body style="font-family:Arial,sans-serif;padding:20px;">
<h3>Upload firmware</h3>
{{if .Device}}<p style="color:#666;">{{.Device}}</p>{{end}}
{{if .Warn}}<p style="color:red;">` + unknownSizeWarning + `</p>{{end}}
<form method="POST" action="{{.Action}}" enctype="multipart/form-data">
<input type="file" name="update">
<input type="submit" value="Upload">
</form>
<div id="otaStatus" style="margin-top:12px;font-family:monospace;"></div>
<script>
function showStatus(j) {
  var s = document.getElementById('otaStatus');
  if (!j) { s.textContent = 'No status'; return; }
  s.textContent = 'State:' + j.state + ' | ' + j.received + '/' + (j.total ? j.total : '?') + ' | msg:' + j.msg;
}
function poll() {
  fetch('/update_status').then(function(r) {
    if (r.status == 401) { return; }
    return r.json();
  }).then(function(j) {
    if (j) showStatus(j);
    if (j && (j.state == 'SUCCESS' || j.state == 'FAILED')) clearInterval(iv);
  }).catch(function(e) {});
}
var iv = setInterval(poll, 1000);
poll();
</script>
</body></html>
`))

var resultTemplate = template.Must(template.New("result").Parse(`<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>{{.Title}}</title></head>
<body style="font-family:Arial,sans-serif;padding:20px;" data-state="{{.ResultState}}">
<h2>{{.Title}}</h2>
<p>{{.Message}}</p>
<p><a href="{{.BackToForm}}">Back</a> &nbsp; <a href="/logs">Logs</a></p>
{{if .RebootSoon}}<p>Device will reboot shortly...</p>{{end}}
</body></html>
`))

var logsTemplate = template.Must(template.New("logs").Parse(`<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>Logs</title></head>
<body style="font-family:Arial,sans-serif;">
<h3>Device logs (WebSocket)</h3>
<p><a href="#" onclick="fetch('/logs/pause');return false;">Pause</a> &nbsp; <a href="#" onclick="fetch('/logs/resume');return false;">Resume</a></p>
<pre id="out" style="height:60vh;overflow:auto;border:1px solid #ccc;padding:8px;background:#111;color:#0f0;">
{{- range .}}{{.}}
{{end -}}
</pre>
<script>
var out = document.getElementById('out');
var proto = (location.protocol === 'https:') ? 'wss' : 'ws';
var ws = new WebSocket(proto + '://' + location.host + '/ws');
ws.onmessage = function(evt) { out.textContent += evt.data + '\n'; out.scrollTop = out.scrollHeight; };
ws.onopen = function() { out.textContent += 'WebSocket connected\n'; };
ws.onclose = function() { out.textContent += 'WebSocket closed\n'; };
</script>
</body></html>
`))

func renderHTML(w http.ResponseWriter, status int, t *template.Template, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Connection", "close")
	w.WriteHeader(status)
	if err := t.Execute(w, data); err != nil {
		slog.Debug("failed to render page", "page", t.Name(), "error", err)
	}
}

func (s *Server) handleForm(page formPage) http.HandlerFunc {
	page.Device = s.opts.Device.String()
	return func(w http.ResponseWriter, r *http.Request) {
		renderHTML(w, http.StatusOK, formTemplate, page)
	}
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	renderHTML(w, http.StatusOK, logsTemplate, s.opts.Hub.Backlog())
}

func (s *Server) handleLogsPause(pause bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if pause {
			s.opts.Hub.Pause()
		} else {
			s.opts.Hub.Resume()
		}
		slog.Debug("log streaming toggled", "paused", pause)
		writeJSON(w, http.StatusOK, map[string]bool{"paused": s.opts.Hub.Paused()})
	}
}
