// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/foundriesio/fioconfig/transport"

	"github.com/foundriesio/fwota/internal/images"
	"github.com/foundriesio/fwota/internal/sysinfo"
	"github.com/foundriesio/fwota/pkg/ota"
)

type (
	// DeviceClient talks to the update server running on a device
	DeviceClient struct {
		BaseURL    *url.URL
		HttpClient *http.Client
		Headers    map[string]string

		user     string
		password string
	}

	PushOptions struct {
		// AllowUnknownSize streams the image without a Content-Length through
		// the staging endpoint
		AllowUnknownSize bool
		// SHA256 is the hex digest the device verifies the image against
		SHA256 string
		// Progress receives a copy of every byte sent
		Progress io.Writer
	}

	// UploadError is returned when the device refuses or fails an upload
	UploadError struct {
		StatusCode int
		Message    string
	}

	DeviceInfo struct {
		Device sysinfo.Info `json:"device"`
		Image  *struct {
			BootSlot string        `json:"boot_slot"`
			Current  *images.Image `json:"current"`
		} `json:"image,omitempty"`
		State string `json:"state"`
	}
)

const (
	UserAgent     = "fwota-client/1.0"
	UploadField   = "update"
	SHA256Header  = "X-Firmware-SHA256"
	statusTimeout = 10 * time.Second
)

var ErrUnauthorized = errors.New("the device rejected the credentials")

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload failed: HTTP_%d - %s", e.StatusCode, e.Message)
}

// Is lets a conflict response match ota.ErrBusy
func (e *UploadError) Is(target error) bool {
	return e.StatusCode == http.StatusConflict && target == ota.ErrBusy
}

// NewDeviceClient accepts either a full URL or a host[:port] of the device
func NewDeviceClient(device, user, password string) (*DeviceClient, error) {
	if !strings.Contains(device, "://") {
		device = "http://" + device
	}
	u, err := url.Parse(device)
	if err != nil {
		return nil, fmt.Errorf("invalid device address %q: %w", device, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid device address %q: no host", device)
	}
	creds := base64.StdEncoding.EncodeToString([]byte(user + ":" + password))
	return &DeviceClient{
		BaseURL: u,
		// no overall timeout: the upload response comes after the image is
		// written into the partition
		HttpClient: &http.Client{},
		Headers: map[string]string{
			"user-agent":    UserAgent,
			"authorization": "Basic " + creds,
		},
		user:     user,
		password: password,
	}, nil
}

func (c *DeviceClient) getJson(resourcePath string, item any) error {
	client := *c.HttpClient
	client.Timeout = statusTimeout
	res, err := transport.HttpGet(&client, c.BaseURL.JoinPath(resourcePath).String(), c.Headers)
	if err != nil {
		return err
	}
	if res.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected response from %s: HTTP_%d - %s", resourcePath, res.StatusCode, res)
	}
	return res.Json(item)
}

// Status returns the progress of the device's current or last update
func (c *DeviceClient) Status() (*ota.Snapshot, error) {
	var snap ota.Snapshot
	if err := c.getJson("/update_status", &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (c *DeviceClient) Info() (*DeviceInfo, error) {
	var info DeviceInfo
	if err := c.getJson("/info", &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// WaitForResult polls the status endpoint until the update reaches a
// terminal state or ctx is done.
func (c *DeviceClient) WaitForResult(ctx context.Context, interval time.Duration) (*ota.Snapshot, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		snap, err := c.Status()
		if err != nil {
			return nil, err
		}
		if snap.State == ota.PhaseSucceeded.StateName() || snap.State == ota.PhaseFailed.StateName() {
			return snap, nil
		}
		select {
		case <-ctx.Done():
			return snap, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Push uploads the firmware image at path. It returns once the device has
// answered, that is after the image was committed or the update failed.
func (c *DeviceClient) Push(ctx context.Context, path string, opts PushOptions) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}

	var src io.Reader = f
	if opts.Progress != nil {
		src = io.TeeReader(f, opts.Progress)
	}
	body, length, contentType, err := multipartBody(filepath.Base(path), src, info.Size())
	if err != nil {
		return err
	}

	endpoint := "/update"
	if opts.AllowUnknownSize {
		endpoint = "/update_allow"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL.JoinPath(endpoint).String(), body)
	if err != nil {
		return err
	}
	if opts.AllowUnknownSize {
		// sent with chunked transfer encoding
		req.ContentLength = -1
	} else {
		req.ContentLength = length
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("User-Agent", UserAgent)
	req.SetBasicAuth(c.user, c.password)
	if opts.SHA256 != "" {
		req.Header.Set(SHA256Header, opts.SHA256)
	}

	res, err := c.HttpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", path, err)
	}
	defer res.Body.Close()
	msg, _ := io.ReadAll(io.LimitReader(res.Body, 4096))

	switch res.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusInternalServerError:
		// the status endpoint carries the short failure reason
		if snap, err := c.Status(); err == nil && snap.Message != "" {
			return &UploadError{StatusCode: res.StatusCode, Message: snap.Message}
		}
	}
	return &UploadError{StatusCode: res.StatusCode, Message: strings.TrimSpace(string(msg))}
}

// multipartBody frames src as the single file part of a multipart form
// without buffering it. The returned length is exact when size is.
func multipartBody(filename string, src io.Reader, size int64) (io.Reader, int64, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if _, err := mw.CreateFormFile(UploadField, filename); err != nil {
		return nil, 0, "", err
	}
	head := append([]byte(nil), buf.Bytes()...)
	buf.Reset()
	if err := mw.Close(); err != nil {
		return nil, 0, "", err
	}
	tail := append([]byte(nil), buf.Bytes()...)

	body := io.MultiReader(bytes.NewReader(head), src, bytes.NewReader(tail))
	return body, int64(len(head)) + size + int64(len(tail)), mw.FormDataContentType(), nil
}
