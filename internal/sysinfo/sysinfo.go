// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package sysinfo

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"

	ini "gopkg.in/ini.v1"
)

const (
	OSReleasePath = "/etc/os-release"
	routeTable    = "/proc/net/route"
)

// Info identifies the device the update engine runs on
type Info struct {
	Hostname  string `json:"hostname"`
	OSName    string `json:"os_name,omitempty"`
	OSVersion string `json:"os_version,omitempty"`
	Ip        string `json:"local_ipv4,omitempty"`
	Mac       string `json:"mac,omitempty"`
}

// Collect gathers what can be found about the device. Missing pieces are
// left empty.
func Collect(osRelease string) Info {
	var info Info
	var err error
	if info.Hostname, err = os.Hostname(); err != nil {
		slog.Debug("unable to read hostname", "error", err)
	}
	if info.OSName, info.OSVersion, err = ReadOSRelease(osRelease); err != nil {
		slog.Debug("unable to read os release", "path", osRelease, "error", err)
	}
	if info.Ip, info.Mac, err = ipInfo(); err != nil {
		slog.Debug("unable to read network info", "error", err)
	}
	return info
}

// ReadOSRelease returns the pretty name and version of the running OS
func ReadOSRelease(path string) (string, string, error) {
	cfg, err := ini.Load(path)
	if err != nil {
		return "", "", fmt.Errorf("can't parse file %s: %w", path, err)
	}
	section := cfg.Section("")
	name := unquote(section.Key("PRETTY_NAME").String())
	if name == "" {
		name = unquote(section.Key("NAME").String())
	}
	version := unquote(section.Key("VERSION_ID").String())
	if version == "" {
		version = unquote(section.Key("VERSION").String())
	}
	return name, version, nil
}

func unquote(s string) string {
	return strings.Trim(s, "\"'")
}

func (i Info) String() string {
	var sb strings.Builder
	sb.WriteString(i.Hostname)
	if i.OSName != "" {
		fmt.Fprintf(&sb, " (%s", i.OSName)
		if i.OSVersion != "" && !strings.Contains(i.OSName, i.OSVersion) {
			fmt.Fprintf(&sb, " %s", i.OSVersion)
		}
		sb.WriteString(")")
	}
	return sb.String()
}

func ipInfo() (string, string, error) {
	routes, err := os.ReadFile(routeTable)
	if err != nil {
		return "", "", err
	}

	for i, line := range strings.Split(string(routes), "\n") {
		if i > 0 {
			parts := strings.Fields(line)
			if len(parts) > 4 && parts[1] == "00000000" {
				intf, err := net.InterfaceByName(parts[0])
				if err != nil {
					return "", "", fmt.Errorf("unable to lookup default interface(%s): %w", parts[0], err)
				}
				addrs, err := intf.Addrs()
				if err != nil {
					return "", "", fmt.Errorf("unable to lookup IP of interface(%s): %w", parts[0], err)
				}
				if len(addrs) == 0 {
					return "", intf.HardwareAddr.String(), fmt.Errorf("no address on interface(%s)", parts[0])
				}
				return addrs[0].String(), intf.HardwareAddr.String(), nil
			}
		}
	}

	return "", "", errors.New("could not find default network interface")
}
