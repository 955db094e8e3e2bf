// Package systeminfo describes the traced process and its host for session
// banners and export resource attributes.
package systeminfo

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"calltrace/logger"

	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/process"
)

type ProcessInfo struct {
	PID       int32  `json:"pid"`
	PPID      int32  `json:"ppid,omitempty"`
	Name      string `json:"name"`
	Exe       string `json:"exe,omitempty"`
	Cmdline   string `json:"cmdline,omitempty"`
	Username  string `json:"username,omitempty"`
	StartTime string `json:"start_time,omitempty"`
}

type HostInfo struct {
	Hostname      string `json:"hostname"`
	OSVersion     string `json:"os_version"`
	KernelVersion string `json:"kernel_version,omitempty"`
	NumCPU        int    `json:"num_cpu"`
}

// Self describes the current process.
func Self() (*ProcessInfo, error) {
	return Describe(int32(os.Getpid()))
}

// Describe gathers identity fields for pid. Only the name is required;
// fields the platform refuses are left empty.
func Describe(pid int32) (*ProcessInfo, error) {
	p, err := process.NewProcess(pid)
	if err != nil {
		return nil, fmt.Errorf("failed to open process %d: %w", pid, err)
	}
	name, err := p.Name()
	if err != nil {
		return nil, fmt.Errorf("failed to read process %d name: %w", pid, err)
	}
	info := &ProcessInfo{PID: pid, Name: name}

	if ppid, err := p.Ppid(); err == nil {
		info.PPID = ppid
	}
	if exe, err := p.Exe(); err == nil {
		info.Exe = exe
	}
	if cmdline, err := p.Cmdline(); err == nil {
		info.Cmdline = cmdline
	}
	if username, err := p.Username(); err == nil {
		info.Username = username
	}
	if startMillis, err := p.CreateTime(); err == nil && startMillis > 0 {
		info.StartTime = time.UnixMilli(startMillis).UTC().Format(time.RFC3339)
	}
	return info, nil
}

// Host describes the machine the trace was taken on.
func Host() *HostInfo {
	info := &HostInfo{OSVersion: runtime.GOOS, NumCPU: runtime.NumCPU()}
	h, err := host.Info()
	if err != nil {
		logger.Warnf("Failed to gather host info: %v", err)
		if name, err := os.Hostname(); err == nil {
			info.Hostname = name
		}
		return info
	}
	info.Hostname = h.Hostname
	info.KernelVersion = h.KernelVersion
	if v := osVersion(h.Platform, h.PlatformVersion); v != "" {
		info.OSVersion = v
	}
	return info
}

func osVersion(platform, version string) string {
	return strings.TrimSpace(platform + " " + version)
}
