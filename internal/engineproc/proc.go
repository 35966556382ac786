// Capsule - Star Citizen gameplay recording companion
// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package engineproc supervises the OBS child process: launch with the
// dedicated profile, settle verification against the process table, graceful
// stop with forceful escalation, and crash-vs-requested exit discrimination.
package engineproc

import (
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/shirou/gopsutil/v4/process"
)

// ProcessInfo is one process-table entry.
type ProcessInfo struct {
	PID  int32
	Name string
}

// ProcessTable abstracts the OS process table so tests can fake it.
type ProcessTable interface {
	// FindByName returns all processes whose name matches (case-insensitive).
	FindByName(name string) ([]ProcessInfo, error)
	// PIDExists reports whether the pid is alive.
	PIDExists(pid int32) (bool, error)
	// KillByName force-kills every process matching name; returns the count.
	KillByName(name string) (int, error)
}

// Proc is a launched child process handle.
type Proc interface {
	PID() int32
	// Wait blocks until exit and returns the exit code.
	Wait() (int, error)
	// Terminate requests graceful termination.
	Terminate() error
	// Kill force-terminates.
	Kill() error
}

// LaunchSpec describes how to start the engine.
type LaunchSpec struct {
	ExecutablePath string
	WorkingDir     string
	Args           []string
}

// Launcher starts child processes; faked in tests.
type Launcher interface {
	Launch(spec LaunchSpec) (Proc, error)
}

// GopsutilTable is the production ProcessTable backed by gopsutil.
type GopsutilTable struct{}

// FindByName scans the process table for name matches.
func (GopsutilTable) FindByName(name string) ([]ProcessInfo, error) {
	procs, err := process.Processes()
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	var out []ProcessInfo
	for _, p := range procs {
		n, err := p.Name()
		if err != nil {
			continue // process may have exited mid-scan
		}
		if strings.EqualFold(n, name) {
			out = append(out, ProcessInfo{PID: p.Pid, Name: n})
		}
	}
	return out, nil
}

// PIDExists reports whether the pid is alive.
func (GopsutilTable) PIDExists(pid int32) (bool, error) {
	return process.PidExists(pid)
}

// KillByName force-kills all processes matching name.
func (t GopsutilTable) KillByName(name string) (int, error) {
	matches, err := t.FindByName(name)
	if err != nil {
		return 0, err
	}
	killed := 0
	for _, m := range matches {
		p, err := process.NewProcess(m.PID)
		if err != nil {
			continue
		}
		if err := p.Kill(); err == nil {
			killed++
		}
	}
	return killed, nil
}

// ExecLauncher is the production Launcher backed by os/exec.
type ExecLauncher struct{}

type execProc struct {
	cmd *exec.Cmd
}

// Launch starts the process detached from Capsule's stdio.
func (ExecLauncher) Launch(spec LaunchSpec) (Proc, error) {
	cmd := exec.Command(spec.ExecutablePath, spec.Args...)
	if spec.WorkingDir != "" {
		cmd.Dir = spec.WorkingDir
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", spec.ExecutablePath, err)
	}
	return &execProc{cmd: cmd}, nil
}

func (p *execProc) PID() int32 {
	return int32(p.cmd.Process.Pid)
}

func (p *execProc) Wait() (int, error) {
	err := p.cmd.Wait()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		return -1, err
	}
	return 0, nil
}

// Terminate asks the process to exit. gopsutil sends SIGTERM on unix and
// WM_CLOSE-equivalent termination on windows.
func (p *execProc) Terminate() error {
	gp, err := process.NewProcess(p.PID())
	if err != nil {
		return err
	}
	return gp.Terminate()
}

func (p *execProc) Kill() error {
	return p.cmd.Process.Kill()
}
