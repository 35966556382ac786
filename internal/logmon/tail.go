// Capsule - Star Citizen gameplay recording companion
// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package logmon

import (
	"io"

	"github.com/nxadm/tail"
)

// TailLine is one line delivered by a followed file.
type TailLine struct {
	Text string
	Err  error
}

// TailHandle is a running follow-tail; faked in tests.
type TailHandle interface {
	// Lines delivers lines until Stop; the channel closes on stop or a
	// fatal tail error.
	Lines() <-chan TailLine
	Stop() error
}

// TailFactory opens a follow-tail on path. fromEnd starts at end-of-file so
// only lines written after monitoring began are observed.
type TailFactory func(path string, fromEnd bool) (TailHandle, error)

// FileTail is the production TailFactory backed by nxadm/tail. It re-opens
// the file on rotation and polls instead of relying on fsnotify, which is
// unreliable for the game's log directory on Windows.
func FileTail(path string, fromEnd bool) (TailHandle, error) {
	cfg := tail.Config{
		Follow:    true,
		ReOpen:    true,
		Poll:      true,
		MustExist: true,
		Logger:    tail.DiscardingLogger,
	}
	if fromEnd {
		cfg.Location = &tail.SeekInfo{Whence: io.SeekEnd}
	}
	t, err := tail.TailFile(path, cfg)
	if err != nil {
		return nil, err
	}
	h := &fileTail{t: t, lines: make(chan TailLine)}
	go h.pump()
	return h, nil
}

type fileTail struct {
	t     *tail.Tail
	lines chan TailLine
}

func (f *fileTail) pump() {
	defer close(f.lines)
	for line := range f.t.Lines {
		if line == nil {
			continue
		}
		f.lines <- TailLine{Text: line.Text, Err: line.Err}
	}
}

func (f *fileTail) Lines() <-chan TailLine { return f.lines }

func (f *fileTail) Stop() error {
	err := f.t.Stop()
	f.t.Cleanup()
	return err
}
