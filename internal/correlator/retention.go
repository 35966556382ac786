// Capsule - Star Citizen gameplay recording companion
// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package correlator

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/capsulerec/capsule/internal/config"
	"github.com/capsulerec/capsule/internal/logging"
	"github.com/rs/zerolog"
)

// retentionThreshold: cleanup targets 90% of the budget so usage does not
// thrash at the boundary.
const retentionThreshold = 0.9

// videoExtensions recognized as recording output.
var videoExtensions = map[string]bool{
	".mkv": true, ".mp4": true, ".mov": true, ".flv": true, ".ts": true,
}

// retentionFile is one enumerated recording.
type retentionFile struct {
	path    string
	size    int64
	modTime int64
}

// CleanupResult summarizes one retention pass.
type CleanupResult struct {
	Deleted    int   `json:"deleted"`
	FreedBytes int64 `json:"freedBytes"`
	TotalBytes int64 `json:"totalBytes"`
	FileCount  int   `json:"fileCount"`
	// MinimumHit is true when the minimum file count stopped cleanup before
	// the size target was reached.
	MinimumHit bool `json:"minimumHit"`
}

// retention deletes the oldest recordings until usage fits the budget.
type retention struct {
	cfg config.RecordingConfig
	log zerolog.Logger
}

func newRetention(cfg config.RecordingConfig) *retention {
	return &retention{cfg: cfg, log: logging.Component("retention")}
}

// Cleanup enumerates the output directory and deletes oldest-first until
// total size is under 90% of the budget and the count is within the maximum,
// never deleting below the minimum file count. Each recording's metadata
// JSON is removed with it.
func (r *retention) Cleanup() (CleanupResult, error) {
	var result CleanupResult
	if r.cfg.OutputDir == "" {
		return result, nil
	}

	files, err := r.enumerate()
	if err != nil {
		return result, err
	}
	for _, f := range files {
		result.TotalBytes += f.size
	}
	result.FileCount = len(files)

	budget := int64(r.cfg.MaxStorageGB * float64(1<<30))
	target := int64(float64(budget) * retentionThreshold)

	overSize := func() bool { return budget > 0 && result.TotalBytes > target }
	overCount := func() bool {
		return r.cfg.MaxFilesToKeep > 0 && result.FileCount > r.cfg.MaxFilesToKeep
	}

	// Oldest first.
	sort.Slice(files, func(i, j int) bool { return files[i].modTime < files[j].modTime })

	for _, f := range files {
		if !overSize() && !overCount() {
			break
		}
		if result.FileCount <= r.cfg.MinFilesToKeep {
			result.MinimumHit = true
			break
		}
		if err := os.Remove(f.path); err != nil {
			r.log.Warn().Err(err).Str("path", f.path).Msg("delete recording failed")
			continue
		}
		if meta := metadataSibling(f.path); meta != "" {
			if err := os.Remove(meta); err != nil && !os.IsNotExist(err) {
				r.log.Debug().Err(err).Str("path", meta).Msg("delete metadata failed")
			}
		}
		result.Deleted++
		result.FreedBytes += f.size
		result.TotalBytes -= f.size
		result.FileCount--
		r.log.Info().Str("path", f.path).Int64("size", f.size).Msg("recording deleted by retention")
	}

	if result.MinimumHit && overSize() {
		r.log.Warn().
			Int("kept", result.FileCount).
			Int64("totalBytes", result.TotalBytes).
			Int64("targetBytes", target).
			Msg("minimum file count prevents reaching storage target")
	}
	return result, nil
}

func (r *retention) enumerate() ([]retentionFile, error) {
	entries, err := os.ReadDir(r.cfg.OutputDir)
	if err != nil {
		return nil, err
	}
	var files []retentionFile
	for _, entry := range entries {
		if entry.IsDir() || !videoExtensions[strings.ToLower(filepath.Ext(entry.Name()))] {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, retentionFile{
			path:    filepath.Join(r.cfg.OutputDir, entry.Name()),
			size:    info.Size(),
			modTime: info.ModTime().UnixNano(),
		})
	}
	return files, nil
}

// metadataSibling returns the recording's companion JSON path.
func metadataSibling(videoPath string) string {
	ext := filepath.Ext(videoPath)
	if ext == "" {
		return videoPath + ".json"
	}
	return strings.TrimSuffix(videoPath, ext) + ".json"
}
