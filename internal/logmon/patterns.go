// Capsule - Star Citizen gameplay recording companion
// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package logmon

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/capsulerec/capsule/internal/events"
	"github.com/capsulerec/capsule/internal/logging"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

// ErrUnsupportedPatternVersion is returned when a pattern set's major version
// differs from the supported major. A mismatched set is never applied.
var ErrUnsupportedPatternVersion = fmt.Errorf("unsupported pattern set version")

// PatternSet is the on-disk / remote pattern definition format.
type PatternSet struct {
	Version    string                         `json:"version"`
	Categories map[string]events.CategoryInfo `json:"categories"`
	Patterns   []Pattern                      `json:"patterns"`
}

// Pattern classifies log lines matching Regex. Named capture groups become
// structured data fields; {group} placeholders in Message are expanded from
// the same captures.
type Pattern struct {
	ID       string          `json:"id"`
	Category string          `json:"category"`
	Name     string          `json:"name"`
	Severity events.Severity `json:"severity"`
	Regex    string          `json:"regex"`
	Message  string          `json:"message,omitempty"`
}

type compiledPattern struct {
	Pattern
	re *regexp.Regexp
}

// Engine matches log lines against the loaded pattern set. It starts with
// the built-in detectors and keeps serving them whenever an external set
// cannot be loaded, so monitoring never depends on pattern data being
// present.
type Engine struct {
	mu         sync.RWMutex
	version    string
	builtin    bool
	patterns   []compiledPattern
	categories map[string]events.CategoryInfo
	log        zerolog.Logger
}

// NewEngine creates an engine serving the built-in detector set.
func NewEngine() *Engine {
	e := &Engine{log: logging.Component("patterns")}
	e.applyBuiltin()
	return e
}

// Version returns the active pattern set version.
func (e *Engine) Version() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.version
}

// Builtin reports whether the engine is on the fallback detector set.
func (e *Engine) Builtin() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.builtin
}

// LoadFile loads a pattern set from disk. On any failure the current set
// stays active.
func (e *Engine) LoadFile(path string, supportedMajor uint64) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read pattern set: %w", err)
	}
	var set PatternSet
	if err := json.Unmarshal(data, &set); err != nil {
		return fmt.Errorf("parse pattern set: %w", err)
	}
	return e.Apply(set, supportedMajor)
}

// Apply validates and activates a pattern set. The major version must equal
// supportedMajor; a mismatch is refused, never silently applied.
func (e *Engine) Apply(set PatternSet, supportedMajor uint64) error {
	v, err := semver.NewVersion(set.Version)
	if err != nil {
		return fmt.Errorf("pattern set version %q: %w", set.Version, err)
	}
	if v.Major() != supportedMajor {
		return fmt.Errorf("%w: set is v%d, supported major is v%d",
			ErrUnsupportedPatternVersion, v.Major(), supportedMajor)
	}

	compiled := make([]compiledPattern, 0, len(set.Patterns))
	for _, p := range set.Patterns {
		re, err := regexp.Compile(p.Regex)
		if err != nil {
			return fmt.Errorf("pattern %q: %w", p.ID, err)
		}
		compiled = append(compiled, compiledPattern{Pattern: p, re: re})
	}

	e.mu.Lock()
	e.version = set.Version
	e.builtin = false
	e.patterns = compiled
	e.categories = set.Categories
	e.mu.Unlock()

	e.log.Info().Str("version", set.Version).Int("patterns", len(compiled)).
		Msg("pattern set applied")
	return nil
}

// Match classifies one raw line into zero or more domain events.
func (e *Engine) Match(line string) []events.DomainEvent {
	e.mu.RLock()
	patterns := e.patterns
	categories := e.categories
	e.mu.RUnlock()

	ts := parseLineTime(line)

	var out []events.DomainEvent
	for _, p := range patterns {
		match := p.re.FindStringSubmatch(line)
		if match == nil {
			continue
		}
		data := make(map[string]any)
		for i, name := range p.re.SubexpNames() {
			if name != "" && i < len(match) && match[i] != "" {
				data[name] = match[i]
			}
		}
		if len(data) == 0 {
			data = nil
		}
		out = append(out, events.DomainEvent{
			Category:     p.Category,
			Type:         "game",
			Subtype:      p.ID,
			Name:         p.Name,
			Severity:     p.Severity,
			Message:      expandMessage(p.Message, data),
			CategoryInfo: categories[p.Category],
			Data:         data,
			Raw:          line,
			Timestamp:    ts,
		})
	}
	return out
}

// expandMessage substitutes {group} placeholders with captured values.
func expandMessage(template string, data map[string]any) string {
	if template == "" {
		return ""
	}
	msg := template
	for k, v := range data {
		s, ok := v.(string)
		if !ok {
			continue
		}
		msg = strings.ReplaceAll(msg, "{"+k+"}", s)
	}
	return msg
}

// lineTimeRe matches the ISO8601 stamp the game prefixes to each line.
var lineTimeRe = regexp.MustCompile(`^<(\d{4}-\d{2}-\d{2}T[0-9:.]+Z?)>`)

// parseLineTime extracts the line's own timestamp, falling back to now.
func parseLineTime(line string) time.Time {
	m := lineTimeRe.FindStringSubmatch(line)
	if m == nil {
		return time.Now().UTC()
	}
	if ts, err := time.Parse(time.RFC3339, m[1]); err == nil {
		return ts
	}
	if ts, err := time.Parse("2006-01-02T15:04:05.000", m[1]); err == nil {
		return ts.UTC()
	}
	return time.Now().UTC()
}

// applyBuiltin installs the minimal detector set: kill, death,
// mission-complete, location-change.
func (e *Engine) applyBuiltin() {
	builtin := PatternSet{
		Version: "1.0.0",
		Categories: map[string]events.CategoryInfo{
			"combat":   {Name: "Combat", Icon: "crosshair"},
			"mission":  {Name: "Mission", Icon: "flag"},
			"location": {Name: "Location", Icon: "map-pin"},
		},
		Patterns: []Pattern{
			{
				ID:       "actor_kill",
				Category: "combat",
				Name:     "Kill",
				Severity: events.SeverityHigh,
				Regex:    `<Actor Death>.*CActor::Kill: '(?P<victim>[^']+)'.*killed by '(?P<killer>[^']+)'(?:.*using '(?P<weapon>[^']+)')?`,
				Message:  "{killer} killed {victim}",
			},
			{
				ID:       "player_death",
				Category: "combat",
				Name:     "Death",
				Severity: events.SeverityHigh,
				Regex:    `<\[ActorState\] Corpse>.*Player '(?P<player>[^']+)'`,
				Message:  "{player} died",
			},
			{
				ID:       "mission_complete",
				Category: "mission",
				Name:     "Mission Complete",
				Severity: events.SeverityMedium,
				Regex:    `<EndMission>.*missionId=(?P<mission>\S+).*completionType=(?P<completion>\w+)`,
				Message:  "Mission {mission} ended: {completion}",
			},
			{
				ID:       "location_change",
				Category: "location",
				Name:     "Location Change",
				Severity: events.SeverityLow,
				Regex:    `OnEntityEnterZone.*Zone \[(?P<zone>[^\]]+)\]`,
				Message:  "Entered {zone}",
			},
		},
	}

	compiled := make([]compiledPattern, 0, len(builtin.Patterns))
	for _, p := range builtin.Patterns {
		compiled = append(compiled, compiledPattern{Pattern: p, re: regexp.MustCompile(p.Regex)})
	}

	e.mu.Lock()
	e.version = builtin.Version
	e.builtin = true
	e.patterns = compiled
	e.categories = builtin.Categories
	e.mu.Unlock()
}

// ResetBuiltin reverts to the fallback detector set.
func (e *Engine) ResetBuiltin() {
	e.applyBuiltin()
	e.log.Warn().Msg("reverted to built-in detector set")
}
