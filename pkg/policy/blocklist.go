// Package policy implements the static deny-list consulted before any
// command is queued for approval.
package policy

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// BlocklistConfig is the on-disk shape of the deny-list.
type BlocklistConfig struct {
	ExactMatches    []string `json:"exactMatches"`
	RegexPatterns   []string `json:"regexPatterns"`
	BlockedBinaries []string `json:"blockedBinaries"`
}

// Decision is the outcome of validating a command.
type Decision struct {
	Allowed bool
	Reason  string
}

// Blocklist validates commands against exact matches, regex patterns, and
// blocked binary names.
type Blocklist struct {
	exact    []string
	patterns []*regexp.Regexp
	binaries []string
}

// Load reads a blocklist config file. A missing or unreadable file degrades
// to an empty blocklist; invalid regex patterns are logged and skipped.
func Load(path string) *Blocklist {
	var cfg BlocklistConfig
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			slog.Error("Failed to load blocklist config, using empty blocklist", "path", path, "error", err)
		} else if err := json.Unmarshal(data, &cfg); err != nil {
			slog.Error("Failed to parse blocklist config, using empty blocklist", "path", path, "error", err)
			cfg = BlocklistConfig{}
		}
	}
	return New(cfg)
}

// New builds a blocklist from an in-memory config.
func New(cfg BlocklistConfig) *Blocklist {
	bl := &Blocklist{
		exact:    cfg.ExactMatches,
		binaries: cfg.BlockedBinaries,
	}
	for _, pattern := range cfg.RegexPatterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			slog.Error("Invalid regex pattern in blocklist, skipping", "pattern", pattern, "error", err)
			continue
		}
		bl.patterns = append(bl.patterns, re)
	}
	return bl
}

// Validate checks a command line against the deny-list.
func (b *Blocklist) Validate(command string) Decision {
	trimmed := strings.TrimSpace(command)

	for _, blocked := range b.exact {
		if strings.EqualFold(trimmed, blocked) {
			return Decision{Reason: fmt.Sprintf("command exactly matches blocked pattern: %q", blocked)}
		}
	}

	for _, re := range b.patterns {
		if re.MatchString(trimmed) {
			return Decision{Reason: fmt.Sprintf("command matches blocked regex pattern: %s", re.String())}
		}
	}

	fields := strings.Fields(trimmed)
	if len(fields) > 0 {
		binary := filepath.Base(fields[0])
		for _, blocked := range b.binaries {
			if binary == blocked {
				return Decision{Reason: fmt.Sprintf("command uses blocked binary: %s", blocked)}
			}
		}
	}

	return Decision{Allowed: true}
}
