// Package snapshot implements the coordinator's optional history export
// (SPEC_FULL §4.7): a one-way, compressed dump of the decision history to
// a file. It is a debugging/export aid only and is never read back on
// startup.
package snapshot

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/oddcrate/twopc/pkg/compression"
	"github.com/oddcrate/twopc/pkg/coordinator"
)

// Export serializes history to path, compressed per cfg. cfg may be nil,
// which selects zstd at the default level.
func Export(path string, history []coordinator.HistoryEntry, cfg *compression.Config) error {
	body, err := json.Marshal(history)
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}

	c, err := compression.NewCompressor(cfg)
	if err != nil {
		return fmt.Errorf("build compressor: %w", err)
	}
	defer c.Close()

	compressed, err := c.Compress(body)
	if err != nil {
		return fmt.Errorf("compress history: %w", err)
	}

	if err := os.WriteFile(path, compressed, 0o644); err != nil {
		return fmt.Errorf("write snapshot %s: %w", path, err)
	}
	return nil
}

// Verify reads back a file written by Export, decompresses it per cfg, and
// confirms it still decodes as a history array. It exists so an operator
// can sanity-check a snapshot without trusting that Export succeeded
// silently; it does not feed the result back into the coordinator.
func Verify(path string, cfg *compression.Config) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read snapshot %s: %w", path, err)
	}

	c, err := compression.NewCompressor(cfg)
	if err != nil {
		return 0, fmt.Errorf("build compressor: %w", err)
	}
	defer c.Close()

	body, err := c.Decompress(raw)
	if err != nil {
		return 0, fmt.Errorf("decompress snapshot %s: %w", path, err)
	}

	var history []coordinator.HistoryEntry
	if err := json.Unmarshal(body, &history); err != nil {
		return 0, fmt.Errorf("decode snapshot %s: %w", path, err)
	}
	return len(history), nil
}

// ConfigForName maps a --snapshot-compression flag value to a
// compression.Config. "none" disables compression entirely.
func ConfigForName(name string) (*compression.Config, error) {
	switch name {
	case "", "zstd":
		return compression.ZstdConfig(3), nil
	case "gzip":
		return compression.GzipConfig(6), nil
	case "snappy":
		return compression.SnappyConfig(), nil
	case "none":
		return &compression.Config{Algorithm: compression.AlgorithmNone}, nil
	default:
		return nil, fmt.Errorf("unknown snapshot compression %q", name)
	}
}
