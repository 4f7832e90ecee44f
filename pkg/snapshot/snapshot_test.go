package snapshot

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/oddcrate/twopc/pkg/compression"
	"github.com/oddcrate/twopc/pkg/coordinator"
	"github.com/oddcrate/twopc/pkg/protocol"
)

func TestExportWritesCompressedFile(t *testing.T) {
	history := []coordinator.HistoryEntry{
		{TransactionID: "tx1", Status: coordinator.StatusCommitted, Payload: protocol.Payload{"k": "v"}, Timestamp: time.Unix(1690000000, 0)},
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "history.snap")

	if err := Export(path, history, compression.ZstdConfig(3)); err != nil {
		t.Fatalf("Export: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(raw) == 0 {
		t.Fatal("expected non-empty snapshot file")
	}

	c, err := compression.NewCompressor(compression.ZstdConfig(3))
	if err != nil {
		t.Fatalf("NewCompressor: %v", err)
	}
	defer c.Close()
	decompressed, err := c.Decompress(raw)
	if err != nil {
		t.Fatalf("Decompress: %v", err)
	}
	if len(decompressed) == 0 {
		t.Fatal("expected non-empty decompressed payload")
	}
}

func TestVerifyReportsRecordCount(t *testing.T) {
	history := []coordinator.HistoryEntry{
		{TransactionID: "tx1", Status: coordinator.StatusCommitted, Payload: protocol.Payload{"k": "v"}, Timestamp: time.Unix(1690000000, 0)},
		{TransactionID: "tx2", Status: coordinator.StatusAborted, Payload: protocol.Payload{}, Timestamp: time.Unix(1690000100, 0)},
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "history.snap")
	if err := Export(path, history, compression.GzipConfig(6)); err != nil {
		t.Fatalf("Export: %v", err)
	}

	count, err := Verify(path, compression.GzipConfig(6))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 records, got %d", count)
	}
}

func TestVerifyRejectsWrongAlgorithm(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "history.snap")
	if err := Export(path, nil, compression.ZstdConfig(3)); err != nil {
		t.Fatalf("Export: %v", err)
	}

	if _, err := Verify(path, compression.GzipConfig(6)); err == nil {
		t.Fatal("expected error decompressing zstd data as gzip")
	}
}

func TestConfigForNameDefaultsToZstd(t *testing.T) {
	cfg, err := ConfigForName("")
	if err != nil {
		t.Fatalf("ConfigForName: %v", err)
	}
	if cfg.Algorithm != compression.AlgorithmZstd {
		t.Fatalf("expected zstd default, got %v", cfg.Algorithm)
	}
}

func TestConfigForNameRejectsUnknown(t *testing.T) {
	if _, err := ConfigForName("lz4"); err == nil {
		t.Fatal("expected error for unsupported compression name")
	}
}
