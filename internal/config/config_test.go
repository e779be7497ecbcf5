package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default("/tmp/serindb-data").Validate(); err != nil {
		t.Fatalf("Default().Validate(): %v", err)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "serindb.yaml")
	yaml := "data_dir: /var/lib/serindb\nbuffer_pool_capacity: 128\nlog_level: debug\n"
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DataDir != "/var/lib/serindb" {
		t.Fatalf("DataDir = %q, want /var/lib/serindb", cfg.DataDir)
	}
	if cfg.BufferPoolCapacity != 128 {
		t.Fatalf("BufferPoolCapacity = %d, want 128", cfg.BufferPoolCapacity)
	}
	// WALBufferLimit wasn't set in the file; it should keep its default.
	if cfg.WALBufferLimit != Default("x").WALBufferLimit {
		t.Fatalf("WALBufferLimit = %d, want default %d", cfg.WALBufferLimit, Default("x").WALBufferLimit)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Default("/tmp/serindb-data")
	cfg.BufferPoolCapacity = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected Validate to reject a zero buffer pool capacity")
	}

	cfg = Default("/tmp/serindb-data")
	cfg.LogLevel = "verbose"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected Validate to reject an unrecognized log level")
	}

	cfg = Default("")
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected Validate to reject an empty data_dir")
	}
}
