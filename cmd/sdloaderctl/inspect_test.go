package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/crucible-systems/sdloader/internal/target"
	"github.com/crucible-systems/sdloader/internal/uf2"
)

// writeTestUF2 builds a minimal valid UF2 file with numBlocks sequential
// blocks starting at baseAddr, and returns its path.
func writeTestUF2(t *testing.T, numBlocks int, baseAddr uint32, familyID uint32) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "test.uf2")

	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	payload := make([]byte, target.Page)
	for i := 0; i < numBlocks; i++ {
		for j := range payload {
			payload[j] = byte(i ^ j)
		}
		blk := uf2.BuildBlock(uint32(i), uint32(numBlocks), baseAddr+uint32(i)*target.Page, payload, familyID)
		if _, err := f.Write(blk); err != nil {
			t.Fatal(err)
		}
	}
	return path
}

func TestInspectFile_ValidUF2(t *testing.T) {
	path := writeTestUF2(t, 50, target.XIPBase, target.FamilyPlatformA)
	if err := inspectFile(path); err != nil {
		t.Errorf("inspectFile failed: %v", err)
	}
}

func TestInspectFile_InvalidMagic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.uf2")
	data := make([]byte, uf2.BlockSize)
	copy(data, []byte("NOPE"))
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}

	if err := inspectFile(path); err == nil {
		t.Error("expected error for invalid magic")
	}
}

func TestInspectFile_TruncatedTrailingBlock(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "short.uf2")
	if err := os.WriteFile(path, make([]byte, 100), 0644); err != nil {
		t.Fatal(err)
	}

	if err := inspectFile(path); err == nil {
		t.Error("expected error for file not a multiple of block size")
	}
}

func TestInspectFile_FileNotFound(t *testing.T) {
	if err := inspectFile("/nonexistent/file.uf2"); err == nil {
		t.Error("expected error for nonexistent file")
	}
}

func TestFamilyName(t *testing.T) {
	tests := []struct {
		id   uint32
		want string
	}{
		{target.FamilyPlatformA, "platform A"},
		{target.FamilyAbsolute, "ABSOLUTE (erratum workaround)"},
		{target.FamilyPlatformBArmS, "platform B, Arm Secure"},
		{0xdeadbeef, "unrecognized"},
	}
	for _, tc := range tests {
		if got := familyName(tc.id); got != tc.want {
			t.Errorf("familyName(0x%08x) = %q, want %q", tc.id, got, tc.want)
		}
	}
}
