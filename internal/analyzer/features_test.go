package analyzer

import (
	"bytes"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestEntropy(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want float64
	}{
		{"empty", nil, 0},
		{"single byte repeated", bytes.Repeat([]byte{0x41}, 1024), 0},
		{"two symbols even", append(bytes.Repeat([]byte{0}, 512), bytes.Repeat([]byte{1}, 512)...), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Entropy(tt.data)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Entropy() = %v, want %v", got, tt.want)
			}
		})
	}

	t.Run("all 256 symbols", func(t *testing.T) {
		data := make([]byte, 256)
		for i := range data {
			data[i] = byte(i)
		}
		if got := Entropy(data); math.Abs(got-8) > 1e-9 {
			t.Errorf("Entropy() = %v, want 8", got)
		}
	})
}

func TestExtractFeatures(t *testing.T) {
	dir := t.TempDir()

	t.Run("text file", func(t *testing.T) {
		path := filepath.Join(dir, "notes.txt")
		content := "meeting notes for tomorrow morning"
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}

		meta := ExtractFeatures(path)
		if meta.Ext != ".txt" {
			t.Errorf("Ext = %q, want .txt", meta.Ext)
		}
		if meta.Size != int64(len(content)) {
			t.Errorf("Size = %d, want %d", meta.Size, len(content))
		}
		if meta.TextSnippet != content {
			t.Errorf("TextSnippet = %q, want %q", meta.TextSnippet, content)
		}
		if len(meta.SHA256) != 64 {
			t.Errorf("SHA256 length = %d, want 64", len(meta.SHA256))
		}
		if meta.Features.IsExecutable != 0 {
			t.Error("text file flagged as executable")
		}
		if meta.Features.IsScript != 0 {
			t.Error("text file flagged as script")
		}
	})

	t.Run("pe executable", func(t *testing.T) {
		path := filepath.Join(dir, "tool.exe")
		if err := os.WriteFile(path, append([]byte("MZ"), bytes.Repeat([]byte{0x90}, 64)...), 0o644); err != nil {
			t.Fatal(err)
		}

		meta := ExtractFeatures(path)
		if meta.Features.IsExecutable != 1 {
			t.Error("MZ header not recognized as executable")
		}
		if meta.TextSnippet != "" {
			t.Error("binary file produced a text snippet")
		}
	})

	t.Run("elf executable", func(t *testing.T) {
		path := filepath.Join(dir, "daemon")
		if err := os.WriteFile(path, []byte{0x7f, 'E', 'L', 'F', 0, 0}, 0o644); err != nil {
			t.Fatal(err)
		}
		if meta := ExtractFeatures(path); meta.Features.IsExecutable != 1 {
			t.Error("ELF header not recognized as executable")
		}
	})

	t.Run("script and archive flags", func(t *testing.T) {
		script := filepath.Join(dir, "run.ps1")
		if err := os.WriteFile(script, []byte("Write-Host hi"), 0o644); err != nil {
			t.Fatal(err)
		}
		if meta := ExtractFeatures(script); meta.Features.IsScript != 1 {
			t.Error(".ps1 not flagged as script")
		}

		archive := filepath.Join(dir, "bundle.zip")
		if err := os.WriteFile(archive, []byte("PK\x03\x04"), 0o644); err != nil {
			t.Fatal(err)
		}
		if meta := ExtractFeatures(archive); meta.Features.IsArchive != 1 {
			t.Error(".zip not flagged as archive")
		}
	})

	t.Run("missing file degrades", func(t *testing.T) {
		meta := ExtractFeatures(filepath.Join(dir, "does-not-exist.bin"))
		if meta.Size != 0 {
			t.Errorf("Size = %d, want 0", meta.Size)
		}
		if len(meta.SHA256) != 64 {
			t.Errorf("SHA256 length = %d, want 64 even for unreadable file", len(meta.SHA256))
		}
	})
}

func TestExtractFeaturesSnippetCap(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "big.log")
	if err := os.WriteFile(path, []byte(strings.Repeat("a", textSnippetRune+500)), 0o644); err != nil {
		t.Fatal(err)
	}
	meta := ExtractFeatures(path)
	if len([]rune(meta.TextSnippet)) != textSnippetRune {
		t.Errorf("snippet length = %d, want %d", len([]rune(meta.TextSnippet)), textSnippetRune)
	}
}
