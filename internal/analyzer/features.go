package analyzer

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"math"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/sentrix/scan-engine/pkg/models"
)

const (
	headReadBytes   = 128 * 1024
	textSnippetRune = 200_000
)

var textExtensions = map[string]bool{
	".txt": true, ".log": true, ".csv": true, ".json": true,
	".xml": true, ".html": true, ".md": true, ".ini": true, ".conf": true,
}

var officeExtensions = map[string]bool{
	".doc": true, ".docx": true, ".xls": true, ".xlsx": true, ".ppt": true, ".pptx": true,
}

var archiveExtensions = map[string]bool{
	".zip": true, ".rar": true, ".7z": true, ".gz": true, ".bz2": true,
}

var scriptExtensions = map[string]bool{
	".js": true, ".vbs": true, ".bat": true, ".ps1": true, ".sh": true, ".py": true,
}

// executableMagics are matched against the head: PE, ELF and Mach-O
// (both byte orders).
var executableMagics = [][]byte{
	[]byte("MZ"),
	{0x7f, 'E', 'L', 'F'},
	{0xcf, 0xfa, 0xed, 0xfe},
	{0xfe, 0xed, 0xfa, 0xcf},
}

// Entropy computes the Shannon entropy of data in bits per byte, [0,8].
func Entropy(data []byte) float64 {
	if len(data) == 0 {
		return 0
	}
	var counts [256]int
	for _, b := range data {
		counts[b]++
	}
	total := float64(len(data))
	ent := 0.0
	for _, c := range counts {
		if c == 0 {
			continue
		}
		p := float64(c) / total
		ent -= p * math.Log2(p)
	}
	return ent
}

// SHA256File streams the full file through SHA-256.
func SHA256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func isProbablyExecutable(head []byte) float64 {
	for _, magic := range executableMagics {
		if len(head) >= len(magic) && string(head[:len(magic)]) == string(magic) {
			return 1
		}
	}
	return 0
}

// guessMime prefers content magic over the filename. Falls back to the
// extension map, then to application/octet-stream.
func guessMime(path string, head []byte) string {
	if len(head) > 0 {
		if mt := mimetype.Detect(head); mt != nil && mt.String() != "" {
			return strings.SplitN(mt.String(), ";", 2)[0]
		}
	}
	if g := mime.TypeByExtension(filepath.Ext(path)); g != "" {
		return strings.SplitN(g, ";", 2)[0]
	}
	return "application/octet-stream"
}

// ExtractFeatures reads at most a 128 KiB head plus, for known text
// extensions, a bounded text snippet, and derives the numeric feature
// vector. Metadata read failures degrade to zero values so the rest of the
// pipeline still runs.
func ExtractFeatures(path string) models.FileMeta {
	ext := strings.ToLower(filepath.Ext(path))

	var head []byte
	if f, err := os.Open(path); err == nil {
		buf := make([]byte, headReadBytes)
		n, _ := io.ReadFull(f, buf)
		head = buf[:n]
		f.Close()
	}

	var size int64
	if st, err := os.Stat(path); err == nil {
		size = st.Size()
	}

	sha, err := SHA256File(path)
	if err != nil {
		// Unreadable file: hash whatever head we got so the record still
		// carries a stable digest.
		sum := sha256.Sum256(head)
		sha = hex.EncodeToString(sum[:])
	}

	mimeType := guessMime(path, head)

	snippet := ""
	if textExtensions[ext] {
		if raw, err := os.ReadFile(path); err == nil {
			runes := []rune(string(raw))
			if len(runes) > textSnippetRune {
				runes = runes[:textSnippetRune]
			}
			snippet = string(runes)
		}
	}

	boolF := func(b bool) float64 {
		if b {
			return 1
		}
		return 0
	}

	return models.FileMeta{
		Path:        path,
		Name:        filepath.Base(path),
		Ext:         ext,
		Mime:        mimeType,
		Size:        size,
		SHA256:      sha,
		TextSnippet: snippet,
		Features: models.FileFeatures{
			Entropy:      Entropy(head),
			FilesizeKB:   float64(size) / 1024.0,
			IsExecutable: isProbablyExecutable(head),
			IsOfficeDoc:  boolF(officeExtensions[ext]),
			IsArchive:    boolF(archiveExtensions[ext]),
			IsScript:     boolF(scriptExtensions[ext]),
			MimeIsPDF:    boolF(mimeType == "application/pdf"),
		},
	}
}
