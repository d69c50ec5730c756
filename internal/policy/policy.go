package policy

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/sentrix/scan-engine/pkg/models"
)

// Enforcer applies the configured containment action to files whose fused
// severity clears the threshold. Modes: simulate (default, log only),
// rename, quarantine. Filesystem failures surface as an "error" outcome
// on the result; the scan itself never fails.
type Enforcer struct {
	mode          string
	minSeverity   models.Severity
	quarantineDir string
}

func NewEnforcer(mode string, minSeverity models.Severity, quarantineDir string) *Enforcer {
	return &Enforcer{
		mode:          strings.ToLower(mode),
		minSeverity:   minSeverity,
		quarantineDir: quarantineDir,
	}
}

// Mode returns the active policy mode.
func (e *Enforcer) Mode() string {
	return e.mode
}

// MinSeverity returns the enforcement threshold.
func (e *Enforcer) MinSeverity() models.Severity {
	return e.minSeverity
}

// Apply decides and executes the containment action for one scanned file.
func (e *Enforcer) Apply(path string, severity models.Severity) models.PolicyOutcome {
	if e.mode == "simulate" || !severity.AtLeast(e.minSeverity) {
		return models.PolicyOutcome{Action: models.ActionSimulate}
	}

	switch e.mode {
	case "rename":
		target, err := renameBlocked(path)
		if err != nil {
			return models.PolicyOutcome{Action: models.ActionError, Error: err.Error()}
		}
		log.Printf("[Policy] Renamed %s -> %s", path, target)
		return models.PolicyOutcome{Action: models.ActionRename, Target: target}

	case "quarantine":
		target, err := e.quarantine(path)
		if err != nil {
			return models.PolicyOutcome{Action: models.ActionError, Error: err.Error()}
		}
		log.Printf("[Policy] Quarantined %s -> %s", path, target)
		return models.PolicyOutcome{Action: models.ActionQuarantine, Target: target}
	}
	return models.PolicyOutcome{Action: models.ActionNone}
}

// renameBlocked appends ".blocked" to the filename, then ".blocked.1",
// ".blocked.2", … taking the smallest free suffix.
func renameBlocked(path string) (string, error) {
	target := path + ".blocked"
	for n := 1; exists(target); n++ {
		target = fmt.Sprintf("%s.blocked.%d", path, n)
	}
	if err := os.Rename(path, target); err != nil {
		return "", fmt.Errorf("failed to rename: %v", err)
	}
	return target, nil
}

// quarantine moves the file into the quarantine directory keeping its
// basename; collisions get "_1", "_2", … on the stem.
func (e *Enforcer) quarantine(path string) (string, error) {
	if err := os.MkdirAll(e.quarantineDir, 0o700); err != nil {
		return "", fmt.Errorf("failed to create quarantine dir: %v", err)
	}

	base := filepath.Base(path)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)

	target := filepath.Join(e.quarantineDir, base)
	for n := 1; exists(target); n++ {
		target = filepath.Join(e.quarantineDir, fmt.Sprintf("%s_%d%s", stem, n, ext))
	}

	if err := moveFile(path, target); err != nil {
		return "", fmt.Errorf("failed to quarantine: %v", err)
	}
	return target, nil
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

// moveFile renames, falling back to copy-and-delete for cross-device moves.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}
