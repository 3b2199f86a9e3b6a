package log

import (
	"os"
	"path/filepath"
	"runtime"
)

var (
	logDir     string
	logDirOnce bool
)

// GetLogDir returns the platform log directory for sdagent, creating it if
// needed. Linux prefers /var/log/sdagent when writable; everything else
// falls back to a per-user or temp directory.
func GetLogDir() string {
	if logDirOnce {
		return logDir
	}

	logDir = determineLogDir()
	logDirOnce = true

	if err := os.MkdirAll(logDir, 0755); err != nil {
		logDir = filepath.Join(os.TempDir(), "sdagent")
		_ = os.MkdirAll(logDir, 0755)
	}
	return logDir
}

func determineLogDir() string {
	if runtime.GOOS == "linux" {
		varLogDir := "/var/log/sdagent"
		if err := os.MkdirAll(varLogDir, 0755); err == nil {
			testFile := filepath.Join(varLogDir, ".write_test")
			if f, err := os.Create(testFile); err == nil {
				_ = f.Close()
				_ = os.Remove(testFile)
				return varLogDir
			}
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".sdagent")
	}
	return filepath.Join(os.TempDir(), "sdagent")
}
