package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// GetDataDir returns the directory Saline uses for runtime files (it
// keeps no persisted data of its own — everything lives in memory).
// On Linux/macOS: /etc/saline when running as root or when it exists and
// is writable, else $HOME/.saline. On Windows: ProgramData/AppData.
func GetDataDir() string {
	if dir := os.Getenv("SALINE_DATA_DIR"); dir != "" {
		return dir
	}

	if runtime.GOOS == "windows" {
		if programData := os.Getenv("PROGRAMDATA"); programData != "" {
			return filepath.Join(programData, "saline")
		}
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "saline")
		}
		return filepath.Join("C:", "ProgramData", "saline")
	}

	if os.Geteuid() == 0 {
		return "/etc/saline"
	}

	etcDir := "/etc/saline"
	if info, err := os.Stat(etcDir); err == nil && info.IsDir() {
		testFile := filepath.Join(etcDir, ".write-test")
		if f, err := os.Create(testFile); err == nil {
			f.Close()
			os.Remove(testFile)
			return etcDir
		}
	}

	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".saline")
	}

	return ".saline-cache"
}

func GetLogDir() string {
	return filepath.Join(GetDataDir(), "logs")
}

// EnsureDataDir creates the data and log directories if absent.
func EnsureDataDir() error {
	dir := GetDataDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	return os.MkdirAll(GetLogDir(), 0755)
}
