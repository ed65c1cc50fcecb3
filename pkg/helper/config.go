package helper

import (
	"os"
	"path/filepath"
)

// SystemConfigDir is the last directory searched for configuration files
const SystemConfigDir = "/etc/replay"

// GetCfgPath returns the path to the configuration file.
//
// Lookup order:
//  1. filename itself when absolute
//  2. ./{filename}, ./configs/{filename}
//  3. $HOME/.replay/{filename}
//  4. /etc/replay/{filename}, returned even if it does not exist
func GetCfgPath(filename string) string {
	if filename == "" {
		panic("filename cannot be empty")
	}

	if filepath.IsAbs(filename) {
		return filename
	}

	for _, dir := range candidateDirs() {
		if p, ok := existing(filepath.Join(dir, filename)); ok {
			return p
		}
	}

	return filepath.Join(SystemConfigDir, filename)
}

func candidateDirs() []string {
	var dirs []string
	if wd, err := os.Getwd(); err == nil && wd != "" {
		dirs = append(dirs, wd, filepath.Join(wd, "configs"))
	}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		dirs = append(dirs, filepath.Join(home, ".replay"))
	}
	return dirs
}

func existing(path string) (string, bool) {
	if _, err := os.Stat(path); err != nil {
		return "", false
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", false
	}
	return abs, true
}
