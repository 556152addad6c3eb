package system

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
)

// searchUp walks from the working directory toward the filesystem root
// until it finds a directory containing name.
func searchUp(name string) (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", os.ErrNotExist
		}
		dir = parent
	}
}

// LoadEnv reads KEY=VALUE pairs from a .env style file into the process
// environment. When the file is not in the working directory the parent
// directories are searched, so the binary can also run from inside cmd/
// during development.
func LoadEnv(filename string) error {
	f, err := os.Open(filename)
	if err != nil {
		dir, dirErr := searchUp(filename)
		if dirErr != nil {
			return dirErr
		}
		if f, err = os.Open(filepath.Join(dir, filename)); err != nil {
			return err
		}
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		if err := os.Setenv(strings.TrimSpace(key), strings.TrimSpace(value)); err != nil {
			return err
		}
	}
	return scanner.Err()
}
