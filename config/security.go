package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

const (
	maxConfigSize = 1 << 20
	maxPathLen    = 4096
)

var configExtensions = []string{".yaml", ".yml"}

func checkConfigPath(path string) error {
	switch {
	case path == "":
		return fmt.Errorf("empty config path")
	case len(path) > maxPathLen:
		return fmt.Errorf("path too long: %d > %d", len(path), maxPathLen)
	case slices.Contains(strings.Split(filepath.ToSlash(path), "/"), ".."):
		return fmt.Errorf("path traversal not allowed: %s", path)
	case !slices.Contains(configExtensions, strings.ToLower(filepath.Ext(path))):
		return fmt.Errorf("only YAML config files allowed: %s", path)
	}
	return nil
}

// safeReadFile reads a YAML config file. The file is opened once and read
// through a limit, so a file that grows after the size check is still bounded.
func safeReadFile(path string) ([]byte, error) {
	if err := checkConfigPath(path); err != nil {
		return nil, fmt.Errorf("invalid config path: %w", err)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cannot open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("cannot stat config file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("not a regular file: %s", path)
	}
	if info.Size() > maxConfigSize {
		return nil, fmt.Errorf("config file too large: %d bytes > %d", info.Size(), maxConfigSize)
	}

	data, err := io.ReadAll(io.LimitReader(f, maxConfigSize+1))
	if err != nil {
		return nil, fmt.Errorf("cannot read config file: %w", err)
	}
	if len(data) > maxConfigSize {
		return nil, fmt.Errorf("config file too large: more than %d bytes", maxConfigSize)
	}
	return data, nil
}
