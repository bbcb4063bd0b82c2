// Package creds loads database credentials from a line-oriented KEY = VALUE
// file, searching the working directory and its ancestors so the file can be
// kept outside the directory tree a web server exposes. The ancestor walk is
// bounded at 100 directories so a filesystem link loop fails cleanly.
package creds

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/animats/impostorpipeline/internal/pipeline/errs"
)

const maxAncestorWalk = 100

// Credentials is the parsed KEY = VALUE content of a credentials file.
type Credentials struct {
	values map[string]string
}

// Get returns the value for key, or "" if absent.
func (c Credentials) Get(key string) string {
	return c.values[key]
}

// DBPort returns DB_PORT parsed as an integer, defaulting to defaultPort when
// the key is absent or blank.
func (c Credentials) DBPort(defaultPort int) (int, error) {
	raw := strings.TrimSpace(c.values["DB_PORT"])
	if raw == "" {
		return defaultPort, nil
	}
	port, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: DB_PORT %q is not a number", errs.ErrInput, raw)
	}
	return port, nil
}

// Load finds filename by searching the current directory and its ancestors,
// then parses it as KEY = VALUE lines.
func Load(filename string) (Credentials, error) {
	path, err := findCredentials(filename)
	if err != nil {
		return Credentials{}, err
	}
	values, err := parseCredentialsFile(path)
	if err != nil {
		return Credentials{}, err
	}
	for _, required := range []string{"DB_HOST", "DB_USER", "DB_PASS", "DB_NAME"} {
		if values[required] == "" {
			return Credentials{}, fmt.Errorf("%w: credentials file %q is missing required key %s", errs.ErrInput, path, required)
		}
	}
	return Credentials{values: values}, nil
}

func findCredentials(filename string) (string, error) {
	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("%w: %v", errs.ErrInput, err)
	}
	for i := 0; i < maxAncestorWalk; i++ {
		if _, err := os.Stat(wd); err != nil {
			return "", fmt.Errorf("%w: tried all parent directories without finding credentials file %q", errs.ErrInput, filename)
		}
		candidate := filepath.Join(wd, filename)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
		parent := filepath.Dir(wd)
		if parent == wd {
			return "", fmt.Errorf("%w: could not find credentials file %q in directory tree", errs.ErrInput, filename)
		}
		wd = parent
	}
	return "", fmt.Errorf("%w: link loop in directory tree above %q looking for %q", errs.ErrInput, wd, filename)
}

func parseCredentialsFile(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrInput, err)
	}
	defer f.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		idx := strings.Index(line, "=")
		if idx < 0 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		value := strings.TrimSpace(line[idx+1:])
		values[key] = value
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrInput, err)
	}
	return values, nil
}
