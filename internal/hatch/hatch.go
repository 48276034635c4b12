// Package hatch implements the MCP server environment manager: discovery of
// server entry points in a servers directory and resolution of the Python
// interpreter used to launch them. The orchestration core consumes it only
// through the Environment interface.
package hatch

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// Environment is the contract the orchestration core consumes.
type Environment interface {
	// ListServerEntryPoints returns the launchable server script paths.
	ListServerEntryPoints() ([]string, error)

	// ResolvePythonExecutable returns the interpreter used to spawn server
	// subprocesses.
	ResolvePythonExecutable() (string, error)
}

// DirEnvironment discovers MCP servers under a single directory. A server is
// either a top-level *.py script or a subdirectory carrying a server.yaml
// manifest pointing at its entrypoint.
type DirEnvironment struct {
	serversDir string
	// pythonOverride, when non-empty, short-circuits interpreter resolution.
	pythonOverride string
}

// NewDirEnvironment creates an environment rooted at serversDir.
func NewDirEnvironment(serversDir, pythonOverride string) *DirEnvironment {
	return &DirEnvironment{
		serversDir:     serversDir,
		pythonOverride: pythonOverride,
	}
}

// Interface guard for DirEnvironment
var _ Environment = &DirEnvironment{}

// ListServerEntryPoints scans the servers directory. Missing directories are
// not an error; they yield an empty list.
func (e *DirEnvironment) ListServerEntryPoints() ([]string, error) {
	if _, err := os.Stat(e.serversDir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			zap.L().Debug("Servers directory does not exist", zap.String("dir", e.serversDir))
			return nil, nil
		}
		return nil, fmt.Errorf("failed to stat servers directory: %w", err)
	}

	entries, err := os.ReadDir(e.serversDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read servers directory: %w", err)
	}

	var paths []string
	for _, entry := range entries {
		full := filepath.Join(e.serversDir, entry.Name())

		if entry.IsDir() {
			manifest, manifestErr := LoadManifest(full)
			if manifestErr != nil {
				zap.L().Debug("Skipping directory without a valid server manifest",
					zap.String("dir", full), zap.Error(manifestErr))
				continue
			}
			if validateErr := ValidateManifest(manifest, full); validateErr != nil {
				zap.L().Warn("Invalid server manifest",
					zap.String("dir", full), zap.Error(validateErr))
				continue
			}
			paths = append(paths, filepath.Join(full, manifest.Entrypoint))
			continue
		}

		if strings.HasSuffix(entry.Name(), ".py") {
			paths = append(paths, full)
		}
	}

	// Stable ordering keeps connect order deterministic across runs.
	sort.Strings(paths)

	zap.L().Debug("Discovered server entry points",
		zap.String("dir", e.serversDir),
		zap.Int("count", len(paths)))
	return paths, nil
}

// ResolvePythonExecutable resolves the interpreter, in order: the configured
// override, a python3 on PATH, then python.
func (e *DirEnvironment) ResolvePythonExecutable() (string, error) {
	if e.pythonOverride != "" {
		return e.pythonOverride, nil
	}

	for _, candidate := range []string{"python3", "python"} {
		if path, err := exec.LookPath(candidate); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("no python interpreter found on PATH (set python_executable in config)")
}

// InterpreterForScript returns the script's shebang interpreter when one is
// present, falling back to the environment's python.
func (e *DirEnvironment) InterpreterForScript(path string) (string, error) {
	interpreter, err := ParseShebangFromPath(path)
	if err == nil && interpreter != "" {
		return interpreter, nil
	}

	// Shebang errors other than a read failure are expected for plain
	// scripts; fall back to the resolved python.
	var fileReadErr *ShebangFileReadError
	if errors.As(err, &fileReadErr) {
		return "", err
	}

	return e.ResolvePythonExecutable()
}
