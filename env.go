package unique

import (
	"os"
	"path/filepath"
)

const (
	// RuntimeDirEnv overrides the directory coordination sockets live in.
	RuntimeDirEnv = "UNIQUE_RUNTIME_DIR"

	runtimeDirName = "unique"
)

var stdEnv = &env{
	getenv:      os.Getenv,
	userHomeDir: os.UserHomeDir,
}

type env struct {
	getenv      func(string) string
	userHomeDir func() (string, error)
}

// runtimeDir returns the directory coordination addresses are created in:
// $UNIQUE_RUNTIME_DIR, else $XDG_RUNTIME_DIR/unique, else
// ~/.local/var/run/unique.
func (e *env) runtimeDir() (string, error) {
	if dir := e.getenv(RuntimeDirEnv); dir != "" {
		return dir, nil
	}
	if dir := e.getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, runtimeDirName), nil
	}
	home, err := e.userHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".local", "var", "run", runtimeDirName), nil
}

// DefaultRuntimeDir returns the runtime directory used when none is
// configured with WithRuntimeDir.
func DefaultRuntimeDir() (string, error) {
	return stdEnv.runtimeDir()
}
