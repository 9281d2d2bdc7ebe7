package process

import (
	"os"
	"path/filepath"
	"runtime"
)

// Layout locates the interpreter, script and dependency manifest for the
// sidecar. Dev mode reads from the project tree; packaged mode from the
// bundled resources directory.
type Layout struct {
	Dev          bool
	Runtime      string // explicit interpreter; empty means resolve
	Script       string
	ProjectDir   string
	ResourcesDir string
	GOOS         string // defaults to runtime.GOOS
}

func (l Layout) goos() string {
	if l.GOOS != "" {
		return l.GOOS
	}
	return runtime.GOOS
}

// PythonDir is the directory holding the script and requirement manifests.
func (l Layout) PythonDir() string {
	if l.Dev {
		return filepath.Join(l.ProjectDir, "python")
	}
	return filepath.Join(l.ResourcesDir, "python")
}

func (l Layout) ScriptPath() string {
	return filepath.Join(l.PythonDir(), l.Script)
}

// ManifestPath returns the requirements file for the target OS.
func (l Layout) ManifestPath() string {
	name := "requirements.txt"
	if l.goos() == "darwin" {
		name = "requirements-macos.txt"
	}
	return filepath.Join(l.PythonDir(), name)
}

// VenvPython is the project virtualenv interpreter path, whether or not it exists.
func (l Layout) VenvPython() string {
	if l.goos() == "windows" {
		return filepath.Join(l.ProjectDir, "venv", "Scripts", "python.exe")
	}
	return filepath.Join(l.ProjectDir, "venv", "bin", "python")
}

// ResolveRuntime picks the interpreter: explicit config, then the project
// venv (dev only), then the platform's default command name.
func (l Layout) ResolveRuntime() string {
	if l.Runtime != "" {
		return l.Runtime
	}
	if l.Dev {
		if fi, err := os.Stat(l.VenvPython()); err == nil && !fi.IsDir() {
			return l.VenvPython()
		}
	}
	if l.goos() == "windows" {
		return "python"
	}
	return "python3"
}
