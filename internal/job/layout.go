package job

import "path/filepath"

// Fixed names inside a job directory.
const (
	ScriptName   = "script.py"
	ManifestName = "requirements.txt"
	EnvDirName   = "venv"
	LogDirName   = "logs"
)

// Layout maps job keys to paths under a data directory.
type Layout struct {
	Root string
}

func (l Layout) Dir(k Key) string { return filepath.Join(l.Root, k.String()) }

func (l Layout) Script(k Key) string { return filepath.Join(l.Dir(k), ScriptName) }

func (l Layout) Manifest(k Key) string { return filepath.Join(l.Dir(k), ManifestName) }

func (l Layout) LogDir(k Key) string { return filepath.Join(l.Dir(k), LogDirName) }

// EnvDir is the isolated runtime environment of the job in dir.
func EnvDir(dir string) string { return filepath.Join(dir, EnvDirName) }

// Interpreter is the python binary inside the environment of dir.
func Interpreter(dir string) string { return filepath.Join(EnvDir(dir), "bin", "python") }

// Installer is the pip binary inside the environment of dir.
func Installer(dir string) string { return filepath.Join(EnvDir(dir), "bin", "pip") }
