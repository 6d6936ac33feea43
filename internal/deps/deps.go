// Package deps infers the external packages a Python script needs and writes
// them to a pip requirements manifest.
package deps

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

var (
	importRe = regexp.MustCompile(`^\s*import\s+(.+)$`)
	fromRe   = regexp.MustCompile(`^\s*from\s+([A-Za-z_][\w.]*)\s+import\b`)
)

// Resolver maps top-level module names to installable package identifiers.
type Resolver interface {
	Resolve(modules []string) []string
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(modules []string) []string

func (f ResolverFunc) Resolve(modules []string) []string { return f(modules) }

// DefaultMapping lists modules whose distribution name differs from the
// import name.
var DefaultMapping = map[string]string{
	"aiogram":  "aiogram",
	"telegram": "python-telegram-bot",
	"telebot":  "pyTelegramBotAPI",
	"cv2":      "opencv-python",
	"PIL":      "Pillow",
	"sklearn":  "scikit-learn",
	"yaml":     "PyYAML",
	"discord":  "discord.py",
	"requests": "requests",
	"numpy":    "numpy",
}

// MappingResolver resolves through a lookup table and falls back to the
// module name itself.
type MappingResolver map[string]string

func (m MappingResolver) Resolve(modules []string) []string {
	seen := make(map[string]struct{}, len(modules))
	out := make([]string, 0, len(modules))
	for _, mod := range modules {
		pkg, ok := m[mod]
		if !ok {
			pkg = mod
		}
		if _, dup := seen[pkg]; dup {
			continue
		}
		seen[pkg] = struct{}{}
		out = append(out, pkg)
	}
	sort.Strings(out)
	return out
}

// Imports returns the sorted top-level modules imported by src that are not
// part of the Python standard library. Relative imports are skipped, as is
// anything inside a string literal or a comment.
func Imports(src []byte) []string {
	found := make(map[string]struct{})
	for _, st := range statements(src) {
		if m := fromRe.FindStringSubmatch(st); m != nil {
			add(found, m[1])
			continue
		}
		if m := importRe.FindStringSubmatch(st); m != nil {
			for _, part := range strings.Split(m[1], ",") {
				name := strings.TrimSpace(part)
				if j := strings.Index(name, " as "); j >= 0 {
					name = strings.TrimSpace(name[:j])
				}
				add(found, name)
			}
		}
	}
	out := make([]string, 0, len(found))
	for m := range found {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// statements splits src into logical statements. Comments are dropped and
// string literals collapse to "". A newline or ';' ends a statement unless it
// is inside brackets or follows a backslash.
func statements(src []byte) []string {
	var (
		out   []string
		cur   strings.Builder
		depth int
	)
	flush := func() {
		if st := strings.TrimSpace(cur.String()); st != "" {
			out = append(out, st)
		}
		cur.Reset()
	}
	for i := 0; i < len(src); i++ {
		switch c := src[i]; c {
		case '#':
			for i < len(src) && src[i] != '\n' {
				i++
			}
			i--
		case '"', '\'':
			i = stringEnd(src, i)
			cur.WriteString(`""`)
		case '\\':
			if i+1 < len(src) && src[i+1] == '\n' {
				i++
			}
			cur.WriteByte(' ')
		case '(', '[', '{':
			depth++
			cur.WriteByte(c)
		case ')', ']', '}':
			if depth > 0 {
				depth--
			}
			cur.WriteByte(c)
		case ';':
			flush()
		case '\r':
			cur.WriteByte(' ')
		case '\n':
			if depth == 0 {
				flush()
			} else {
				cur.WriteByte(' ')
			}
		default:
			cur.WriteByte(c)
		}
	}
	flush()
	return out
}

// stringEnd returns the index of the closing quote of the literal opening
// at src[i]. An unterminated single-quoted literal ends before the newline.
func stringEnd(src []byte, i int) int {
	q := src[i]
	if i+2 < len(src) && src[i+1] == q && src[i+2] == q {
		for j := i + 3; j < len(src); j++ {
			switch {
			case src[j] == '\\':
				j++
			case src[j] == q && j+2 < len(src) && src[j+1] == q && src[j+2] == q:
				return j + 2
			}
		}
		return len(src) - 1
	}
	for j := i + 1; j < len(src); j++ {
		switch src[j] {
		case '\\':
			j++
		case q:
			return j
		case '\n':
			return j - 1
		}
	}
	return len(src) - 1
}

func add(found map[string]struct{}, dotted string) {
	top, _, _ := strings.Cut(dotted, ".")
	top = strings.TrimSpace(top)
	if top == "" || !isIdent(top) || IsStdlib(top) || top == "__future__" {
		return
	}
	found[top] = struct{}{}
}

func isIdent(s string) bool {
	for i, r := range s {
		if r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (i > 0 && r >= '0' && r <= '9') {
			continue
		}
		return false
	}
	return true
}

// Infer returns the packages required by src using r.
func Infer(src []byte, r Resolver) []string {
	mods := Imports(src)
	if len(mods) == 0 {
		return nil
	}
	if r == nil {
		r = MappingResolver(DefaultMapping)
	}
	return r.Resolve(mods)
}

// WriteManifest writes one package per line to path. Nothing is written for
// an empty package list, so the absence of the file means "no dependencies".
func WriteManifest(path string, pkgs []string) (bool, error) {
	if len(pkgs) == 0 {
		return false, nil
	}
	data := strings.Join(pkgs, "\n") + "\n"
	if err := os.WriteFile(filepath.Clean(path), []byte(data), 0o600); err != nil {
		return false, fmt.Errorf("write manifest: %w", err)
	}
	return true, nil
}

// ReadManifest reads a manifest written by WriteManifest. Blank lines and
// comments are ignored.
func ReadManifest(path string) ([]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	var out []string
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out, nil
}
