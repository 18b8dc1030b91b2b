package theme

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/SteelMorgan/logview/internal/domain"
)

// extensions tried, in order, when a theme is looked up by name
var extensions = []string{".yaml", ".yml", ".toml"}

// DefaultDirs returns the directories searched for theme files
func DefaultDirs() []string {
	var dirs []string
	if dir, err := os.UserConfigDir(); err == nil {
		dirs = append(dirs, filepath.Join(dir, "logview", "themes"))
	}
	return dirs
}

// Load resolves a theme by built-in name, by file path, or by name inside dirs.
// Values missing from a theme file keep their built-in default.
func Load(name string, dirs []string) (Theme, error) {
	if name == "" {
		return Default(), nil
	}
	if builtin, ok := builtins[name]; ok {
		return builtin(), nil
	}

	if ext := filepath.Ext(name); ext != "" {
		if _, err := os.Stat(name); err == nil {
			return loadFile(name)
		}
	}
	for _, dir := range dirs {
		for _, ext := range extensions {
			path := filepath.Join(dir, name+ext)
			if _, err := os.Stat(path); err == nil {
				return loadFile(path)
			}
		}
	}

	return Theme{}, &domain.ConfigurationError{
		Field: "theme",
		Value: name,
		Err:   fmt.Errorf("unknown theme, use any of %s or a theme file", strings.Join(Builtins(), ", ")),
	}
}

// LoadOrDefault is Load that never fails: a theme that cannot be found or
// read is logged and the built-in default is used instead.
func LoadOrDefault(name string, dirs []string) Theme {
	t, err := Load(name, dirs)
	if err != nil {
		log.Warn().Err(err).Str("theme", name).Msg("Failed to load theme, using the default")
		return Default()
	}
	return t
}

// Builtins lists the built-in theme names
func Builtins() []string {
	names := make([]string, 0, len(builtins))
	for name := range builtins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func loadFile(path string) (Theme, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Theme{}, &domain.IOError{Path: path, Op: "open", Err: err}
		}
		return Theme{}, fmt.Errorf("failed to read theme file: %w", err)
	}

	t := Default()
	t.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		err = toml.Unmarshal(data, &t)
	default:
		err = yaml.Unmarshal(data, &t)
	}
	if err != nil {
		return Theme{}, &domain.ConfigurationError{Field: "theme file", Value: path, Err: err}
	}
	return t, nil
}
