// Package config loads and saves the persisted defaults this core's CLI
// front end can fall back to when a flag isn't passed explicitly. It is
// laid out the same way delve's pkg/config is: same directory/file
// layout convention, same yaml.v2 round trip, renamed fields for this
// domain's flags (watch/ignore-list aliases, the avoid-equal-statements
// policy, and source path substitution for --show-lines).
package config

import (
	"fmt"
	"io/ioutil"
	"os"
	"os/user"
	"path"

	"gopkg.in/yaml.v2"
)

const (
	configDir  = ".pbd"
	configFile = "config.yml"
)

// SubstitutePathRule rewrites a DW_AT_comp_dir-derived source path to a
// local checkout, used when --show-lines is set and the recorded path
// does not exist on disk.
type SubstitutePathRule struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

// SubstitutePathRules is an ordered list of SubstitutePathRule; the first
// rule whose From is a prefix of the recorded path wins.
type SubstitutePathRules []SubstitutePathRule

// Apply rewrites path using the first matching rule, or returns path
// unchanged if none match.
func (rules SubstitutePathRules) Apply(path string) string {
	for _, r := range rules {
		if len(path) >= len(r.From) && path[:len(r.From)] == r.From {
			return r.To + path[len(r.From):]
		}
	}
	return path
}

// Config is the persisted set of defaults the CLI consults before
// applying command-line flags; flags always win over these.
type Config struct {
	// WatchListAliases and IgnoreListAliases let a user name a
	// frequently-used --watch-list/--ignore-list value and refer to it by
	// a short alias on the command line.
	WatchListAliases  map[string][]string `yaml:"watch-list-aliases"`
	IgnoreListAliases map[string][]string `yaml:"ignore-list-aliases"`

	// AvoidEqualStatements mirrors the --avoid-equal-statements flag's
	// default when the flag is not passed explicitly.
	AvoidEqualStatements bool `yaml:"avoid-equal-statements"`

	// ContextLines is the default --context-lines value.
	ContextLines int `yaml:"context-lines"`

	// SubstitutePath rewrites DWARF-recorded source paths for --show-lines.
	SubstitutePath SubstitutePathRules `yaml:"substitute-path"`
}

// Load attempts to populate a Config from configDir/configFile, creating
// a commented default file on first run. Any error loading or parsing
// the file yields a zero-value Config rather than failing the program —
// configuration is a convenience layer, not a precondition for running.
func Load() *Config {
	if err := createConfigPath(); err != nil {
		fmt.Printf("pbd: could not create config directory: %v\n", err)
		return &Config{}
	}
	fullPath, err := FilePath(configFile)
	if err != nil {
		fmt.Printf("pbd: unable to resolve config file path: %v\n", err)
		return &Config{}
	}

	f, err := os.Open(fullPath)
	if err != nil {
		f, err = createDefaultConfig(fullPath)
		if err != nil {
			fmt.Printf("pbd: error creating default config file: %v\n", err)
			return &Config{}
		}
	}
	defer f.Close()

	data, err := ioutil.ReadAll(f)
	if err != nil {
		fmt.Printf("pbd: unable to read config data: %v\n", err)
		return &Config{}
	}

	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		fmt.Printf("pbd: unable to decode config file: %v\n", err)
		return &Config{}
	}
	return &c
}

// Save marshals conf and writes it to configDir/configFile.
func Save(conf *Config) error {
	fullPath, err := FilePath(configFile)
	if err != nil {
		return err
	}
	out, err := yaml.Marshal(*conf)
	if err != nil {
		return err
	}
	f, err := os.Create(fullPath)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(out)
	return err
}

func createDefaultConfig(path string) (*os.File, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("unable to create config file: %w", err)
	}
	if err := writeDefaultConfig(f); err != nil {
		return nil, fmt.Errorf("unable to write default configuration: %w", err)
	}
	return f, nil
}

func writeDefaultConfig(f *os.File) error {
	_, err := f.WriteString(
		`# Configuration file for pbd.
#
# This is the default configuration file. Available options are provided
# but disabled. Delete the leading hash mark to enable an item.

# Named aliases for frequently used --watch-list/--ignore-list values.
watch-list-aliases:
  # myalias: ["var1", "var2"]
ignore-list-aliases:
  # myalias: ["var1", "var2"]

# Default for the unsafe --avoid-equal-statements flag.
# avoid-equal-statements: false

# Default number of context lines shown around a change with --show-lines.
# context-lines: 2

# Source path substitution rules for --show-lines, applied when the
# DW_AT_comp_dir-derived path does not exist on disk.
substitute-path:
  # - from: /build/path
  #   to: /home/me/checkout
`)
	return err
}

func createConfigPath() error {
	dir, err := FilePath("")
	if err != nil {
		return err
	}
	return os.MkdirAll(dir, 0700)
}

// FilePath resolves name against the user's config directory
// (~/.pbd/name); name may be empty to get just the directory.
func FilePath(name string) (string, error) {
	home := "."
	if usr, err := user.Current(); err == nil {
		home = usr.HomeDir
	}
	return path.Join(home, configDir, name), nil
}
