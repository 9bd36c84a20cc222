/*Package config holds the process-wide settings of scopebench.

Settings are layered, later layers overriding earlier ones:
	1.  compiled in defaults
	2.  scopebench.yml (or scopebench.json) in the configuration directory
	3.  the legacy config.txt, KEY=VALUE lines such as SAVE_DIRECTORY=/data
	4.  SCOPEBENCH_ environment variables, e.g. SCOPEBENCH_VISA_ADDRESS;
		a double underscore descends into a section, SCOPEBENCH_MONITOR__CHANNEL
	5.  command line flags

The loaded settings are a singleton read with Get and changed with Update;
Save persists them.
*/
package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/providers/structs"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	yml "gopkg.in/yaml.v2"
)

const (
	// FileName is the name of the configuration file
	FileName = "scopebench.yml"

	// LegacyFileName is the KEY=VALUE file of earlier versions
	LegacyFileName = "config.txt"

	// EnvPrefix prefixes environment variables
	EnvPrefix = "SCOPEBENCH_"

	// DefaultVISAAddress is the bench scope
	DefaultVISAAddress = "USB0::0x0957::0x1780::MY55310270::0::INSTR"
)

// ErrInvalid is returned by Validate and Update for unusable settings
var ErrInvalid = errors.New("config: invalid settings")

// Monitor configures the home page live measurement
type Monitor struct {
	Enabled     bool   `koanf:"enabled" yaml:"enabled" json:"enabled"`
	Measurement string `koanf:"measurement" yaml:"measurement" json:"measurement"`
	Channel     int    `koanf:"channel" yaml:"channel" json:"channel"`
	IntervalMS  int    `koanf:"interval_ms" yaml:"interval_ms" json:"intervalMs"`
	History     int    `koanf:"history" yaml:"history" json:"history"`
}

// Settings is the whole configuration
type Settings struct {
	// Addr is the HTTP listen address
	Addr string `koanf:"addr" yaml:"addr" json:"addr"`

	// VISAAddress names the scope, see package visa
	VISAAddress string `koanf:"visa_address" yaml:"visa_address" json:"visaAddress"`

	// TimeoutMS bounds each exchange with the scope
	TimeoutMS int `koanf:"timeout_ms" yaml:"timeout_ms" json:"timeoutMs"`

	// Handshaking queries the error queue after every command
	Handshaking bool `koanf:"handshaking" yaml:"handshaking" json:"handshaking"`

	// CaptureFormat is ascii or word
	CaptureFormat string `koanf:"capture_format" yaml:"capture_format" json:"captureFormat"`

	// BaseDirectory holds the panel files (axis_config.json and friends)
	BaseDirectory string `koanf:"base_directory" yaml:"base_directory" json:"baseDirectory"`

	// BaseFilename is the default name of capture artifacts
	BaseFilename string `koanf:"base_filename" yaml:"base_filename" json:"baseFilename"`

	// SaveDirectory is where captures and exports are written
	SaveDirectory string `koanf:"save_directory" yaml:"save_directory" json:"saveDirectory"`

	Monitor Monitor `koanf:"monitor" yaml:"monitor" json:"monitor"`
}

// Timeout is TimeoutMS as a duration
func (s Settings) Timeout() time.Duration {
	return time.Duration(s.TimeoutMS) * time.Millisecond
}

// MonitorInterval is Monitor.IntervalMS as a duration
func (s Settings) MonitorInterval() time.Duration {
	return time.Duration(s.Monitor.IntervalMS) * time.Millisecond
}

// Validate checks that the settings are usable
func (s Settings) Validate() error {
	var problems []string
	if s.TimeoutMS <= 0 {
		problems = append(problems, "timeout_ms must be positive")
	}
	switch strings.ToLower(s.CaptureFormat) {
	case "ascii", "word":
	default:
		problems = append(problems, fmt.Sprintf("capture_format %q is not ascii or word", s.CaptureFormat))
	}
	if s.Monitor.IntervalMS <= 0 {
		problems = append(problems, "monitor.interval_ms must be positive")
	}
	if s.Monitor.History < 1 {
		problems = append(problems, "monitor.history must be at least 1")
	}
	if s.Monitor.Channel < 1 || s.Monitor.Channel > 4 {
		problems = append(problems, "monitor.channel must be 1..4")
	}
	if len(problems) > 0 {
		return errors.Wrap(ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// Defaults returns the compiled in settings
func Defaults() Settings {
	return Settings{
		Addr:          ":8000",
		VISAAddress:   DefaultVISAAddress,
		TimeoutMS:     10000,
		CaptureFormat: "ascii",
		BaseDirectory: ".",
		BaseFilename:  "my_data",
		SaveDirectory: ".",
		Monitor: Monitor{
			Measurement: "Vpp",
			Channel:     1,
			IntervalMS:  1000,
			History:     600,
		},
	}
}

// Flags returns a flag set covering the commonly overridden settings
func Flags(name string) *pflag.FlagSet {
	d := Defaults()
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.String("config", ".", "directory holding "+FileName+" and "+LegacyFileName)
	fs.String("addr", d.Addr, "HTTP listen address")
	fs.String("visa_address", d.VISAAddress, "VISA resource string or host:port of the scope")
	fs.Int("timeout_ms", d.TimeoutMS, "timeout of each exchange with the scope, milliseconds")
	fs.Bool("handshaking", d.Handshaking, "query the error queue after every command")
	fs.String("capture_format", d.CaptureFormat, "waveform transfer format, ascii or word")
	fs.String("save_directory", d.SaveDirectory, "where captures and exports are written")
	fs.String("base_directory", d.BaseDirectory, "where panel files are kept")
	return fs
}

var (
	mu      sync.RWMutex
	current = Defaults()
	loaded  string
)

// Dir returns the configuration directory named by the --config flag, or "."
func Dir(flags *pflag.FlagSet) string {
	if flags == nil {
		return "."
	}
	if f := flags.Lookup("config"); f != nil && f.Value.String() != "" {
		return f.Value.String()
	}
	return "."
}

// ReadLegacy parses a config.txt into koanf keys.  Keys are lower cased
func ReadLegacy(path string) (map[string]interface{}, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	out := map[string]interface{}{}
	scan := bufio.NewScanner(f)
	for scan.Scan() {
		line := strings.TrimSpace(scan.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		idx := strings.IndexByte(line, '=')
		if idx < 1 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(line[:idx]))
		out[key] = strings.TrimSpace(line[idx+1:])
	}
	return out, scan.Err()
}

func notExist(err error) bool {
	return err != nil && (os.IsNotExist(errors.Cause(err)) || strings.Contains(err.Error(), "no such"))
}

// build layers every source into a fresh koanf instance
func build(dir string, flags *pflag.FlagSet) (*koanf.Koanf, string, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(Defaults(), "koanf"), nil); err != nil {
		return k, "", err
	}
	path := filepath.Join(dir, FileName)
	if _, err := os.Stat(path); err == nil {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return k, path, errors.Wrapf(err, "loading %s", path)
		}
	} else if js := filepath.Join(dir, "scopebench.json"); fileExists(js) {
		path = js
		if err := k.Load(file.Provider(js), json.Parser()); err != nil {
			return k, path, errors.Wrapf(err, "loading %s", js)
		}
	}
	legacy, err := ReadLegacy(filepath.Join(dir, LegacyFileName))
	if err != nil && !notExist(err) {
		return k, path, errors.Wrap(err, "reading "+LegacyFileName)
	}
	if len(legacy) > 0 {
		if err := k.Load(confmap.Provider(legacy, "."), nil); err != nil {
			return k, path, err
		}
	}
	err = k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
		return strings.Replace(s, "__", ".", -1)
	}), nil)
	if err != nil {
		return k, path, err
	}
	if flags != nil {
		if err := k.Load(posflag.Provider(flags, ".", k), nil); err != nil {
			return k, path, err
		}
	}
	return k, path, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Load reads every layer from dir and flags (which may be nil), validates
// the result and installs it as the current settings
func Load(dir string, flags *pflag.FlagSet) (Settings, error) {
	k, path, err := build(dir, flags)
	if err != nil {
		return Settings{}, err
	}
	var s Settings
	if err := k.Unmarshal("", &s); err != nil {
		return s, errors.Wrap(err, "decoding settings")
	}
	if err := s.Validate(); err != nil {
		return s, err
	}
	mu.Lock()
	current = s
	loaded = path
	mu.Unlock()
	return s, nil
}

// Get returns a copy of the current settings
func Get() Settings {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// Update applies fn to a copy of the current settings and installs it if
// it validates
func Update(fn func(*Settings)) (Settings, error) {
	mu.Lock()
	defer mu.Unlock()
	next := current
	fn(&next)
	if err := next.Validate(); err != nil {
		return current, err
	}
	current = next
	return next, nil
}

// Set replaces the current settings if they validate
func Set(s Settings) error {
	_, err := Update(func(dst *Settings) { *dst = s })
	return err
}

// Save writes the current settings to dir as scopebench.yml, and mirrors
// SAVE_DIRECTORY and the other legacy keys into config.txt
func Save(dir string) error {
	s := Get()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	f, err := os.Create(filepath.Join(dir, FileName))
	if err != nil {
		return err
	}
	err = yml.NewEncoder(f).Encode(s)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return errors.Wrapf(err, "writing %s", FileName)
	}
	return WriteLegacy(filepath.Join(dir, LegacyFileName), s)
}

// WriteLegacy writes the KEY=VALUE file read by earlier versions
func WriteLegacy(path string, s Settings) error {
	kv := map[string]string{
		"SAVE_DIRECTORY": s.SaveDirectory,
		"BASE_DIRECTORY": s.BaseDirectory,
		"BASE_FILENAME":  s.BaseFilename,
		"VISA_ADDRESS":   s.VISAAddress,
	}
	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%s\n", k, kv[k])
	}
	return os.WriteFile(path, []byte(b.String()), 0644)
}

// Encode writes s as YAML, the format of scopebench.yml
func Encode(w io.Writer, s Settings) error {
	return yml.NewEncoder(w).Encode(s)
}

// Watch reloads the settings whenever the configuration file changes and
// calls fn with the result.  Reload errors are passed to fn with the
// settings left unchanged.  It returns once the watch is established.
func Watch(dir string, flags *pflag.FlagSet, fn func(Settings, error)) error {
	mu.RLock()
	path := loaded
	mu.RUnlock()
	if path == "" {
		path = filepath.Join(dir, FileName)
	}
	return file.Provider(path).Watch(func(event interface{}, err error) {
		if err != nil {
			fn(Get(), err)
			return
		}
		s, err := Load(dir, flags)
		if err != nil {
			fn(Get(), err)
			return
		}
		fn(s, nil)
	})
}
