package config

import (
	"bufio"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Config holds the forwarder's configuration: flow-control overrides and
// the set of associate rules to apply at startup. Repeated keys (the
// associate_remote and associate_local rules) accumulate in order instead
// of the last-one-wins behavior scalar keys get.
type Config struct {
	mu       sync.RWMutex
	props    map[string]string
	multi    map[string][]string
	filePath string
	modTime  time.Time
}

var globalConfig atomic.Pointer[Config]

// Get returns the global config instance.
func Get() *Config {
	return globalConfig.Load()
}

// Load reads a forwarder.conf-style flat file and returns a new Config.
// If the file does not exist, a Config with empty props (defaults) is
// returned without an error, so the host can start without a rules file.
func Load(filePath string) (*Config, error) {
	absPath, err := filepath.Abs(filePath)
	if err != nil {
		absPath = filePath
	}

	cfg := &Config{
		props:    make(map[string]string),
		multi:    make(map[string][]string),
		filePath: absPath,
	}

	info, err := os.Stat(absPath)
	if err != nil {
		globalConfig.Store(cfg)
		return cfg, nil
	}
	cfg.modTime = info.ModTime()

	f, err := os.Open(absPath)
	if err != nil {
		slog.Warn("config file open failed, using defaults", "path", absPath, "error", err)
		globalConfig.Store(cfg)
		return cfg, nil
	}
	defer f.Close()

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
		val := strings.TrimSpace(line[idx+1:])
		if key == "" {
			continue
		}
		cfg.props[key] = val
		cfg.multi[key] = append(cfg.multi[key], val)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	globalConfig.Store(cfg)
	slog.Info("config loaded", "path", absPath, "properties", len(cfg.props))
	return cfg, nil
}

// ---------------------------------------------------------------------------
// Generic typed getters
// ---------------------------------------------------------------------------

// GetString returns a config value, or the default if not set.
func (c *Config) GetString(key, defaultVal string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if v, ok := c.props[key]; ok {
		return v
	}
	return defaultVal
}

// GetInt returns an integer config value.
func (c *Config) GetInt(key string, defaultVal int) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if v, ok := c.props[key]; ok {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

// GetInt64 returns an int64 config value.
func (c *Config) GetInt64(key string, defaultVal int64) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if v, ok := c.props[key]; ok {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return defaultVal
}

// GetBool returns a boolean config value.
// Truthy values: "true", "1", "yes", "on" (case-insensitive).
func (c *Config) GetBool(key string, defaultVal bool) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if v, ok := c.props[key]; ok {
		switch strings.ToLower(v) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	}
	return defaultVal
}

// GetAll returns every value seen for key, in the order the lines
// appeared in the file. Used for repeatable keys like associate_remote
// and associate_local, where a single scalar getter would only see the
// last line.
func (c *Config) GetAll(key string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.multi[key]...)
}

// ---------------------------------------------------------------------------
// Convenience accessors for well-known configuration keys
// ---------------------------------------------------------------------------

// WindowSize returns window_size, the per-stream per-direction flow
// control window override (default 10 MiB).
func (c *Config) WindowSize() uint32 {
	return uint32(c.GetInt64("window_size", 10*1024*1024))
}

// MaxMsgSize returns max_msg_size, the outer-transport message ceiling
// override (default 64 KiB).
func (c *Config) MaxMsgSize() int {
	return c.GetInt("max_msg_size", 64*1024)
}

// AssociateRemoteRules returns every associate_remote rule line, applied
// in file order at startup.
func (c *Config) AssociateRemoteRules() []string {
	return c.GetAll("associate_remote")
}

// AssociateLocalRules returns every associate_local rule line, applied in
// file order at startup.
func (c *Config) AssociateLocalRules() []string {
	return c.GetAll("associate_local")
}

// LogDir returns log_dir (default "./logs").
func (c *Config) LogDir() string {
	return c.GetString("log_dir", "./logs")
}

// LogRotationEnabled returns log_rotation_enabled (default true).
func (c *Config) LogRotationEnabled() bool {
	return c.GetBool("log_rotation_enabled", true)
}

// LogKeepDays returns log_keep_days (default 30).
func (c *Config) LogKeepDays() int {
	return c.GetInt("log_keep_days", 30)
}

// IsDebug returns debug (default false).
func (c *Config) IsDebug() bool {
	return c.GetBool("debug", false)
}

// FilePath returns the absolute path to the config file.
func (c *Config) FilePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.filePath
}

// ConfDir returns the directory containing the config file.
func (c *Config) ConfDir() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.filePath == "" {
		return ""
	}
	return filepath.Dir(c.filePath)
}
