package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempConf(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "forwarder.conf")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_BasicProperties(t *testing.T) {
	path := writeTempConf(t, `
window_size=1048576
max_msg_size=32768
debug=true
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.GetInt64("window_size", 0) != 1048576 {
		t.Errorf("expected window_size=1048576, got %d", cfg.GetInt64("window_size", 0))
	}
	if cfg.GetInt("max_msg_size", 0) != 32768 {
		t.Errorf("expected max_msg_size=32768, got %d", cfg.GetInt("max_msg_size", 0))
	}
	if cfg.GetBool("debug", false) != true {
		t.Error("expected debug=true")
	}
}

func TestLoad_Comments(t *testing.T) {
	path := writeTempConf(t, `
# This is a comment
debug=true

# Another comment

max_msg_size=8192
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.GetBool("debug", false) {
		t.Error("expected debug=true")
	}
	if cfg.GetInt("max_msg_size", 0) != 8192 {
		t.Errorf("expected 8192, got %d", cfg.GetInt("max_msg_size", 0))
	}
	// Ensure comments are not parsed as keys.
	if cfg.GetString("# This is a comment", "") != "" {
		t.Error("comment should not be a key")
	}
}

func TestLoad_Defaults(t *testing.T) {
	path := writeTempConf(t, "")
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.WindowSize() != 10*1024*1024 {
		t.Errorf("expected default window size, got %d", cfg.WindowSize())
	}
	if cfg.MaxMsgSize() != 64*1024 {
		t.Errorf("expected default max msg size, got %d", cfg.MaxMsgSize())
	}
	if cfg.IsDebug() {
		t.Error("expected default debug=false")
	}
}

func TestGetString(t *testing.T) {
	path := writeTempConf(t, "key1=value1\n  key2 = value with spaces  \n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.GetString("key1", "") != "value1" {
		t.Errorf("expected value1, got %q", cfg.GetString("key1", ""))
	}
	if cfg.GetString("key2", "") != "value with spaces" {
		t.Errorf("expected 'value with spaces', got %q", cfg.GetString("key2", ""))
	}
	if cfg.GetString("nonexistent", "def") != "def" {
		t.Errorf("expected default 'def', got %q", cfg.GetString("nonexistent", "def"))
	}
}

func TestGetInt(t *testing.T) {
	path := writeTempConf(t, "port=9090\nbad=abc\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.GetInt("port", 0) != 9090 {
		t.Errorf("expected 9090, got %d", cfg.GetInt("port", 0))
	}
	if cfg.GetInt("bad", 42) != 42 {
		t.Errorf("expected default 42 for non-numeric value, got %d", cfg.GetInt("bad", 42))
	}
	if cfg.GetInt("missing", 100) != 100 {
		t.Errorf("expected default 100, got %d", cfg.GetInt("missing", 100))
	}
}

func TestGetBool(t *testing.T) {
	path := writeTempConf(t, "a=true\nb=false\nc=1\nd=0\ne=yes\nf=no\ng=on\nh=off\ni=TRUE\nj=invalid\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		key      string
		expected bool
	}{
		{"a", true}, {"b", false}, {"c", true}, {"d", false},
		{"e", true}, {"f", false}, {"g", true}, {"h", false}, {"i", true},
	}
	for _, tc := range cases {
		got := cfg.GetBool(tc.key, !tc.expected)
		if got != tc.expected {
			t.Errorf("GetBool(%q): expected %v, got %v", tc.key, tc.expected, got)
		}
	}

	if cfg.GetBool("j", true) != true {
		t.Error("invalid bool value should return default")
	}
	if cfg.GetBool("j", false) != false {
		t.Error("invalid bool value should return default")
	}
}

func TestLoad_NonExistent(t *testing.T) {
	cfg, err := Load("/tmp/nonexistent_forwarder_test_12345.conf")
	if err != nil {
		t.Fatalf("expected no error for missing file, got %v", err)
	}
	if cfg == nil {
		t.Fatal("expected non-nil Config for missing file")
	}
	if cfg.WindowSize() != 10*1024*1024 {
		t.Errorf("expected default window size, got %d", cfg.WindowSize())
	}
	if len(cfg.AssociateRemoteRules()) != 0 {
		t.Error("expected no associate_remote rules for a missing file")
	}
}

func TestConvenienceMethods(t *testing.T) {
	path := writeTempConf(t, `
window_size=2097152
max_msg_size=16384
log_dir=/var/forwarder/logs
log_rotation_enabled=false
log_keep_days=7
debug=true
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name     string
		got      interface{}
		expected interface{}
	}{
		{"WindowSize", cfg.WindowSize(), uint32(2097152)},
		{"MaxMsgSize", cfg.MaxMsgSize(), 16384},
		{"LogDir", cfg.LogDir(), "/var/forwarder/logs"},
		{"LogRotationEnabled", cfg.LogRotationEnabled(), false},
		{"LogKeepDays", cfg.LogKeepDays(), 7},
		{"IsDebug", cfg.IsDebug(), true},
	}

	for _, tc := range tests {
		if tc.got != tc.expected {
			t.Errorf("%s: expected %v, got %v", tc.name, tc.expected, tc.got)
		}
	}
}

func TestGetInt64(t *testing.T) {
	path := writeTempConf(t, "big=9223372036854775807\nsmall=42\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.GetInt64("big", 0) != 9223372036854775807 {
		t.Errorf("expected max int64, got %d", cfg.GetInt64("big", 0))
	}
	if cfg.GetInt64("small", 0) != 42 {
		t.Errorf("expected 42, got %d", cfg.GetInt64("small", 0))
	}
	if cfg.GetInt64("missing", -1) != -1 {
		t.Errorf("expected default -1, got %d", cfg.GetInt64("missing", -1))
	}
}

func TestAssociateRulesAccumulate(t *testing.T) {
	path := writeTempConf(t, `
associate_remote=9000:host1:80
associate_remote=0.0.0.0:9001:host2:81
associate_local=7000:echo.host:9000
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	remote := cfg.AssociateRemoteRules()
	if len(remote) != 2 {
		t.Fatalf("expected 2 associate_remote rules, got %d: %v", len(remote), remote)
	}
	if remote[0] != "9000:host1:80" || remote[1] != "0.0.0.0:9001:host2:81" {
		t.Errorf("unexpected associate_remote rules order/content: %v", remote)
	}

	local := cfg.AssociateLocalRules()
	if len(local) != 1 || local[0] != "7000:echo.host:9000" {
		t.Errorf("unexpected associate_local rules: %v", local)
	}
}
