package config

// ValueType identifies how a config key's string value should be
// interpreted by anything that wants to present or validate it.
const (
	ValueTypeString = 1
	ValueTypeNum    = 2
	ValueTypeBool   = 3
)

// ConfigMeta holds description and value type for a config key.
type ConfigMeta struct {
	Desc      string
	ValueType int
	Repeated  bool // true for keys that accumulate (see Config.GetAll)
}

// ConfigMetaMap returns metadata for every known forwarder config key.
func ConfigMetaMap() map[string]ConfigMeta {
	return map[string]ConfigMeta{
		"window_size":  {"Per-stream, per-direction flow control window in bytes", ValueTypeNum, false},
		"max_msg_size": {"Maximum agent channel message size in bytes", ValueTypeNum, false},

		"associate_remote": {"guest_port:target_host:target_port rule, or bind:guest_port:target_host:target_port; repeatable", ValueTypeString, true},
		"associate_local":  {"bind:local_port:target_host:target_port rule; repeatable", ValueTypeString, true},

		"debug":                {"Enable debug-level logging", ValueTypeBool, false},
		"log_dir":              {"Log directory path", ValueTypeString, false},
		"log_rotation_enabled": {"Enable daily log file rotation", ValueTypeBool, false},
		"log_keep_days":        {"Number of days to keep rotated log files before deletion", ValueTypeNum, false},
	}
}
