package forwarder

import "log/slog"

// Option configures a Forwarder at construction time, mirroring the
// teacher's ServerConfig/DefaultServerConfig pattern but expressed as
// functional options since a Forwarder, unlike the teacher's tcp.Server,
// has no single config struct the host is expected to build by hand.
type Option func(*Forwarder)

// WithWindowSize overrides the default 10 MiB per-stream, per-direction
// flow-control window (spec §4.5).
func WithWindowSize(size uint32) Option {
	return func(f *Forwarder) {
		f.windowSize = size
	}
}

// WithMaxMsgSize overrides the default outer-transport message ceiling;
// the per-read chunk size is derived from it (MAX_MSG_SIZE - DATA_HEAD_SIZE).
func WithMaxMsgSize(size int) Option {
	return func(f *Forwarder) {
		f.maxMsgSize = size
	}
}

// WithLogger overrides the default slog.Default() logger. Lifecycle events
// log at debug, protocol violations at warn, matching spec §6.3.
func WithLogger(logger *slog.Logger) Option {
	return func(f *Forwarder) {
		f.logger = logger
	}
}
