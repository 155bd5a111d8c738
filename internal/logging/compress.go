package logging

import (
	"log/slog"
	"os"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// encoderPool reuses zstd encoders across rotations instead of paying
// dictionary/table setup cost on every rotated-out file.
var encoderPool = sync.Pool{
	New: func() any {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			panic(err)
		}
		return enc
	},
}

// compressAndRemove zstd-compresses path into path+zstSuffix and removes
// the original on success. Failures are logged and otherwise ignored: a
// rotated log file left uncompressed is not a correctness issue, just a
// missed disk-space win.
func compressAndRemove(path string) {
	raw, err := os.ReadFile(path)
	if err != nil {
		slog.Warn("log compress: read failed", "path", path, "error", err)
		return
	}

	enc := encoderPool.Get().(*zstd.Encoder)
	defer encoderPool.Put(enc)
	enc.Reset(nil)

	compressed := enc.EncodeAll(raw, nil)

	dst := path + zstSuffix
	if err := os.WriteFile(dst, compressed, 0644); err != nil {
		slog.Warn("log compress: write failed", "path", dst, "error", err)
		return
	}
	if err := os.Remove(path); err != nil {
		slog.Warn("log compress: cleanup of original failed", "path", path, "error", err)
	}
}
