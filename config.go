package tilestore

import (
	"encoding/binary"

	"github.com/sirupsen/logrus"

	"github.com/owlpinetech/tilestore/sample"
)

// Historical tile dimensions: every manager tiles its raster in fixed
// TileWidth x TileHeight blocks. These are compile-time contracts;
// everything else below is configuration, not a contract.
const (
	TileWidth  = 64
	TileHeight = 64

	// DefaultGrowthQuantum is the number of tile-sized slots a swap file
	// grows by when no existing gap can satisfy an allocation.
	DefaultGrowthQuantum = 16

	// MaxBytesPerPixel bounds bpp at tile creation (1..4 in the source).
	MaxBytesPerPixel = 4

	// DefaultCacheHighWaterMark is the default bound, in bytes, on the
	// sum of resident-but-unreferenced tile payloads.
	DefaultCacheHighWaterMark = 64 * 1024 * 1024

	// DefaultOpenFileLimit bounds how many swap files may have a live
	// file descriptor at once before the oldest-used is closed.
	DefaultOpenFileLimit = 16
)

// Config carries the process-wide, immutable-after-init settings: cache
// high-water mark, swap fd limit, and swap growth quantum. Tile
// width/height stay compile-time constants. Passed explicitly into
// NewManager instead of living as global mutable state. NewManager reads
// only Log, SampleType and SampleOrder; the cache and swap fields are not
// applied by it - NewCache and swap.NewStore take those values as their
// own arguments.
type Config struct {
	CacheHighWaterMark int
	SwapGrowthQuantum  int
	SwapOpenFileLimit  int
	Log                logrus.FieldLogger

	// SampleType is how a manager's channels are laid out within a
	// pixel's bpp bytes, for row-hint classification and pyramid
	// downsampling. Bpp must be an exact multiple of SampleType.Size();
	// the zero value, Uint8, reproduces the historical one-byte-per-
	// channel behaviour.
	SampleType sample.Type
	// SampleOrder is the byte order multi-byte sample types are
	// decoded/encoded with. Defaults to little-endian.
	SampleOrder binary.ByteOrder
}

// DefaultConfig returns the historical defaults.
func DefaultConfig() Config {
	return Config{
		CacheHighWaterMark: DefaultCacheHighWaterMark,
		SwapGrowthQuantum:  DefaultGrowthQuantum,
		SwapOpenFileLimit:  DefaultOpenFileLimit,
		Log:                logrus.StandardLogger(),
		SampleType:         sample.Uint8,
		SampleOrder:        binary.LittleEndian,
	}
}

func (c Config) logger() logrus.FieldLogger {
	if c.Log == nil {
		return logrus.StandardLogger()
	}
	return c.Log
}

func (c Config) sampleOrder() binary.ByteOrder {
	if c.SampleOrder == nil {
		return binary.LittleEndian
	}
	return c.SampleOrder
}
