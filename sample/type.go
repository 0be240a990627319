// Package sample decodes the handful of numeric encodings tile payloads may
// carry when a caller treats a channel of tile bytes as something other than
// raw 8-bit components: HDR or scientific rasters sometimes store a channel
// (most often alpha, for row-hint purposes) as a narrow or wide float, or as
// a 128-bit integer. The tile store itself never interprets pixel
// contents; this package exists only so advisory features built on top
// of it - row hint summarisation, pyramid downsampling - can read a
// value out of whatever representation the embedding application chose
// for one channel.
package sample

import (
	"cmp"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/chenxingqiang/go-floatx"
	"github.com/kshard/float8"
	"github.com/shogo82148/float128"
	"github.com/shogo82148/int128"
	"github.com/x448/float16"
)

// Type identifies how a channel's bytes are laid out. Unlike a general
// purpose codec, Type only needs to get a value back out as a float64 and
// know whether it compares as zero - that's all row hints and downsampling
// need.
type Type uint8

const (
	Uint8 Type = iota
	Uint16
	Float8
	Float16
	BFloat16
	Float32
	Float64
	Int128
	Uint128
	Float128
)

// Size returns the number of bytes one value of this type occupies.
func (t Type) Size() int {
	switch t {
	case Uint8, Float8:
		return 1
	case Uint16, Float16, BFloat16:
		return 2
	case Float32:
		return 4
	case Float64:
		return 8
	case Int128, Uint128, Float128:
		return 16
	default:
		panic(fmt.Sprintf("sample: unknown type %d", t))
	}
}

// Decode reads one value of this type from raw, widening it to a float64.
// Widening loses precision for Int128/Uint128/Float128 magnitudes beyond
// what a float64 mantissa can hold; callers that need exact wide-integer
// comparisons should use Zero instead of Decode for a zero test.
func (t Type) Decode(raw []byte, order binary.ByteOrder) float64 {
	switch t {
	case Uint8:
		return float64(raw[0])
	case Uint16:
		return float64(order.Uint16(raw))
	case Float8:
		return float64(float8.Float8(raw[0]))
	case Float16:
		return float64(float16.Frombits(order.Uint16(raw)).Float32())
	case BFloat16:
		return float64(floatx.BF16Frombits(order.Uint16(raw)).Float32())
	case Float32:
		return float64(math.Float32frombits(order.Uint32(raw)))
	case Float64:
		return math.Float64frombits(order.Uint64(raw))
	case Int128:
		v := int128FromBytes(raw, order)
		return float64(v.H)*twoToThe64 + float64(v.L)
	case Uint128:
		h, l := wideHalves(raw, order)
		return float64(h)*twoToThe64 + float64(l)
	case Float128:
		h, l := wideHalves(raw, order)
		return float128.FromBits(h, l).Float64()
	default:
		panic(fmt.Sprintf("sample: unknown type %d", t))
	}
}

// Zero reports whether the decoded value is exactly zero, without the
// precision loss Decode's float64 widening can introduce for 128-bit types.
func (t Type) Zero(raw []byte, order binary.ByteOrder) bool {
	switch t {
	case Int128, Uint128, Float128:
		h, l := wideHalves(raw, order)
		return h == 0 && l == 0
	default:
		return t.Decode(raw, order) == 0
	}
}

// Encode writes v into raw in this type's representation. Used by the
// manager's pyramid downsample to store a box-filtered result back in the
// channel's native width. Panics for Int128, Uint128 and Float128.
func (t Type) Encode(v float64, order binary.ByteOrder, raw []byte) {
	switch t {
	case Uint8:
		raw[0] = byte(clamp(v, 0, math.MaxUint8))
	case Uint16:
		order.PutUint16(raw, uint16(clamp(v, 0, math.MaxUint16)))
	case Float8:
		raw[0] = byte(float8.Float8(v))
	case Float16:
		order.PutUint16(raw, float16.Fromfloat32(float32(v)).Bits())
	case BFloat16:
		// BFloat16 is the top 16 bits of an IEEE-754 float32.
		order.PutUint16(raw, uint16(math.Float32bits(float32(v))>>16))
	case Float32:
		order.PutUint32(raw, math.Float32bits(float32(v)))
	case Float64:
		order.PutUint64(raw, math.Float64bits(v))
	case Int128, Uint128, Float128:
		// A float64 intermediate is not narrowed back into a 128-bit
		// type; raw is left untouched and Encode panics.
		panic("sample: Encode does not support widening a float64 back into a 128-bit type")
	default:
		panic(fmt.Sprintf("sample: unknown type %d", t))
	}
}

// twoToThe64 is the weight of the high 64-bit word in a 128-bit value
// split as (H, L), used to widen Int128/Uint128 into an (inexact) float64.
const twoToThe64 = 18446744073709551616.0

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func wideHalves(raw []byte, order binary.ByteOrder) (h, l uint64) {
	if order == binary.BigEndian {
		return order.Uint64(raw[0:8]), order.Uint64(raw[8:16])
	}
	return order.Uint64(raw[8:16]), order.Uint64(raw[0:8])
}

func int128FromBytes(raw []byte, order binary.ByteOrder) int128.Int128 {
	h, l := wideHalves(raw, order)
	return int128.Int128{H: int64(h), L: l}
}

// Compare orders two same-typed raw values by their decoded float64
// values. Row hint classification does not call it; it tests strictly
// against zero with Zero.
func Compare(t Type, a, b []byte, order binary.ByteOrder) int {
	return cmp.Compare(t.Decode(a, order), t.Decode(b, order))
}
