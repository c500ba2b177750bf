// Package record defines the tensor-port descriptors the scheduler
// reasons about: Locale (a stable per-port identifier) and Record (the
// full descriptor carrying a content hash and device tag). The
// scheduler never interprets the tensor data itself — only identity.
package record

import (
	"hash/fnv"

	"google.golang.org/protobuf/types/known/structpb"
)

// Device is the execution device a port or module is bound to.
type Device int

const (
	CPU Device = iota
	CUDA
	Metal
	Vulkan
	None
)

func (d Device) String() string {
	switch d {
	case CPU:
		return "CPU"
	case CUDA:
		return "CUDA"
	case Metal:
		return "Metal"
	case Vulkan:
		return "Vulkan"
	case None:
		return "None"
	default:
		return "Unknown"
	}
}

// Locale identifies a port as (block, sub, pin). Two locales with equal
// SHash belong to the same module; two locales with equal Hash are the
// same physical pin.
type Locale struct {
	Block uint32
	Sub   uint32
	Pin   uint32
}

// SHash hashes (Block, Sub) only — module identity.
func (l Locale) SHash() uint64 {
	h := fnv.New64a()
	var buf [8]byte
	putU32(buf[0:4], l.Block)
	putU32(buf[4:8], l.Sub)
	h.Write(buf[:])
	return h.Sum64()
}

// Hash hashes (Block, Sub, Pin) — port identity.
func (l Locale) Hash() uint64 {
	h := fnv.New64a()
	var buf [12]byte
	putU32(buf[0:4], l.Block)
	putU32(buf[4:8], l.Sub)
	putU32(buf[8:12], l.Pin)
	h.Write(buf[:])
	return h.Sum64()
}

func putU32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

// Record is an immutable tensor-port descriptor, produced once by a
// module's wiring declaration.
type Record struct {
	DataType string
	Shape    []int64
	Device   Device
	// DataPtr is opaque: the scheduler logs and compares it, never
	// dereferences it.
	DataPtr uintptr
	// Hash identifies the logical tensor; two records with equal Hash
	// are aliases of the same tensor, possibly at different locales.
	Hash   uint64
	Locale Locale
	// Attrs is the strongly-typed stand-in for the std::any-tagged
	// config maps module-construction sites pass around (see
	// config.Attrs). Nil when a port carries no dynamic attributes.
	Attrs *structpb.Struct
}

// RecordMap maps pin name to Record. Keys are unique per module; order
// is not meaningful.
type RecordMap map[string]Record

// Hashes returns the set of record hashes present in the map.
func (m RecordMap) Hashes() map[uint64]struct{} {
	out := make(map[uint64]struct{}, len(m))
	for _, r := range m {
		out[r.Hash] = struct{}{}
	}
	return out
}
