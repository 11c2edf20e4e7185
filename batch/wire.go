package batch

import (
	"encoding/binary"
	"fmt"

	"github.com/minicore/cpucore/types/errtypes"
)

// MakeMetadataBuffers packs positions, input_mapping, and write_mapping
// each into their own little-endian int32 byte buffer, matching the
// `make_metadata_buffers` FFI entry point
// (original_source/rust/minisgl-cpu-py/src/minisgl_cpu/__init__.py) that
// the reference implementation's Python scheduler calls in place of the
// three individual make_positions/make_input_mapping/make_write_mapping
// builders when the Rust extension is loaded (cpu_backend.py's
// _ensure_cached_metadata), so a shadow FFI backend can be byte-compared
// against this Go builder's own arrays without either side knowing the
// other's in-memory representation.
func MakeMetadataBuffers(b Batch) (positions, inputMapping, writeMapping []byte) {
	return encodeInt32s(b.Positions), encodeInt32s(b.InputMapping), encodeInt32s(b.WriteMapping)
}

func encodeInt32s(vals []int32) []byte {
	buf := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(buf[i*4:], uint32(v))
	}
	return buf
}

// DecodeMetadataBuffers is the inverse of MakeMetadataBuffers: it
// decodes three little-endian int32 buffers back into plain []int32
// arrays, used by the round-trip property in spec.md §8 (R4) and by a
// shadow comparator consuming a byte-buffer-returning builder.
func DecodeMetadataBuffers(positions, inputMapping, writeMapping []byte) (Batch, error) {
	pos, err := decodeInt32s(positions)
	if err != nil {
		return Batch{}, err
	}
	im, err := decodeInt32s(inputMapping)
	if err != nil {
		return Batch{}, err
	}
	wm, err := decodeInt32s(writeMapping)
	if err != nil {
		return Batch{}, err
	}
	return Batch{Positions: pos, InputMapping: im, WriteMapping: wm}, nil
}

func decodeInt32s(buf []byte) ([]int32, error) {
	if len(buf)%4 != 0 {
		return nil, &errtypes.BadPayloadError{Reason: fmt.Sprintf("metadata buffer length %d is not a multiple of 4", len(buf))}
	}
	out := make([]int32, len(buf)/4)
	for i := range out {
		out[i] = int32(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return out, nil
}
