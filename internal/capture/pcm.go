package capture

import "encoding/binary"

// Float32ToPCM16 appends src to dst as little-endian 16-bit PCM, clamping
// samples outside [-1, 1].
func Float32ToPCM16(dst []byte, src []float32) []byte {
	for _, f := range src {
		var v int16
		switch {
		case f >= 1:
			v = 32767
		case f <= -1:
			v = -32768
		case f < 0:
			v = int16(f * 32768)
		default:
			v = int16(f * 32767)
		}
		dst = binary.LittleEndian.AppendUint16(dst, uint16(v))
	}
	return dst
}

// DecodePCM16 appends the samples in b to dst. A trailing odd byte is ignored.
func DecodePCM16(dst []int16, b []byte) []int16 {
	for i := 0; i+1 < len(b); i += 2 {
		dst = append(dst, int16(binary.LittleEndian.Uint16(b[i:i+2])))
	}
	return dst
}
