package wire

// Little-endian packing helpers in the style of muscle's
// internal/tree/codec_v16.go (pint8/pint32/pint64/pstr and their g-
// counterparts): each p-function writes in place at the front of the
// destination slice, which must already be long enough, and returns the
// advanced tail; each g-function consumes from the front of
// the source slice and returns the remainder.

func pint8(v uint8, dst []byte) []byte {
	dst[0] = v
	return dst[1:]
}

func pint16(v uint16, dst []byte) []byte {
	dst[0] = byte(v)
	dst[1] = byte(v >> 8)
	return dst[2:]
}

func pint32(v uint32, dst []byte) []byte {
	dst[0] = byte(v)
	dst[1] = byte(v >> 8)
	dst[2] = byte(v >> 16)
	dst[3] = byte(v >> 24)
	return dst[4:]
}

func pint64(v uint64, dst []byte) []byte {
	for i := 0; i < 8; i++ {
		dst[i] = byte(v >> (8 * uint(i)))
	}
	return dst[8:]
}

func pstr(s string, dst []byte) []byte {
	dst = pint16(uint16(len(s)), dst)
	return dst[copy(dst, s):]
}

func pbytes(b []byte, dst []byte) []byte {
	return dst[copy(dst, b):]
}

func gint8(src []byte) (uint8, []byte) {
	return src[0], src[1:]
}

func gint16(src []byte) (uint16, []byte) {
	return uint16(src[0]) | uint16(src[1])<<8, src[2:]
}

func gint32(src []byte) (uint32, []byte) {
	return uint32(src[0]) | uint32(src[1])<<8 | uint32(src[2])<<16 | uint32(src[3])<<24, src[4:]
}

func gint64(src []byte) (uint64, []byte) {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(src[i]) << (8 * uint(i))
	}
	return v, src[8:]
}

func gstr(src []byte) (string, []byte) {
	n, rest := gint16(src)
	return string(rest[:n]), rest[n:]
}

// PackQid packs a Qid in the fixed 13-byte wire layout: type[1] version[4] path[8].
func PackQid(q Qid, dst []byte) []byte {
	dst = pint8(q.Type, dst)
	dst = pint32(q.Version, dst)
	dst = pint64(q.Path, dst)
	return dst
}

func UnpackQid(src []byte) (Qid, []byte) {
	var q Qid
	q.Type, src = gint8(src)
	q.Version, src = gint32(src)
	var path uint64
	path, src = gint64(src)
	q.Path = path
	return q, src
}

const QidSize = 1 + 4 + 8

func PackAddress(a Address, dst []byte) []byte {
	dst = pint32(a.IP, dst)
	dst = pint16(a.Port, dst)
	return dst
}

func UnpackAddress(src []byte) (Address, []byte) {
	var a Address
	a.IP, src = gint32(src)
	a.Port, src = gint16(src)
	return a, src
}

const AddressSize = 4 + 2
