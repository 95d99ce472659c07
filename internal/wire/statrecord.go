package wire

// PackStatRecord/UnpackStatRecord serialize a StatRecord for RStatRemote
// (spec §4.8, §6): the envoy-to-envoy stat reply carries this encoding
// rather than go9p's p.Dir wire format, since StatRecord, not p.Dir, is
// this repository's internal domain type for an object's metadata.
//
// Wire layout: mode[4] atime[4] mtime[4] length[8] name[s] uid[s] gid[s]
// muid[s] numuid[4] numgid[4] nummuid[4] extension[s].
func PackStatRecord(st StatRecord) []byte {
	n := 4 + 4 + 4 + 8 +
		2 + len(st.Name) +
		2 + len(st.Uid) +
		2 + len(st.Gid) +
		2 + len(st.Muid) +
		4 + 4 + 4 +
		2 + len(st.Extension)
	buf := make([]byte, n)
	ptr := pint32(st.Mode, buf)
	ptr = pint32(st.Atime, ptr)
	ptr = pint32(st.Mtime, ptr)
	ptr = pint64(st.Length, ptr)
	ptr = pstr(st.Name, ptr)
	ptr = pstr(st.Uid, ptr)
	ptr = pstr(st.Gid, ptr)
	ptr = pstr(st.Muid, ptr)
	ptr = pint32(st.Numuid, ptr)
	ptr = pint32(st.Numgid, ptr)
	ptr = pint32(st.Nummuid, ptr)
	pstr(st.Extension, ptr)
	return buf
}

func UnpackStatRecord(src []byte) StatRecord {
	var st StatRecord
	st.Mode, src = gint32(src)
	st.Atime, src = gint32(src)
	st.Mtime, src = gint32(src)
	st.Length, src = gint64(src)
	st.Name, src = gstr(src)
	st.Uid, src = gstr(src)
	st.Gid, src = gstr(src)
	st.Muid, src = gstr(src)
	st.Numuid, src = gint32(src)
	st.Numgid, src = gint32(src)
	st.Nummuid, src = gint32(src)
	st.Extension, _ = gstr(src)
	return st
}
