package wire

import "testing"

func TestLeaseRecordRoundTrip(t *testing.T) {
	cases := []LeaseRecord{
		{Pathname: "/", Readonly: false, OID: 42, Addr: Address{IP: 0x7f000001, Port: 9922}},
		{Pathname: "/snapshots/17", Readonly: true, OID: NOOID, Addr: Address{}},
	}
	for _, want := range cases {
		buf := want.Pack(make([]byte, want.Len()))
		if len(buf) != 0 {
			t.Fatalf("Pack left %d unused bytes", len(buf))
		}
		packed := make([]byte, want.Len())
		want.Pack(packed)
		got, rest, err := UnpackLeaseRecord(packed)
		if err != nil {
			t.Fatalf("unpack: %v", err)
		}
		if len(rest) != 0 {
			t.Fatalf("unpack left %d trailing bytes", len(rest))
		}
		if got != want {
			t.Fatalf("round trip mismatch: got %+v, want %+v", got, want)
		}
	}
}

func TestFidRecordRoundTrip(t *testing.T) {
	want := FidRecord{
		Fid:           7,
		Pathname:      "/a/b/c",
		User:          "glenda",
		Status:        FidOpenDir,
		Omode:         uint32(OREAD),
		ReaddirCookie: 1024,
		Addr:          Address{IP: 0x0a000001, Port: 9922},
	}
	packed := make([]byte, want.Len())
	want.Pack(packed)
	got, rest, err := UnpackFidRecord(packed)
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if len(rest) != 0 {
		t.Fatalf("unpack left %d trailing bytes", len(rest))
	}
	if got != want {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, want)
	}
}

func TestQidRoundTrip(t *testing.T) {
	want := Qid{Type: QTDIR, Version: 12345, Path: 0xdeadbeef}
	buf := make([]byte, QidSize)
	PackQid(want, buf)
	got, rest := UnpackQid(buf)
	if len(rest) != 0 {
		t.Fatalf("left %d trailing bytes", len(rest))
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestGrantMessageRoundTrip(t *testing.T) {
	want := TGrant{
		Type: GrantSingle,
		Root: LeaseRecord{Pathname: "/snapshots/17", OID: 99, Addr: Address{IP: 1, Port: 9922}},
		SourceAddr: Address{IP: 2, Port: 9922},
		Exits: []LeaseRecord{
			{Pathname: "/snapshots/17/child", OID: 100, Addr: Address{IP: 3, Port: 9922}},
		},
		Fids: []FidRecord{
			{Fid: 1, Pathname: "/snapshots/17", User: "u", Status: FidOpenDir},
		},
	}
	framed := want.Pack(42)
	hdr, body, err := UnpackHeader(framed)
	if err != nil {
		t.Fatalf("header: %v", err)
	}
	if hdr.ID != TEGrant || hdr.Tag != 42 {
		t.Fatalf("unexpected header %+v", hdr)
	}
	got, err := UnpackTGrant(body)
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if got.Type != want.Type || got.Root != want.Root || got.SourceAddr != want.SourceAddr {
		t.Fatalf("mismatch: %+v vs %+v", got, want)
	}
	if len(got.Exits) != 1 || got.Exits[0] != want.Exits[0] {
		t.Fatalf("exits mismatch: %+v", got.Exits)
	}
	if len(got.Fids) != 1 || got.Fids[0] != want.Fids[0] {
		t.Fatalf("fids mismatch: %+v", got.Fids)
	}
}
