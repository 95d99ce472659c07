package dirblock

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nicolagi/envoy9p/internal/wire"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	entries := []Entry{
		{OID: 1, Name: "alpha"},
		{OID: 2, CoW: true, Name: "beta"},
		{OID: 3, Name: "gamma"},
	}
	buf, err := EncodeBlock(entries, 256)
	require.NoError(t, err)
	require.Len(t, buf, 256)

	got, err := DecodeBlock(buf, 256)
	require.NoError(t, err)
	require.Equal(t, entries, got)
}

func TestEncodeBlockOverflow(t *testing.T) {
	var entries []Entry
	for i := 0; i < 50; i++ {
		entries = append(entries, Entry{OID: wire.OID(i), Name: "a-fairly-long-directory-entry-name"})
	}
	_, err := EncodeBlock(entries, 256)
	require.Error(t, err)
}

func TestEncodeBlockRejectsLongName(t *testing.T) {
	name := make([]byte, 128)
	for i := range name {
		name[i] = 'x'
	}
	_, err := EncodeBlock([]Entry{{OID: 1, Name: string(name)}}, 256)
	require.Error(t, err)
}

// TestDecodeBlockRejectsMalformedEnd models the malformed-block scenario
// from spec §8 S6: a block whose declared end-of-data offset does not
// correspond to an exact walk across whole entries must be rejected
// rather than silently truncated or overrun.
func TestDecodeBlockRejectsMalformedEnd(t *testing.T) {
	entries := []Entry{
		{OID: 1, Name: "one"},
		{OID: 2, Name: "two"},
		{OID: 3, CoW: true, Name: "three"},
	}
	buf, err := EncodeBlock(entries, 128)
	require.NoError(t, err)

	t.Run("end beyond block size", func(t *testing.T) {
		corrupt := append([]byte(nil), buf...)
		corrupt[0] = 0xff
		corrupt[1] = 0xff
		_, err := DecodeBlock(corrupt, 128)
		require.Error(t, err)
	})

	t.Run("end splits an entry", func(t *testing.T) {
		corrupt := append([]byte(nil), buf...)
		corrupt[0]--
		_, err := DecodeBlock(corrupt, 128)
		require.Error(t, err)
	})

	t.Run("buffer shorter than declared end", func(t *testing.T) {
		corrupt := buf[:10]
		_, err := DecodeBlock(corrupt, 128)
		require.Error(t, err)
	})
}

func TestCloneBlockSetsCoWBit(t *testing.T) {
	entries := []Entry{
		{OID: 1, Name: "one"},
		{OID: 2, CoW: true, Name: "two"},
	}
	buf, err := EncodeBlock(entries, 128)
	require.NoError(t, err)

	cloned := CloneBlock(buf)
	got, err := DecodeBlock(cloned, 128)
	require.NoError(t, err)
	for _, e := range got {
		require.True(t, e.CoW)
	}

	// Original buffer is untouched.
	orig, err := DecodeBlock(buf, 128)
	require.NoError(t, err)
	require.False(t, orig[0].CoW)
	require.True(t, orig[1].CoW)
}
