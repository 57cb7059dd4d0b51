package mailbox

import (
	"testing"

	"github.com/creativeprojects/mailsync/lib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIndexHeaderRoundTrip(t *testing.T) {
	header := NewIndexHeader(1234)
	header.Generation = 3
	header.Exists = 2
	header.LastUID = 10
	header.LastAppendDate = 1600000000
	header.QuotaMailboxUsed = 400
	header.Deleted = 1
	header.Answered = 2
	header.Flagged = 0
	header.Pop3LastLogin = 99

	buf := header.Encode()
	require.Len(t, buf, IndexHeaderSize)
	decoded, err := DecodeIndexHeader(buf)
	require.NoError(t, err)
	assert.Equal(t, header, decoded)
	assert.False(t, decoded.NeedsUpgrade)
	assert.Equal(t, int64(IndexHeaderSize+2*IndexRecordSize), decoded.IndexLength())
	assert.Equal(t, int64(IndexHeaderSize+IndexRecordSize), decoded.RecordOffset(2))
}

func TestDecodeTruncatedIndexHeader(t *testing.T) {
	buf := NewIndexHeader(1).Encode()
	_, err := DecodeIndexHeader(buf[:OffsetPop3LastLogin-1])
	assert.ErrorIs(t, err, lib.ErrBadFormat)

	// declares more than available
	_, err = DecodeIndexHeader(buf[:OffsetPop3LastLogin+4])
	assert.ErrorIs(t, err, lib.ErrBadFormat)
}

func TestDecodeInvalidRecordSize(t *testing.T) {
	header := NewIndexHeader(1)
	header.RecordSize = 10
	_, err := DecodeIndexHeader(header.Encode())
	assert.ErrorIs(t, err, lib.ErrBadFormat)
}

func TestDecodeOlderIndexHeader(t *testing.T) {
	fixtures := []struct {
		name          string
		startOffset   uint32
		uidValidity   uint32
		countsMissing bool
		pop3NewUIDL   uint32
	}{
		{"before pop3 login", OffsetPop3LastLogin, 1, true, 0},
		{"before uidvalidity", OffsetUIDValidity, 1, true, 0},
		{"before flag counts", OffsetDeleted, 77, true, 0},
		{"before new uidl", OffsetPop3NewUIDL, 77, false, 0},
		{"before spare", OffsetSpare, 77, false, 1},
	}
	for _, fixture := range fixtures {
		t.Run(fixture.name, func(t *testing.T) {
			header := NewIndexHeader(77)
			header.Exists = 1
			header.Deleted = 1
			header.Pop3LastLogin = 12
			header.Pop3NewUIDL = 1
			header.MinorVersion = 3
			header.StartOffset = fixture.startOffset
			buf := header.Encode()[:fixture.startOffset]

			decoded, err := DecodeIndexHeader(buf)
			require.NoError(t, err)
			assert.True(t, decoded.NeedsUpgrade)
			assert.Equal(t, fixture.uidValidity, decoded.UIDValidity)
			assert.Equal(t, fixture.countsMissing, decoded.CountsMissing)
			assert.Equal(t, fixture.pop3NewUIDL, decoded.Pop3NewUIDL)
			if fixture.startOffset == OffsetPop3LastLogin {
				assert.Zero(t, decoded.Pop3LastLogin)
			}
		})
	}
}

func TestEmptyMailboxAlwaysHasNewUIDL(t *testing.T) {
	header := NewIndexHeader(1)
	header.Pop3NewUIDL = 0
	decoded, err := DecodeIndexHeader(header.Encode())
	require.NoError(t, err)
	assert.Equal(t, uint32(1), decoded.Pop3NewUIDL)
}

func TestGeneration(t *testing.T) {
	generation, err := DecodeGeneration(EncodeGeneration(0xdeadbeef))
	require.NoError(t, err)
	assert.Equal(t, uint32(0xdeadbeef), generation)

	_, err = DecodeGeneration([]byte{1, 2})
	assert.ErrorIs(t, err, lib.ErrBadFormat)
}

func FuzzDecodeIndexHeader(f *testing.F) {
	f.Add(NewIndexHeader(1).Encode())
	f.Add([]byte{})
	f.Fuzz(func(t *testing.T, data []byte) {
		header, err := DecodeIndexHeader(data)
		if err != nil {
			return
		}
		if header.StartOffset > uint32(len(data)) {
			t.Fatalf("start offset %d beyond buffer of %d bytes", header.StartOffset, len(data))
		}
	})
}
