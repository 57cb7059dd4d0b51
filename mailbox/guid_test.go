package mailbox

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGUID(t *testing.T) {
	content := []byte("From: me\r\n\r\nhello")
	guid := ComputeGUID(content)
	assert.False(t, guid.IsNull())

	fromReader, size, err := ReadGUID(bytes.NewReader(content))
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), size)
	assert.Equal(t, guid, fromReader)

	parsed, err := ParseGUID(guid.String())
	require.NoError(t, err)
	assert.Equal(t, guid, parsed)
	assert.True(t, guid.Matches(parsed))
	assert.False(t, NullGUID.Matches(NullGUID))
}

func TestParseInvalidGUID(t *testing.T) {
	for _, text := range []string{"", "abc", string(bytes.Repeat([]byte("z"), GUIDSize*2))} {
		_, err := ParseGUID(text)
		assert.Error(t, err)
	}
}

func TestInfoStoreName(t *testing.T) {
	info := Info{Delimiter: "/", Name: "user/bob/Sent"}
	assert.Equal(t, "user.bob.Sent", info.StoreName())
}
