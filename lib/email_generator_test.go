package lib

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDateGenerator(t *testing.T) {
	from := time.Date(2010, 1, 1, 12, 0, 0, 0, time.Local)

	for i := 0; i < 100000; i++ {
		result := GenerateDateFrom(from)
		now := time.Now()
		assert.Truef(t, result.After(from), "%v is not after %v", result, from)
		assert.Truef(t, result.Before(now), "%v is not before %v", result, now)
	}
}

func TestGenerateFlags(t *testing.T) {
	maxInt := 5
	for i := 0; i < 100000; i++ {
		flags := GenerateFlags(maxInt)
		require.NotNil(t, flags)
		require.Less(t, len(flags), maxInt)
	}
}

func TestGenerateEmail(t *testing.T) {
	msg := GenerateEmail("from@example.com", "to@example.com", 12, 100, 200)
	header, body, found := strings.Cut(string(msg), "\r\n\r\n")
	require.True(t, found)
	assert.Contains(t, header, "From: from@example.com")
	assert.GreaterOrEqual(t, len(body), 100)
	assert.Less(t, len(body), 200)
}
