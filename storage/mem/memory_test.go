package mem

import (
	"testing"

	"github.com/creativeprojects/mailsync/lib"
	"github.com/creativeprojects/mailsync/storage/test"
	"github.com/stretchr/testify/require"
)

func TestMemoryBackend(t *testing.T) {
	backend := NewWithLogger(lib.NewTestLogger(t, "mem"))

	defer backend.Close()

	err := test.PrepareBackend(backend)
	require.NoError(t, err)

	test.RunTestsOnBackend(t, backend)
}
