package mailbox

import (
	"fmt"
	"testing"

	"github.com/emersion/go-imap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSystemFlagNames(t *testing.T) {
	flags := FlagDeleted | FlagFlagged
	assert.ElementsMatch(t, []string{imap.DeletedFlag, imap.FlaggedFlag}, flags.Names())

	flag, ok := SystemFlagFromName("\\ANSWERED")
	assert.True(t, ok)
	assert.Equal(t, FlagAnswered, flag)

	_, ok = SystemFlagFromName(imap.SeenFlag)
	assert.False(t, ok)
}

func TestFlagNamesAllocation(t *testing.T) {
	names := FlagNames{}
	slot, err := names.Allocate("$Label1")
	require.NoError(t, err)
	assert.Equal(t, 0, slot)

	slot, err = names.Allocate("$label1")
	require.NoError(t, err)
	assert.Equal(t, 0, slot)

	slot, err = names.Allocate("Work")
	require.NoError(t, err)
	assert.Equal(t, 1, slot)

	system, user, err := names.Flags([]string{imap.SeenFlag, imap.RecentFlag, imap.AnsweredFlag, "work", "Other"})
	require.NoError(t, err)
	assert.Equal(t, FlagAnswered, system)
	assert.True(t, user.Has(1))
	assert.True(t, user.Has(2))
	assert.False(t, user.Has(0))
	assert.ElementsMatch(t, []string{"Work", "Other"}, names.Names(user))
}

func TestFlagNamesFull(t *testing.T) {
	names := FlagNames{}
	for i := 0; i < MaxUserFlags; i++ {
		_, err := names.Allocate(fmt.Sprintf("flag%d", i))
		require.NoError(t, err)
	}
	_, err := names.Allocate("one too many")
	assert.Error(t, err)
	assert.Equal(t, MaxUserFlags, names.Count())
}

func TestStripRecentFlag(t *testing.T) {
	assert.Equal(t, []string{imap.SeenFlag}, StripRecentFlag([]string{imap.RecentFlag, imap.SeenFlag}))
	assert.Empty(t, StripRecentFlag(nil))
}
