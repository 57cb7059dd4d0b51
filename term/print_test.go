package term

import (
	"testing"

	"github.com/creativeprojects/mailsync/lib"
	"github.com/stretchr/testify/assert"
)

var _ lib.Logger = &Logger{}

func TestLevel(t *testing.T) {
	defer SetLevel(LevelInfo)

	SetLevel(LevelWarn)
	assert.Equal(t, LevelWarn, GetLevel())
	// filtered out
	Info("not displayed")
	NewLogger("test: ").Printf("not displayed either")
}

func TestTable(t *testing.T) {
	err := Table([]string{"Mailbox", "Messages"}, [][]string{{"user.john", "3"}})
	assert.NoError(t, err)
}
