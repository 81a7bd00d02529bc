package ledger

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestAdmitAcceptsNewAndRejectsDuplicate(t *testing.T) {
	l := New(zaptest.NewLogger(t), 50)

	require.True(t, l.Admit("txn-1"), "first sighting should be admitted")
	assert.False(t, l.Admit("txn-1"), "duplicate within the window should be rejected")
	assert.True(t, l.Seen("txn-1"))
	assert.True(t, l.Admit("txn-2"), "unrelated id should be admitted")
}

func TestAdmitEvictsOldestBeyondCapacity(t *testing.T) {
	l := New(zaptest.NewLogger(t), 50)

	require.True(t, l.Admit("txn-0"))
	for i := 1; i <= 50; i++ {
		require.True(t, l.Admit(fmt.Sprintf("txn-%d", i)))
	}

	// 51 admissions total: txn-0 has been pushed out of the window.
	assert.False(t, l.Seen("txn-0"))
	assert.True(t, l.Admit("txn-0"), "evicted id should be admitted again")

	// A still-resident id keeps being rejected.
	assert.False(t, l.Admit("txn-50"))
}

func TestAdmitExactlyAtCapacityStillRemembers(t *testing.T) {
	l := New(zaptest.NewLogger(t), 3)

	require.True(t, l.Admit("a"))
	require.True(t, l.Admit("b"))
	require.True(t, l.Admit("c"))

	// Window is full but nothing has been evicted yet.
	assert.False(t, l.Admit("a"))

	// The rejected duplicate must not count as an insertion.
	assert.True(t, l.Seen("a"))
	assert.True(t, l.Seen("b"))
	assert.True(t, l.Seen("c"))
}

func TestForgetMakesIDAdmissibleAgain(t *testing.T) {
	l := New(zaptest.NewLogger(t), 3)

	require.True(t, l.Admit("a"))
	require.True(t, l.Admit("b"))

	l.Forget("a")
	assert.False(t, l.Seen("a"))
	assert.True(t, l.Admit("a"), "a withdrawn id should be admitted again")
	assert.True(t, l.Seen("b"), "unrelated ids stay in the window")

	// Forgetting an unknown id is a no-op.
	l.Forget("never-admitted")
	assert.True(t, l.Seen("a"))
	assert.True(t, l.Seen("b"))
}

func TestNewClampsCapacity(t *testing.T) {
	l := New(zaptest.NewLogger(t), 0)
	assert.Equal(t, DefaultCapacity, l.capacity)

	l = New(zaptest.NewLogger(t), -7)
	assert.Equal(t, DefaultCapacity, l.capacity)
}
