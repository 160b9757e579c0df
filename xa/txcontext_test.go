package xa

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestXid() XidKey {
	return NewXidKey(1, []byte("gtrid"), []byte("bqual"))
}

func TestHappyPathTwoPhase(t *testing.T) {
	ctx, err := NewContext(newTestXid(), "session-1", TMNOFLAGS)
	require.NoError(t, err)
	assert.Equal(t, StateActive, ctx.State)

	require.NoError(t, ctx.End(TMSUCCESS))
	assert.Equal(t, StateEnded, ctx.State)

	require.NoError(t, ctx.Prepare())
	assert.Equal(t, StatePrepared, ctx.State)

	require.NoError(t, ctx.Commit(false))
	assert.Equal(t, StateCommitted, ctx.State)
	assert.True(t, ctx.TransactionComplete)
}

func TestHappyPathOnePhase(t *testing.T) {
	ctx, err := NewContext(newTestXid(), "session-1", TMNOFLAGS)
	require.NoError(t, err)
	require.NoError(t, ctx.End(TMSUCCESS))
	require.NoError(t, ctx.Commit(true))
	assert.Equal(t, StateCommitted, ctx.State)
}

func TestRollbackFromEndedOrPrepared(t *testing.T) {
	ctx, err := NewContext(newTestXid(), "session-1", TMNOFLAGS)
	require.NoError(t, err)
	require.NoError(t, ctx.End(TMFAIL))
	require.NoError(t, ctx.Rollback())
	assert.Equal(t, StateRolledBack, ctx.State)
	assert.True(t, ctx.TransactionComplete)

	prepared, err := NewContext(newTestXid(), "session-1", TMNOFLAGS)
	require.NoError(t, err)
	require.NoError(t, prepared.End(TMSUCCESS))
	require.NoError(t, prepared.Prepare())
	require.NoError(t, prepared.Rollback())
	assert.Equal(t, StateRolledBack, prepared.State)
	assert.True(t, prepared.TransactionComplete)
}

func TestJoinResumeCycle(t *testing.T) {
	ctx, err := NewContext(newTestXid(), "session-1", TMNOFLAGS)
	require.NoError(t, err)
	require.NoError(t, ctx.End(TMSUSPEND))
	require.NoError(t, ctx.Join(TMRESUME))
	assert.Equal(t, StateActive, ctx.State)

	require.NoError(t, ctx.End(TMSUCCESS))
	require.NoError(t, ctx.Join(TMJOIN))
	assert.Equal(t, StateActive, ctx.State)
}

func TestInvalidTransitionsRejected(t *testing.T) {
	ctx, err := NewContext(newTestXid(), "session-1", TMNOFLAGS)
	require.NoError(t, err)

	// Can't prepare an ACTIVE branch.
	err = ctx.Prepare()
	assert.Error(t, err)
	assert.Equal(t, StateActive, ctx.State)

	// Can't commit twoPhase from ACTIVE.
	err = ctx.Commit(false)
	assert.Error(t, err)

	require.NoError(t, ctx.End(TMSUCCESS))

	// Can't join an ENDED branch that hasn't gone through Join/Resume path
	// with a mismatched flag.
	err = ctx.Join(TMSUCCESS)
	assert.Error(t, err)

	require.NoError(t, ctx.Prepare())
	// Rollback is valid from PREPARED.
	require.NoError(t, ctx.Rollback())
	assert.Equal(t, StateRolledBack, ctx.State)

	// Can't commit an already-rolled-back branch.
	err = ctx.Commit(false)
	assert.Error(t, err)
}

func TestNewContextRejectsNonTMNOFLAGS(t *testing.T) {
	_, err := NewContext(newTestXid(), "session-1", TMJOIN)
	assert.Error(t, err)
}
