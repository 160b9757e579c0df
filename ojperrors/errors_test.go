package ojperrors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeStatusError struct {
	code Code
	msg  string
}

func (e *fakeStatusError) Error() string     { return e.msg }
func (e *fakeStatusError) StatusCode() Code  { return e.code }

func TestIsConnectionLevel_PoolExhaustionExcluded(t *testing.T) {
	assert.False(t, IsConnectionLevel(errors.New("pool exhausted")))
	assert.False(t, IsConnectionLevel(errors.New("connection pool exhausted")))
	assert.False(t, IsConnectionLevel(errors.New("pool is exhausted, try again")))
}

func TestIsConnectionLevel_RPCStatusCodes(t *testing.T) {
	assert.True(t, IsConnectionLevel(&fakeStatusError{code: CodeUnavailable, msg: "unavailable"}))
	assert.True(t, IsConnectionLevel(&fakeStatusError{code: CodeDeadlineExceeded, msg: "deadline exceeded"}))
	assert.True(t, IsConnectionLevel(&fakeStatusError{code: CodeCanceled, msg: "canceled"}))
	assert.False(t, IsConnectionLevel(&fakeStatusError{code: CodeUnknown, msg: "permission denied"}))
	assert.True(t, IsConnectionLevel(&fakeStatusError{code: CodeUnknown, msg: "Connection reset by peer"}))
}

func TestIsConnectionLevel_Keywords(t *testing.T) {
	assert.True(t, IsConnectionLevel(errors.New("connection refused")))
	assert.True(t, IsConnectionLevel(errors.New("i/o timeout")))
	assert.True(t, IsConnectionLevel(errors.New("server unavailable")))
	assert.False(t, IsConnectionLevel(errors.New("permission denied")))
	assert.False(t, IsConnectionLevel(errors.New("syntax error near SELECT")))
}

func TestClassify(t *testing.T) {
	assert.Equal(t, KindPoolExhaustion, Classify(errors.New("pool exhausted")))
	assert.Equal(t, KindConnectionLevel, Classify(errors.New("connection refused")))
	assert.Equal(t, KindDatabaseLevel, Classify(errors.New("permission denied")))
	assert.Equal(t, KindXAProtocol, Classify(New(KindXAProtocol, "invalid transition")))
}

func TestErrSessionNotBound(t *testing.T) {
	err := ErrSessionNotBound("abc-123", []string{"s1:1059", "s2:1059"})
	assert.Contains(t, err.Error(), "Session abc-123 has no associated server")
	assert.Contains(t, err.Error(), "s1:1059")
	assert.True(t, IsKind(err, KindSessionNotBound))
}
