package errors_test

import (
	stderrors "errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "lumina-backend/pkg/errors"
)

func TestLockDeniedError_MatchesSentinel(t *testing.T) {
	err := fmt.Errorf("acquire: %w", apperrors.NewLockDenied("n1", "alice", "Alice", time.Now()))

	assert.True(t, stderrors.Is(err, apperrors.ErrLockDenied))
	assert.False(t, stderrors.Is(err, apperrors.ErrPermissionDenied))

	var denied *apperrors.LockDeniedError
	require.True(t, stderrors.As(err, &denied))
	assert.Equal(t, "alice", denied.Holder)
	assert.Contains(t, err.Error(), "Alice")
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"persist failure", apperrors.NewPersistFailure(stderrors.New("timeout")), true},
		{"stale write", apperrors.NewStaleWrite("node-1", 3), false},
		{"permission denied", apperrors.NewPermissionDenied("seed"), false},
		{"wrapped transport", fmt.Errorf("x: %w", apperrors.NewTransportDisconnected(nil)), true},
		{"plain error", stderrors.New("boom"), true},
		{"validation app error", apperrors.NewValidationError("bad"), false},
		{"database app error", apperrors.NewDatabaseError("put", stderrors.New("throttled")), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, apperrors.IsRetryable(tt.err))
		})
	}
}

func TestFreshInstancesDoNotMutateSentinels(t *testing.T) {
	_ = apperrors.NewConfigurationError("REALTIME_API_KEY")

	assert.Empty(t, apperrors.ErrConfiguration.Details)
	assert.True(t, stderrors.Is(apperrors.NewConfigurationError("x"), apperrors.ErrConfiguration))
}

func TestWrap(t *testing.T) {
	assert.Nil(t, apperrors.Wrap(nil, "list locks"))

	denied := apperrors.Wrap(apperrors.NewLockDenied("n1", "alice", "", time.Now()), "acquire lock")
	assert.True(t, stderrors.Is(denied, apperrors.ErrLockDenied))
	assert.Contains(t, denied.Error(), "acquire lock")

	conflict := apperrors.NewConflictError("version")
	assert.True(t, apperrors.IsConflict(apperrors.Wrap(conflict, "save")))

	raw := apperrors.Wrap(stderrors.New("socket reset"), "list locks")
	appErr := apperrors.GetAppError(raw)
	require.NotNil(t, appErr)
	assert.Equal(t, apperrors.ErrorTypeInternal, appErr.Type)
	assert.Equal(t, "list locks", appErr.Message)
	assert.NotEmpty(t, appErr.StackTrace)
}
