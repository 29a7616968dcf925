package apperror

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAsAppError_ThroughWrapping(t *testing.T) {
	base := NewNotFound("cart line", "54977")
	wrapped := fmt.Errorf("remove: %w", base)

	appErr, ok := AsAppError(wrapped)
	require.True(t, ok)
	assert.Same(t, base, appErr)
	assert.True(t, IsNotFound(wrapped))
	assert.Equal(t, http.StatusNotFound, GetHTTPStatus(wrapped))
}

func TestGetHTTPStatus_PlainErrorIsInternal(t *testing.T) {
	assert.Equal(t, http.StatusInternalServerError, GetHTTPStatus(errors.New("boom")))
	assert.False(t, IsAppError(errors.New("boom")))
}

func TestIsTimeout(t *testing.T) {
	assert.True(t, IsTimeout(NewTimeout("cart.get", nil)))
	assert.True(t, IsTimeout(fmt.Errorf("get: %w", context.DeadlineExceeded)))
	assert.False(t, IsTimeout(NewNetwork("cart.get", errors.New("refused"))))
}

func TestIsNetwork_IncludesTimeouts(t *testing.T) {
	assert.True(t, IsNetwork(NewNetwork("cart.get", nil)))
	assert.True(t, IsNetwork(NewTimeout("cart.get", nil)))
	assert.False(t, IsNetwork(NewValidation("bad quantity")))
}

func TestWithCause_KeepsChain(t *testing.T) {
	cause := errors.New("connection reset")
	err := NewConflict("line is being removed").WithDetail("product_id", 7).WithCause(cause)

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, 7, err.Details["product_id"])
	assert.Contains(t, err.Error(), "caused by: connection reset")
}

func TestStaleResponse(t *testing.T) {
	err := NewStaleResponse("geocode.forward", 3, 5)

	assert.True(t, IsStale(err))
	assert.Equal(t, uint64(5), err.Details["latest"])
}
