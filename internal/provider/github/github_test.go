package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	gh "github.com/google/go-github/v82/github"
	"github.com/stretchr/testify/assert"

	"github.com/pair-review/pair-review/internal/provider"
)

func respErr(code int) error {
	return &gh.ErrorResponse{
		Response: &http.Response{
			StatusCode: code,
			Request:    &http.Request{},
		},
	}
}

func TestMapError_AuthAndNotFound(t *testing.T) {
	assert.ErrorIs(t, mapError(respErr(http.StatusUnauthorized)), provider.ErrAuth)
	assert.ErrorIs(t, mapError(respErr(http.StatusForbidden)), provider.ErrAuth)
	assert.ErrorIs(t, mapError(respErr(http.StatusNotFound)), provider.ErrNotFound)
}

func TestMapError_TransientStatuses(t *testing.T) {
	for _, code := range []int{http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable} {
		err := mapError(respErr(code))
		assert.True(t, provider.IsTransient(err), "status %d", code)
	}
}

func TestMapError_ValidationIsPermanent(t *testing.T) {
	err := mapError(respErr(http.StatusUnprocessableEntity))
	var re *provider.RemoteError
	assert.True(t, errors.As(err, &re))
	assert.False(t, re.Transient)
}

func TestMapError_NetworkFailureIsTransient(t *testing.T) {
	err := mapError(fmt.Errorf("dial tcp: connection refused"))
	assert.True(t, provider.IsTransient(err))
}

func TestMapError_DeadlineExceeded(t *testing.T) {
	assert.ErrorIs(t, mapError(context.DeadlineExceeded), provider.ErrTimeout)
}

func TestMapError_Nil(t *testing.T) {
	assert.NoError(t, mapError(nil))
}
