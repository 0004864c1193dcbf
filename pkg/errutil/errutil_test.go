package errutil

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBaseErrorHTTP(t *testing.T) {
	err := ValidationFailed("email is required", nil)

	var be BaseError
	require.True(t, errors.As(err, &be))
	require.Equal(t, http.StatusBadRequest, be.Code.HTTPStatus())
	require.Equal(t, map[string]any{"ok": false, "error": "email is required"}, be.JSON())

	require.Equal(t, http.StatusUnauthorized, StatusUnauthorized.HTTPStatus())
	require.Equal(t, http.StatusInternalServerError, StatusUnknown.HTTPStatus())
}

func TestBaseErrorKeepsCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := ServiceUnavailable("ledger unavailable", cause)
	require.ErrorIs(t, err, cause)
	require.Contains(t, err.Error(), "connection refused")
}

func TestKindOf(t *testing.T) {
	err := fmt.Errorf("render job: %w", Conversion("chrome", context.DeadlineExceeded))
	require.Equal(t, KindConversion, KindOf(err))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.True(t, KindOf(err).Retryable())

	require.False(t, KindTemplate.Retryable())
	require.False(t, KindPermanentDelivery.Retryable())
	require.True(t, KindTransientDelivery.Retryable())
	require.Equal(t, Kind(""), KindOf(errors.New("plain")))
	require.True(t, IsKind(PermanentDelivery("smtp", nil), KindPermanentDelivery))
}
