package firedoc_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/smarter-day/firedoc"
)

func TestTranslate(t *testing.T) {
	t.Run("nil", func(t *testing.T) {
		assert.NoError(t, firedoc.Translate("read", nil))
	})

	t.Run("grpc status", func(t *testing.T) {
		cause := status.Error(codes.PermissionDenied, "missing or insufficient permissions")
		err := firedoc.Translate("read users/1", cause)

		var fe *firedoc.Error
		require.ErrorAs(t, err, &fe)
		assert.Equal(t, "read users/1", fe.Op)
		assert.Equal(t, firedoc.CodePermissionDenied, fe.Code)
		assert.Equal(t, "missing or insufficient permissions", fe.Message)
		assert.NotEmpty(t, fe.Origin)
		assert.ErrorIs(t, err, cause)
		assert.Equal(t, "firedoc: read users/1: missing or insufficient permissions (permission-denied)", err.Error())
	})

	t.Run("plain error has no code", func(t *testing.T) {
		err := firedoc.Translate("decode", errors.New("bad payload"))
		assert.Equal(t, "", firedoc.ErrorCode(err))
		assert.Equal(t, "firedoc: decode: bad payload", err.Error())
	})

	t.Run("context errors", func(t *testing.T) {
		assert.Equal(t, firedoc.CodeCancelled, firedoc.ErrorCode(firedoc.Translate("x", context.Canceled)))
		assert.Equal(t, firedoc.CodeDeadlineExceeded, firedoc.ErrorCode(firedoc.Translate("x", fmt.Errorf("wrapped: %w", context.DeadlineExceeded))))
	})

	t.Run("already translated", func(t *testing.T) {
		first := firedoc.Translate("inner", status.Error(codes.Aborted, "contention"))
		again := firedoc.Translate("outer", first)
		assert.Same(t, first, again)

		var fe *firedoc.Error
		require.ErrorAs(t, firedoc.Translate("outer", &firedoc.Error{Message: "no op"}), &fe)
		assert.Equal(t, "outer", fe.Op)
	})
}

func TestErrorFormat(t *testing.T) {
	err := firedoc.Translate("update users/1", status.Error(codes.Unavailable, "backend down"))
	assert.Equal(t, err.Error(), fmt.Sprintf("%v", err))
	assert.Contains(t, fmt.Sprintf("%+v", err), "errors_test.go")
}

func TestIsNotFoundError(t *testing.T) {
	assert.False(t, firedoc.IsNotFoundError(nil))
	assert.True(t, firedoc.IsNotFoundError(status.Error(codes.NotFound, "gone")))
	assert.True(t, firedoc.IsNotFoundError(firedoc.Translate("read", status.Error(codes.NotFound, "gone"))))
	assert.False(t, firedoc.IsNotFoundError(errors.New("gone")))
}
