package collab

import (
	"errors"
	"fmt"
	"testing"

	"civicplan/api/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{name: "nil", err: nil, want: ""},
		{name: "engine error", err: Forbidden("NOT_AUTHOR", "nope"), want: KindForbidden},
		{name: "wrapped engine error", err: fmt.Errorf("outer: %w", Gone("SESSION_EXPIRED", "gone")), want: KindGone},
		{name: "store not found", err: fmt.Errorf("get comment: %w", store.ErrNotFound), want: KindNotFound},
		{name: "anything else", err: errors.New("socket closed"), want: KindServer},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestNormalize(t *testing.T) {
	assert.NoError(t, normalize("op", nil))

	invalid := Invalid("CONTENT_REQUIRED", "Comment content is required")
	got := normalize("add_comment", invalid)
	require.Same(t, invalid, got)
	assert.Equal(t, "add_comment: Comment content is required", got.Error())

	cause := fmt.Errorf("update comment: %w", store.ErrNotFound)
	var notFound *Error
	require.ErrorAs(t, normalize("update_comment", cause), &notFound)
	assert.Equal(t, KindNotFound, notFound.Kind)
	assert.Equal(t, "NOT_FOUND", notFound.Code)

	var server *Error
	require.ErrorAs(t, normalize("list_comments", errors.New("timeout")), &server)
	assert.Equal(t, KindServer, server.Kind)
	assert.Equal(t, "Server error", server.Message)
	assert.Equal(t, "list_comments: Server error: timeout", server.Error())
}
