package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConversation(t *testing.T) {
	tests := []struct {
		name    string
		ids     []string
		wantErr bool
	}{
		{"Two", []string{"a", "b"}, false},
		{"None", nil, true},
		{"One", []string{"a"}, true},
		{"Three", []string{"a", "b", "c"}, true},
		{"Same", []string{"a", "a"}, true},
		{"Empty", []string{"a", ""}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conv, err := NewConversation("c1", tt.ids...)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrValidation)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, []string{"a", "b"}, conv.ParticipantIDs)
			assert.Equal(t, map[string]int{"a": 0, "b": 0}, conv.UnreadCountByUser)
		})
	}
}
