package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *AppError
		want string
	}{
		{"without cause", ConfigError("credentials path not set"), "[CONFIG_ERROR] credentials path not set"},
		{"with cause", DatabaseError("upsert emails", errors.New("conn refused")), "[DATABASE_ERROR] database error: upsert emails: conn refused"},
		{"missing field", MissingField("actions[0].value"), "[MISSING_FIELD] missing required field: actions[0].value"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestIsCode_WalksWrappedChain(t *testing.T) {
	inner := MissingField("value")
	outer := Wrap(inner, CodeConfigError, "rule_sets[1]")
	wrapped := fmt.Errorf("load rules: %w", outer)

	assert.True(t, IsCode(wrapped, CodeConfigError))
	assert.True(t, IsCode(wrapped, CodeMissingField))
	assert.False(t, IsCode(wrapped, CodeDatabaseError))
	assert.True(t, IsConfigError(wrapped))
	assert.False(t, IsConfigError(errors.New("plain")))
}

func TestDetails(t *testing.T) {
	tests := []struct {
		name  string
		err   *AppError
		code  string
		want  map[string]any
		cause error
	}{
		{
			name: "invalid input",
			err:  InvalidInput("email_provider_id", "required").WithDetail("index", 3),
			code: CodeInvalidInput,
			want: map[string]any{"field": "email_provider_id", "index": 3},
		},
		{
			name:  "external service",
			err:   ExternalError("keyring", errKeyring),
			code:  CodeExternalError,
			want:  map[string]any{"service": "keyring"},
			cause: errKeyring,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := fmt.Errorf("ctx: %w", tt.err)
			assert.True(t, IsCode(wrapped, tt.code))
			assert.False(t, IsConfigError(wrapped))
			assert.Equal(t, tt.want, tt.err.Details)
			if tt.cause != nil {
				assert.ErrorIs(t, wrapped, tt.cause)
			}
		})
	}
}

var errKeyring = errors.New("keyring is locked")
