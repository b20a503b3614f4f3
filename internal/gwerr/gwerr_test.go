package gwerr

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewUsesDefaultMessage(t *testing.T) {
	err := New(BadCaller)
	assert.Equal(t, BadCaller, err.Code)
	assert.Equal(t, "transaction was initiated by another caller", err.Message)
}

func TestNewfUsesCustomMessage(t *testing.T) {
	err := Newf(DBStmt, "duplicate entry for key %q", "email")
	assert.Equal(t, DBStmt, err.Code)
	assert.Equal(t, `duplicate entry for key "email"`, err.Message)
}

func TestErrorStringIncludesCodeAndMessage(t *testing.T) {
	err := New(BadProto)
	assert.Contains(t, err.Error(), "0x1")
	assert.Contains(t, err.Error(), "protocol error")
}

func TestUnknownCodeFallsBackToGenericMessage(t *testing.T) {
	err := New(Code(0xff))
	assert.Equal(t, "unknown error", err.Message)
}
