package scan

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"acolyte-presence/internal/utils"
)

func echoHandler(actionType, marker string) Handler {
	return &HandlerFunc{Type: actionType, Fn: func(context.Context, *Event) (map[string]interface{}, error) {
		return map[string]interface{}{"marker": marker}, nil
	}}
}

func TestRegisterAndLookup(t *testing.T) {
	r := NewHandlerRegistry(utils.NewLogger("error", "text", "stderr"))
	r.Register(echoHandler("attendance_check", "first"))
	r.Register(echoHandler("gate_entry", "second"))

	h, ok := r.Lookup("attendance_check")
	require.True(t, ok)
	result, err := h.Handle(context.Background(), &Event{})
	require.NoError(t, err)
	assert.Equal(t, "first", result["marker"])

	_, ok = r.Lookup("library_checkout")
	assert.False(t, ok)

	assert.Equal(t, []string{"attendance_check", "gate_entry"}, r.RegisteredTypes())
}

func TestRegisterLastWins(t *testing.T) {
	r := NewHandlerRegistry(utils.NewLogger("error", "text", "stderr"))
	r.Register(echoHandler("attendance_check", "old"))
	r.Register(echoHandler("attendance_check", "new"))

	h, ok := r.Lookup("attendance_check")
	require.True(t, ok)
	result, err := h.Handle(context.Background(), &Event{})
	require.NoError(t, err)
	assert.Equal(t, "new", result["marker"])
	assert.Len(t, r.RegisteredTypes(), 1)
}

func TestVerifyCoverage(t *testing.T) {
	r := NewHandlerRegistry(utils.NewLogger("error", "text", "stderr"))
	r.Register(echoHandler("attendance_check", ""))

	assert.NoError(t, r.VerifyCoverage(nil))
	assert.NoError(t, r.VerifyCoverage([]string{"attendance_check"}))

	err := r.VerifyCoverage([]string{"attendance_check", "gate_entry", "lab_entry"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gate_entry")
	assert.Contains(t, err.Error(), "lab_entry")
}
