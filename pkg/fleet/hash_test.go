package fleet

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContentHashIgnoresIdentity(t *testing.T) {
	a := Task{ID: "a", Type: "unit_test", Payload: json.RawMessage(`{"x":1,"y":[1,2]}`), Status: TaskPending}
	b := Task{ID: "b", Type: "unit_test", Payload: json.RawMessage(`{ "y": [1,2], "x": 1 }`), Status: TaskCompleted, RetryCount: 2}

	ha, err := ContentHash(a)
	require.NoError(t, err)
	hb, err := ContentHash(b)
	require.NoError(t, err)

	assert.Equal(t, ha, hb)
	assert.Len(t, ha, 64)
}

func TestContentHashChangesWithPayload(t *testing.T) {
	a := Task{Type: "unit_test", Payload: json.RawMessage(`{"x":1}`)}
	b := Task{Type: "unit_test", Payload: json.RawMessage(`{"x":2}`)}

	ha, err := ContentHash(a)
	require.NoError(t, err)
	hb, err := ContentHash(b)
	require.NoError(t, err)

	assert.NotEqual(t, ha, hb)
}

func TestContentHashNormalizesCapabilityOrder(t *testing.T) {
	a := Task{Type: "ui_test", Requirements: Requirements{Capabilities: []string{"browser", "linux"}}}
	b := Task{Type: "ui_test", Requirements: Requirements{Capabilities: []string{"linux", "browser", "linux"}}}

	ha, err := ContentHash(a)
	require.NoError(t, err)
	hb, err := ContentHash(b)
	require.NoError(t, err)

	assert.Equal(t, ha, hb)
}

func TestContentHashRejectsInvalidPayload(t *testing.T) {
	_, err := ContentHash(Task{Type: "x", Payload: json.RawMessage(`{`)})
	assert.Error(t, err)
}
