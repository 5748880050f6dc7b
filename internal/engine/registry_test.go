package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sm "github.com/roach88/flowsm/internal/statemachine"
)

func TestRegistry_LookupAndClasses(t *testing.T) {
	reg := pingPongRegistry()

	assert.Equal(t, []string{"Ping", "Pong"}, reg.Classes())

	_, ok := reg.lookup("Ping")
	assert.True(t, ok)
	_, ok = reg.lookup("Nope")
	assert.False(t, ok)

	responder, ok := reg.responderFor("Ping")
	require.True(t, ok)
	assert.Equal(t, "Pong", responder.class)
	_, ok = reg.responderFor("Pong")
	assert.False(t, ok)
}

func TestRegistry_TopLevelSubFlow(t *testing.T) {
	reg := NewRegistry()
	reg.Register("Initiator", func([]byte) FlowLogic { return nil }, InitiatingOptions{Initiating: true, Version: 3})
	reg.Register("Inlined", func([]byte) FlowLogic { return nil }, InitiatingOptions{})

	initiator, _ := reg.lookup("Initiator")
	sf := initiator.topLevel(1, "app")
	initiating, ok := sf.(sm.SubFlowInitiating)
	require.True(t, ok, "got %T", sf)
	assert.Equal(t, sm.FlowInfo{FlowVersion: 3, AppName: "app"}, initiating.FlowInfo)

	inlined, _ := reg.lookup("Inlined")
	_, ok = inlined.topLevel(1, "app").(sm.SubFlowInlined)
	assert.True(t, ok)
}

func TestRegistry_ThawBuildsLogicWithArgs(t *testing.T) {
	reg := NewRegistry()
	reg.Register("Echo", func(args []byte) FlowLogic {
		return func(*Fiber) ([]byte, error) { return args, nil }
	}, InitiatingOptions{})

	logic, err := reg.thaw(freezeLogic("Echo", []byte("hello")))
	require.NoError(t, err)
	out, err := logic(nil)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(out))

	_, err = reg.thaw(freezeLogic("Gone", nil))
	assert.True(t, IsUnknownFlowClass(err))
}

func TestRegistry_Operations(t *testing.T) {
	reg := NewRegistry()
	op := &countingOperation{result: []byte("ok")}
	reg.RegisterOperation(op)

	got, ok := reg.Operation("counting")
	require.True(t, ok)
	out, err := got.Execute(context.Background(), "id-1")
	require.NoError(t, err)
	assert.Equal(t, "ok", string(out))

	_, ok = reg.Operation("missing")
	assert.False(t, ok)
}
