package fsm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGraph_ValidateOrdersStates(t *testing.T) {
	g := NewGraph[string]("order").
		Allow("new", "paid", "cancelled").
		Allow("paid", "shipped", "cancelled").
		Terminal("shipped", "cancelled")

	require.NoError(t, g.Validate())

	assert.True(t, g.CanTransition("new", "paid"))
	assert.False(t, g.CanTransition("paid", "new"))
	assert.Less(t, g.Rank("new"), g.Rank("paid"))
	assert.Less(t, g.Rank("paid"), g.Rank("shipped"))
	assert.True(t, g.IsTerminal("cancelled"))
	assert.ElementsMatch(t, []string{"shipped", "cancelled"}, g.Successors("paid"))
}

func TestGraph_DetectsCycle(t *testing.T) {
	g := NewGraph[string]("loop").
		Allow("a", "b").
		Allow("b", "c").
		Allow("c", "a")

	err := g.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestGraph_TerminalWithOutgoingEdge(t *testing.T) {
	g := NewGraph[string]("bad").
		Allow("a", "b").
		Allow("b", "c").
		Terminal("b")

	assert.Error(t, g.Validate())
}

func TestGraph_TransitionError(t *testing.T) {
	g := NewGraph[string]("x").Allow("a", "b").MustValidate()

	assert.NoError(t, g.Transition("a", "b"))
	assert.ErrorIs(t, g.Transition("b", "a"), ErrInvalidTransition)
}
