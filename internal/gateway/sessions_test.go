package gateway

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSessionMapBindAndResolve(t *testing.T) {
	m := NewSessionMap()
	m.Bind("sess-1", "agent-1")

	agentID, ok := m.AgentID("sess-1")
	require.True(t, ok)
	require.Equal(t, "agent-1", agentID)

	key, ok := m.SessionKey("agent-1")
	require.True(t, ok)
	require.Equal(t, "sess-1", key)

	m.Unbind("sess-1")
	_, ok = m.AgentID("sess-1")
	require.False(t, ok)
	_, ok = m.SessionKey("agent-1")
	require.False(t, ok)
}

func TestSessionMapUnboundLookupMisses(t *testing.T) {
	m := NewSessionMap()
	_, ok := m.AgentID("missing")
	require.False(t, ok)
}
