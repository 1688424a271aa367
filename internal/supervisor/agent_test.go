package supervisor

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLiveAgent_AdmitToolResult_RejectsOrphanAndDuplicate(t *testing.T) {
	la := &liveAgent{toolStarted: make(map[string]bool), toolResolved: make(map[string]bool)}

	require.False(t, la.admitToolResult("tool-1"), "a result with no matching start is an orphan")

	la.recordToolStart("tool-1")
	require.True(t, la.admitToolResult("tool-1"))
	require.False(t, la.admitToolResult("tool-1"), "a second result for an already-resolved id is rejected")
}
