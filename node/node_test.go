package node

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	for _, group := range []int{Scheduler, ServerGroup, WorkerGroup} {
		for rank := 0; rank < 5; rank++ {
			id := Encode(group, rank)
			require.Equal(t, group, Group(id))
			require.Equal(t, rank, Rank(id))
			require.False(t, IsGroup(id))
		}
	}
	require.True(t, IsGroup(ServerGroup|WorkerGroup))
}

func TestRoleFromEnv(t *testing.T) {
	t.Setenv(RoleEnv, "")
	r, err := RoleFromEnv()
	require.NoError(t, err)
	require.Equal(t, RoleLocal, r)
	require.True(t, r.IsScheduler() && r.IsServer() && r.IsWorker())

	t.Setenv(RoleEnv, "server")
	r, err = RoleFromEnv()
	require.NoError(t, err)
	require.Equal(t, RoleServer, r)
	require.False(t, r.IsWorker())

	t.Setenv(RoleEnv, "carrier-pigeon")
	_, err = RoleFromEnv()
	require.Error(t, err)
}
