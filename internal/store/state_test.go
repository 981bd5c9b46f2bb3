package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runStateStoreTests(t *testing.T, s StateStore) {
	ctx := context.Background()
	key := StateKey("sess-1", "github")
	assert.Equal(t, "sess-1:github", key)

	st, err := s.Take(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, st)

	require.NoError(t, s.Put(ctx, key, &FlowState{
		Provider:     "github",
		State:        "state-1",
		CodeVerifier: "verifier",
		Owner:        "alice",
		RedirectURI:  "https://app.example.com/cb",
		CreatedAt:    time.Now().UTC(),
	}))
	require.NoError(t, s.Put(ctx, StateKey("sess-1", "twitter"), &FlowState{Provider: "twitter", State: "state-2"}))

	st, err = s.Take(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, "state-1", st.State)
	assert.Equal(t, "verifier", st.CodeVerifier)
	assert.Equal(t, "alice", st.Owner)

	st, err = s.Take(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, st, "state is single use")

	st, err = s.Take(ctx, StateKey("sess-1", "twitter"))
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, "state-2", st.State)
}

func TestMemoryStateStore(t *testing.T) {
	s := NewMemoryStateStore()
	defer s.Close()
	runStateStoreTests(t, s)
}

func TestRedisStateStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedisStateStoreFromClient(client, "test:")
	defer s.Close()

	runStateStoreTests(t, s)

	require.NoError(t, s.Put(context.Background(), "k", &FlowState{State: "x"}))
	assert.True(t, mr.Exists("test:k"))
	mr.FastForward(StateTTL + time.Second)
	st, err := s.Take(context.Background(), "k")
	require.NoError(t, err)
	assert.Nil(t, st, "expired state is gone")
}
