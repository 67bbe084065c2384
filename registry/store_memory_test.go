package registry

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStorePaginationBounds(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, err := store.InsertNode(ctx, Node{NodeID: uuid.New(), FirmwareVersion: "1.0.0"})
	require.NoError(t, err)
	_, err = store.InsertNode(ctx, Node{NodeID: uuid.New(), FirmwareVersion: "1.0.0"})
	require.NoError(t, err)

	// out-of-range offsets clamp instead of panicking
	nodes, err := store.Nodes(ctx, NodeFilter{Offset: -1})
	require.NoError(t, err)
	assert.Len(t, nodes, 2)

	nodes, err = store.Nodes(ctx, NodeFilter{Offset: 5})
	require.NoError(t, err)
	assert.Empty(t, nodes)

	nodes, err = store.Nodes(ctx, NodeFilter{Offset: 1, Limit: 5})
	require.NoError(t, err)
	assert.Len(t, nodes, 1)

	sensors, err := store.Sensors(ctx, SensorFilter{Offset: -3})
	require.NoError(t, err)
	assert.Empty(t, sensors)
}
