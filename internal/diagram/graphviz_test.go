package diagram

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/toolflow/internal/store"
	"github.com/rendis/toolflow/pkg/schema"
)

func TestRenderImage(t *testing.T) {
	model, err := Build(petWorkflow(), nil)
	require.NoError(t, err)

	png, err := RenderImage(model)
	require.NoError(t, err)
	require.Greater(t, len(png), 8)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, png[:4])
}

func TestRenderImageWithStatus(t *testing.T) {
	rec := &store.ExecutionRecord{NodeResults: map[string]*schema.NodeResult{
		"fetchPet":   {Status: schema.NodeStatusCompleted, DurationMs: 100},
		"fetchOwner": {Status: schema.NodeStatusFailed},
		"formatCard": {Status: schema.NodeStatusSkipped},
	}}
	model, err := Build(petWorkflow(), rec)
	require.NoError(t, err)

	png, err := RenderImage(model)
	require.NoError(t, err)
	assert.Equal(t, byte(0x89), png[0])
}

func TestRenderSVG(t *testing.T) {
	model, err := Build(petWorkflow(), nil)
	require.NoError(t, err)

	svg, err := RenderSVG(model)
	require.NoError(t, err)
	assert.Contains(t, string(svg), "<svg")
	assert.Contains(t, string(svg), "formatCard")
}
