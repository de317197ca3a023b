package llm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dan-solli/talebranch/pkg/capability"
	"github.com/dan-solli/talebranch/pkg/capability/capabilitytest"
)

func TestTierRouter(t *testing.T) {
	standard := &capabilitytest.Generator{Text: "standard"}
	premium := &capabilitytest.Generator{Text: "premium"}
	router := TierRouter{Standard: standard, Premium: premium}

	out, err := router.Generate(context.Background(), capability.GenerationRequest{Tier: capability.TierPremium})
	require.NoError(t, err)
	assert.Equal(t, "premium", out.Text)

	out, err = router.Generate(context.Background(), capability.GenerationRequest{Tier: capability.TierStandard})
	require.NoError(t, err)
	assert.Equal(t, "standard", out.Text)

	out, err = TierRouter{Standard: standard}.Generate(context.Background(), capability.GenerationRequest{Tier: capability.TierPremium})
	require.NoError(t, err)
	assert.Equal(t, "standard", out.Text)
	assert.Len(t, standard.Requests, 2)
}
