package llm

import (
	"context"

	"github.com/dan-solli/talebranch/pkg/capability"
)

// TierRouter sends premium generation to a separate backend. A nil Premium
// routes every tier to Standard.
type TierRouter struct {
	Standard capability.TextGenerator
	Premium  capability.TextGenerator
}

var _ capability.TextGenerator = TierRouter{}

// Generate implements capability.TextGenerator.
func (r TierRouter) Generate(ctx context.Context, req capability.GenerationRequest) (capability.Generation, error) {
	if req.Tier == capability.TierPremium && r.Premium != nil {
		return r.Premium.Generate(ctx, req)
	}
	return r.Standard.Generate(ctx, req)
}
