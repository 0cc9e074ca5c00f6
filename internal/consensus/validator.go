package consensus

import (
	"fmt"

	"github.com/novastake/novastaked/pkg/block"
)

// BlockVerifier is implemented by consensus engines that need more than
// the header to validate a block — PoS, whose kernel test depends on the
// coinstake transaction's spent UTXO. It is additive to Engine rather
// than a replacement for VerifyHeader, so PoA/PoW (which only ever need
// the header) are untouched.
type BlockVerifier interface {
	VerifyBlock(blk *block.Block) error
}

// Validator validates blocks against consensus rules.
type Validator struct {
	engine Engine
}

// NewValidator creates a block validator with the given consensus engine.
func NewValidator(engine Engine) *Validator {
	return &Validator{engine: engine}
}

// ValidateBlock checks a block against both structural and consensus rules.
func (v *Validator) ValidateBlock(blk *block.Block) error {
	// Structural validation.
	if err := blk.Validate(); err != nil {
		return fmt.Errorf("block structure: %w", err)
	}

	// Engines that need full-block context (PoS's kernel test) use
	// VerifyBlock; everything else uses the header-only check.
	if bv, ok := v.engine.(BlockVerifier); ok {
		if err := bv.VerifyBlock(blk); err != nil {
			return fmt.Errorf("consensus: %w", err)
		}
		return nil
	}

	if err := v.engine.VerifyHeader(blk.Header); err != nil {
		return fmt.Errorf("consensus: %w", err)
	}

	return nil
}
