package audit

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/efm-runtime/efm/pkg/clock"
	"github.com/efm-runtime/efm/pkg/crypto"
)

// TestPropertyAuditChainLinksHold generates random append sequences and
// checks the chain invariant holds for every one: prev_hash equals the
// predecessor's content_hash and sequence numbers are gap-free.
func TestPropertyAuditChainLinksHold(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 40
	properties := gopter.NewProperties(parameters)

	properties.Property("appended entries form an unbroken hash chain", prop.ForAll(
		func(payloads []string) bool {
			signer, err := crypto.NewEd25519Signer()
			if err != nil {
				return false
			}
			clk := clock.NewManualClock()
			l := New(clk, NewMemStore(), NoopReplication{}, signer, Sync, 32, nil)
			defer l.Close()

			ctx := context.Background()
			var prev Entry
			for i, p := range payloads {
				e, err := l.Append(ctx, "prop-test", EventPulseAccepted, clk.Now(), "cap", p)
				if err != nil {
					return false
				}
				if i == 0 {
					if e.PrevHash != SentinelPrevHash {
						return false
					}
				} else if e.PrevHash != prev.ContentHash || e.Seq != prev.Seq+1 {
					return false
				}
				prev = e
			}

			ok, _, err := l.VerifyRange(ctx, 0, uint64(len(payloads)))
			return err == nil && ok
		},
		gen.SliceOfN(12, gen.AlphaString()),
	))

	properties.TestingRun(t)
}
