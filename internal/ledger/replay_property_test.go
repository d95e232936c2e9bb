package ledger

import (
	"context"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"gorm.io/gorm"

	"github.com/angelmondragon/settlement-ledger/pkg/enums"
)

// Random sequences of credits, bucket moves and payout debits must leave the
// stored balances equal to the replayed entries, keep seller buckets
// non-negative, and keep every reference balanced.
func TestLedgerReplayInvariants(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 25
	properties := gopter.NewProperties(parameters)

	properties.Property("stored balances equal replayed entries", prop.ForAll(
		func(amounts []int64) bool {
			h := newHarness(t)
			ctx := context.Background()
			for i, amount := range amounts {
				key := fmt.Sprintf("op-%d", i)
				_ = h.tx.WithTx(ctx, func(tx *gorm.DB) error {
					var err error
					switch amount % 4 {
					case 0:
						_, err = h.svc.Credit(ctx, tx, Movement{SellerID: "s", Bucket: enums.BucketPending, AmountCents: amount, Currency: enums.CurrencyEUR, Reason: enums.ReasonOrderSettlement, ReferenceID: key, OperationKey: key})
					case 1:
						_, err = h.svc.Move(ctx, tx, Transfer{SellerID: "s", From: enums.BucketPending, To: enums.BucketReserved, AmountCents: amount, Currency: enums.CurrencyEUR, Reason: enums.ReasonOrderSettlement, ReferenceID: key, OperationKey: key})
					case 2:
						_, err = h.svc.Move(ctx, tx, Transfer{SellerID: "s", From: enums.BucketReserved, To: enums.BucketAvailable, AmountCents: amount, Currency: enums.CurrencyEUR, Reason: enums.ReasonOrderSettlement, ReferenceID: key, OperationKey: key})
					default:
						_, err = h.svc.Debit(ctx, tx, Movement{SellerID: "s", Bucket: enums.BucketAvailable, AmountCents: amount, Currency: enums.CurrencyEUR, Reason: enums.ReasonPayout, ReferenceID: key, OperationKey: key})
					}
					return err
				})
			}

			balances, err := h.svc.Balances(ctx, "s")
			if err != nil {
				// No credit was ever applied.
				return true
			}
			if balances.Drifted() {
				return false
			}
			for _, bucket := range enums.SellerBuckets() {
				if balances.Account.Balance(bucket) < 0 {
					return false
				}
			}
			unbalanced, err := NewRepository(h.conn).UnbalancedReferences(ctx, 10)
			return err == nil && len(unbalanced) == 0
		},
		gen.SliceOfN(12, gen.Int64Range(1, 5000)),
	))

	properties.TestingRun(t)
}
