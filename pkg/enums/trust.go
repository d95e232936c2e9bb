package enums

// TrustTier is the coarse risk bucket derived from a seller's score.
type TrustTier string

const (
	TrustTierA TrustTier = "A"
	TrustTierB TrustTier = "B"
	TrustTierC TrustTier = "C"
	TrustTierD TrustTier = "D"
)

var validTrustTiers = []TrustTier{TrustTierA, TrustTierB, TrustTierC, TrustTierD}

func (t TrustTier) IsValid() bool { return contains(validTrustTiers, t) }

func ParseTrustTier(value string) (TrustTier, error) {
	return parse(validTrustTiers, value, "trust tier")
}
