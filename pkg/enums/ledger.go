package enums

// LedgerDirection is the side of a double-entry posting.
type LedgerDirection string

const (
	DirectionDebit  LedgerDirection = "DEBIT"
	DirectionCredit LedgerDirection = "CREDIT"
)

var validLedgerDirections = []LedgerDirection{DirectionDebit, DirectionCredit}

func (d LedgerDirection) IsValid() bool { return contains(validLedgerDirections, d) }

// Opposite returns the counter direction.
func (d LedgerDirection) Opposite() LedgerDirection {
	if d == DirectionDebit {
		return DirectionCredit
	}
	return DirectionDebit
}

// LedgerReason classifies why money moved.
type LedgerReason string

const (
	ReasonOrderSettlement LedgerReason = "ORDER_SETTLEMENT"
	ReasonCommission      LedgerReason = "COMMISSION"
	ReasonPayout          LedgerReason = "PAYOUT"
	ReasonReversal        LedgerReason = "REVERSAL"
	ReasonAdjustment      LedgerReason = "ADJUSTMENT"
)

var validLedgerReasons = []LedgerReason{
	ReasonOrderSettlement,
	ReasonCommission,
	ReasonPayout,
	ReasonReversal,
	ReasonAdjustment,
}

func (r LedgerReason) IsValid() bool { return contains(validLedgerReasons, r) }

func ParseLedgerReason(value string) (LedgerReason, error) {
	return parse(validLedgerReasons, value, "ledger reason")
}

// LedgerBucket names the balance an entry moves. Seller accounts use
// PENDING, RESERVED and AVAILABLE; system accounts use CLEARING and REVENUE.
type LedgerBucket string

const (
	BucketPending   LedgerBucket = "PENDING"
	BucketReserved  LedgerBucket = "RESERVED"
	BucketAvailable LedgerBucket = "AVAILABLE"
	BucketClearing  LedgerBucket = "CLEARING"
	BucketRevenue   LedgerBucket = "REVENUE"
)

var sellerBuckets = []LedgerBucket{BucketPending, BucketReserved, BucketAvailable}

var validLedgerBuckets = []LedgerBucket{
	BucketPending,
	BucketReserved,
	BucketAvailable,
	BucketClearing,
	BucketRevenue,
}

func (b LedgerBucket) IsValid() bool { return contains(validLedgerBuckets, b) }

// IsSeller reports whether the bucket belongs to a seller account.
func (b LedgerBucket) IsSeller() bool { return contains(sellerBuckets, b) }

// SellerBuckets lists the buckets a seller account carries.
func SellerBuckets() []LedgerBucket {
	return append([]LedgerBucket(nil), sellerBuckets...)
}

// AccountKind separates seller tenants from platform system accounts.
type AccountKind string

const (
	AccountKindSeller AccountKind = "SELLER"
	AccountKindSystem AccountKind = "SYSTEM"
)

func (k AccountKind) IsValid() bool {
	return k == AccountKindSeller || k == AccountKindSystem
}
