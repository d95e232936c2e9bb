package enums

// Currency is an ISO-4217 code the ledger can hold balances in.
type Currency string

const (
	CurrencyEUR Currency = "EUR"
	CurrencyUSD Currency = "USD"
	CurrencyGBP Currency = "GBP"
)

var validCurrencies = []Currency{CurrencyEUR, CurrencyUSD, CurrencyGBP}

func (c Currency) String() string { return string(c) }

func (c Currency) IsValid() bool { return contains(validCurrencies, c) }

func ParseCurrency(value string) (Currency, error) {
	return parse(validCurrencies, value, "currency")
}
