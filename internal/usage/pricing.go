package usage

// Rates is the pricing table converting a usage snapshot to cost.
// Amounts are in minor units (cents) using int64.
type Rates struct {
	Currency string

	// TelephonyPerMinuteMinor is charged per started billable minute.
	TelephonyPerMinuteMinor int64

	// BillingIncrementSeconds rounds telephony duration up (60 = per-minute
	// billing, 1 = per-second). MinimumBillableSeconds enforces a floor.
	BillingIncrementSeconds int
	MinimumBillableSeconds  int

	STTPerMinuteMinor   int64
	LLMPer1KTokensMinor int64

	// TTSPer1KCharsMinor is keyed by provider family; families without an
	// entry are free (unknown bucket rather than surprise charges).
	TTSPer1KCharsMinor map[TTSFamily]int64
}

// DefaultRates is the platform price card.
func DefaultRates(currency string) Rates {
	if currency == "" {
		currency = "USD"
	}
	return Rates{
		Currency:                currency,
		TelephonyPerMinuteMinor: 2, // $0.02/min
		BillingIncrementSeconds: 60,
		MinimumBillableSeconds:  60,
		STTPerMinuteMinor:       1, // $0.01/min
		LLMPer1KTokensMinor:     1, // $0.01/1k tokens
		TTSPer1KCharsMinor: map[TTSFamily]int64{
			TTSFamilyElevenLabs: 30, // $0.30/1k chars
			TTSFamilyStandard:   2,  // $0.02/1k chars
		},
	}
}

// Cost is the billing breakdown for one call.
type Cost struct {
	Currency string

	BillableSeconds int
	BillableMinutes int

	TelephonyMinor int64
	STTMinor       int64
	LLMMinor       int64
	TTSMinor       int64
	TotalMinor     int64
}

// CostFor converts a usage snapshot to cost using this price card.
func (r Rates) CostFor(u Usage) Cost {
	c := Cost{Currency: r.Currency}

	c.BillableSeconds = billableSeconds(u.TelephonySeconds, r.MinimumBillableSeconds, r.BillingIncrementSeconds)
	c.BillableMinutes = billableMinutesFromSeconds(c.BillableSeconds)
	c.TelephonyMinor = r.TelephonyPerMinuteMinor * int64(c.BillableMinutes)

	c.STTMinor = r.STTPerMinuteMinor * int64(billableMinutesFromSeconds(u.STTSeconds))

	c.LLMMinor = ceilDiv(u.LLMTokens*r.LLMPer1KTokensMinor, 1000)

	for family, chars := range u.TTSChars {
		rate, ok := r.TTSPer1KCharsMinor[family]
		if !ok {
			continue
		}
		c.TTSMinor += ceilDiv(chars*rate, 1000)
	}

	c.TotalMinor = c.TelephonyMinor + c.STTMinor + c.LLMMinor + c.TTSMinor
	return c
}

func billableSeconds(actualSec, minSec, incrementSec int) int {
	if actualSec < 0 {
		return 0
	}
	if minSec <= 0 {
		minSec = 0
	}
	if incrementSec <= 0 {
		incrementSec = 60
	}

	sec := actualSec
	if sec < minSec {
		sec = minSec
	}

	// round up to nearest increment
	q := sec / incrementSec
	r := sec % incrementSec
	if r != 0 {
		q++
	}
	return q * incrementSec
}

func billableMinutesFromSeconds(sec int) int {
	if sec <= 0 {
		return 0
	}
	m := sec / 60
	if sec%60 != 0 {
		m++
	}
	return m
}

func ceilDiv(n, d int64) int64 {
	if n <= 0 || d <= 0 {
		return 0
	}
	q := n / d
	if n%d != 0 {
		q++
	}
	return q
}
