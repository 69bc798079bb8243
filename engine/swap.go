package engine

import "fmt"

// =============================================================================
// CROSS-CURRENCY SWAP LEG
// =============================================================================

// SwapTerms describe the local-currency leg of a EUR funding swap. The leg
// is outstanding from StartPeriod and amortizes in equal instalments over
// Tenor periods.
type SwapTerms struct {
	NotionalEUR float64 `json:"notional_eur"`
	FXRate      float64 `json:"fx_rate"` // local per EUR
	Rate        float64 `json:"rate"`    // annual, local leg
	StartPeriod int     `json:"start_period"`
	Tenor       int     `json:"tenor"`
}

func (t SwapTerms) Notional() float64 { return t.NotionalEUR * t.FXRate }

func (t SwapTerms) Validate(tl *Timeline) error {
	switch {
	case t.NotionalEUR <= 0:
		return missingField("", "swap.notional_eur")
	case t.FXRate <= 0:
		return missingField("", "swap.fx_rate")
	case t.Rate <= 0:
		return missingField("", "swap.rate")
	case t.Tenor <= 0:
		return missingField("", "swap.tenor")
	case t.StartPeriod < 0 || t.StartPeriod+t.Tenor > tl.Len():
		return invalidField("", "swap.start_period",
			fmt.Sprintf("tenor %d from period %d exceeds the horizon", t.Tenor, t.StartPeriod))
	}
	return nil
}

type SwapPeriod struct {
	Period    int     `json:"period"`
	Opening   float64 `json:"opening"`
	Interest  float64 `json:"interest"`
	Principal float64 `json:"principal"`
	Payment   float64 `json:"payment"`
	Closing   float64 `json:"closing"`
}

// SwapSchedule is one row per timeline period.
type SwapSchedule []SwapPeriod

// BuildSwapSchedule pre-builds the contractual schedule of the leg.
func BuildSwapSchedule(tl *Timeline, t SwapTerms) (SwapSchedule, error) {
	if err := t.Validate(tl); err != nil {
		return nil, err
	}
	out := make(SwapSchedule, tl.Len())
	notional := t.Notional()
	instalment := notional / float64(t.Tenor)
	balance := 0.0
	for p := range out {
		if p == t.StartPeriod {
			balance = notional
		}
		row := SwapPeriod{Period: p, Opening: balance}
		if p >= t.StartPeriod && balance > BalanceEpsilon {
			row.Interest = balance * t.Rate / 2
			row.Principal = min(instalment, balance)
			if p == t.StartPeriod+t.Tenor-1 {
				row.Principal = balance
			}
		}
		row.Payment = row.Interest + row.Principal
		balance -= row.Principal
		row.Closing = balance
		out[p] = row
	}
	return out, nil
}

// =============================================================================
// LIVE LEG - tracks acceleration against the contractual schedule
// =============================================================================

// SwapObligation is what the leg demands in one period.
type SwapObligation struct {
	Interest  float64 `json:"interest"`
	Principal float64 `json:"principal"`
	Balance   float64 `json:"balance"` // after scheduled principal, before acceleration
	Rate      float64 `json:"rate"`
}

func (o SwapObligation) Payment() float64 { return o.Interest + o.Principal }

// SwapLeg is the mutable leg carried in the waterfall state.
type SwapLeg struct {
	rate     float64
	schedule SwapSchedule
	balance  float64
	started  bool
}

func NewSwapLeg(rate float64, schedule SwapSchedule) *SwapLeg {
	return &SwapLeg{rate: rate, schedule: schedule}
}

func (l *SwapLeg) Balance() float64 { return l.balance }
func (l *SwapLeg) Rate() float64    { return l.rate }

// Obligation opens the period: interest is charged on the live balance, the
// scheduled principal is capped at what is still owed.
func (l *SwapLeg) Obligation(p int) SwapObligation {
	if p < 0 || p >= len(l.schedule) {
		return SwapObligation{Rate: l.rate}
	}
	sched := l.schedule[p]
	if !l.started && sched.Opening > BalanceEpsilon {
		l.balance = sched.Opening
		l.started = true
	}
	if l.balance <= BalanceEpsilon {
		return SwapObligation{Balance: l.balance, Rate: l.rate}
	}
	interest := l.balance * l.rate / 2
	if l.rate == 0 {
		interest = sched.Interest * safeDiv(l.balance, sched.Opening)
	}
	principal := min(sched.Principal, l.balance)
	if sched.Closing <= BalanceEpsilon && sched.Principal > 0 {
		principal = l.balance
	}
	return SwapObligation{
		Interest:  interest,
		Principal: principal,
		Balance:   l.balance - principal,
		Rate:      l.rate,
	}
}

// Settle closes the period with the paid principal and any acceleration.
func (l *SwapLeg) Settle(principal, acceleration float64) float64 {
	l.balance = nonNeg(l.balance - principal - acceleration)
	return l.balance
}
