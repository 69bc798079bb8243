/*
reserve.go - Reserve accounts held by an entity

PURPOSE:
  Five cash accounts sit beside the debt: the operating reserve, the debt
  service reserve (DSRA), the entity fixed deposit, the mezzanine dividend
  reserve and the intercompany overdraft. Each follows the same per-period
  protocol, mirroring how balances accrue before they are consumed:

    acc := r.Accrue(in)   // interest first, then target/gap/excess
    got := r.Fill(amount) // waterfall deposits, returns what was accepted

  Accrue is called exactly once per period, before any fill.

BALANCE INVARIANT:
  No reserve balance ever goes below zero. Fill clamps negative requests to
  zero; withdrawals clamp to the available balance.

SEE ALSO:
  - waterfall.go: Steps 4 to 10 fill and release these accounts
*/
package engine

// =============================================================================
// PROTOCOL
// =============================================================================

type ReserveKind string

const (
	ReserveOperating   ReserveKind = "ops"
	ReserveDebtService ReserveKind = "dsra"
	ReserveDeposit     ReserveKind = "fd"
	ReserveMezzDiv     ReserveKind = "mezz_div"
	ReserveOverdraft   ReserveKind = "overdraft"
)

// AccrualInput carries the per-period facts reserves size themselves from.
type AccrualInput struct {
	Period            int
	NextSeniorService float64
	SeniorOutstanding float64
	MezzOpening       float64
}

// ReserveAccrual is the result of one Accrue call.
type ReserveAccrual struct {
	Kind          ReserveKind `json:"kind"`
	Opening       float64     `json:"opening"`
	Interest      float64     `json:"interest"`
	AfterInterest float64     `json:"after_interest"`
	Target        float64     `json:"target"`
	Gap           float64     `json:"gap"`    // max(target - after interest, 0)
	Excess        float64     `json:"excess"` // max(after interest - target, 0)
}

type Reserve interface {
	Kind() ReserveKind
	Accrue(in AccrualInput) ReserveAccrual
	Fill(amount float64) float64
	Balance() float64
}

// account is the shared balance mechanics.
type account struct {
	rate    float64
	balance float64
}

func (a *account) Balance() float64 { return a.balance }

func (a *account) Fill(amount float64) float64 {
	amt := nonNeg(amount)
	a.balance += amt
	return amt
}

func (a *account) take(amount float64) float64 {
	amt := clampRange(amount, a.balance)
	a.balance -= amt
	if a.balance < BalanceEpsilon/100 {
		a.balance = 0
	}
	return amt
}

func (a *account) accrue(kind ReserveKind, target float64) ReserveAccrual {
	opening := a.balance
	interest := 0.0
	if opening > BalanceEpsilon {
		interest = opening * a.rate / 2
	}
	a.balance += interest
	target = nonNeg(target)
	return ReserveAccrual{
		Kind:          kind,
		Opening:       opening,
		Interest:      interest,
		AfterInterest: a.balance,
		Target:        target,
		Gap:           nonNeg(target - a.balance),
		Excess:        nonNeg(a.balance - target),
	}
}

// =============================================================================
// OPERATING RESERVE
// =============================================================================

// OperatingReserve holds next period's operating cost.
type OperatingReserve struct {
	account
	opex []float64
}

func NewOperatingReserve(depositRate float64, opex []float64, opening float64) *OperatingReserve {
	return &OperatingReserve{account: account{rate: depositRate, balance: nonNeg(opening)}, opex: opex}
}

func (r *OperatingReserve) Kind() ReserveKind { return ReserveOperating }

// Target is next period's opex; when this period has no opex (a gap period)
// the reserve looks two periods ahead. Beyond the horizon the target is 0.
func (r *OperatingReserve) Target(p int) float64 {
	if nearZero(at(r.opex, p)) {
		return nonNeg(at(r.opex, p+2))
	}
	return nonNeg(at(r.opex, p+1))
}

func (r *OperatingReserve) Accrue(in AccrualInput) ReserveAccrual {
	return r.accrue(ReserveOperating, r.Target(in.Period))
}

// =============================================================================
// DEBT SERVICE RESERVE
// =============================================================================

type DebtServiceReserve struct {
	account
}

func NewDebtServiceReserve(depositRate, opening float64) *DebtServiceReserve {
	return &DebtServiceReserve{account: account{rate: depositRate, balance: nonNeg(opening)}}
}

func (r *DebtServiceReserve) Kind() ReserveKind { return ReserveDebtService }

// Accrue targets the next senior service, capped at the senior balance still owed.
func (r *DebtServiceReserve) Accrue(in AccrualInput) ReserveAccrual {
	target := min(nonNeg(in.NextSeniorService), nonNeg(in.SeniorOutstanding))
	return r.accrue(ReserveDebtService, target)
}

func (r *DebtServiceReserve) Release(amount float64) float64 { return r.take(amount) }

// =============================================================================
// FIXED DEPOSIT
// =============================================================================

// FixedDeposit accumulates free cash once debt is gone; dividends are paid from it.
type FixedDeposit struct {
	account
}

func NewFixedDeposit(depositRate, opening float64) *FixedDeposit {
	return &FixedDeposit{account: account{rate: depositRate, balance: nonNeg(opening)}}
}

func (r *FixedDeposit) Kind() ReserveKind { return ReserveDeposit }

func (r *FixedDeposit) Accrue(in AccrualInput) ReserveAccrual {
	return r.accrue(ReserveDeposit, 0)
}

func (r *FixedDeposit) Withdraw(amount float64) float64 { return r.take(amount) }

// =============================================================================
// MEZZANINE DIVIDEND RESERVE
// =============================================================================

// MezzDividendReserve builds a liability at the gap rate on the mezzanine
// balance, funds it from cash, and pays it out once when the mezzanine
// tranche is repaid. After the payout it is permanently disabled.
type MezzDividendReserve struct {
	account
	gapRate   float64
	liability float64
	activated bool
	disabled  bool
}

func NewMezzDividendReserve(depositRate, gapRate float64) *MezzDividendReserve {
	return &MezzDividendReserve{account: account{rate: depositRate}, gapRate: gapRate}
}

func (r *MezzDividendReserve) Kind() ReserveKind  { return ReserveMezzDiv }
func (r *MezzDividendReserve) Liability() float64 { return r.liability }
func (r *MezzDividendReserve) Enabled() bool      { return !r.disabled }

// Activated reports whether a mezzanine balance has ever been outstanding.
func (r *MezzDividendReserve) Activated() bool { return r.activated }

func (r *MezzDividendReserve) Accrue(in AccrualInput) ReserveAccrual {
	if r.disabled {
		acc := r.accrue(ReserveMezzDiv, 0)
		acc.Excess = 0
		return acc
	}
	if in.MezzOpening > BalanceEpsilon {
		r.activated = true
		r.liability += in.MezzOpening * r.gapRate / 2
	}
	acc := r.accrue(ReserveMezzDiv, r.liability)
	acc.Excess = 0
	return acc
}

func (r *MezzDividendReserve) Fill(amount float64) float64 {
	if r.disabled {
		return 0
	}
	return r.account.Fill(amount)
}

// Payout releases the whole balance and disables the mechanism.
func (r *MezzDividendReserve) Payout() float64 {
	if r.disabled {
		return 0
	}
	paid := r.balance
	r.balance = 0
	r.liability = 0
	r.disabled = true
	return paid
}

// =============================================================================
// OVERDRAFT
// =============================================================================

type OverdraftRole string

const (
	OverdraftNone     OverdraftRole = ""
	OverdraftLender   OverdraftRole = "lender"
	OverdraftBorrower OverdraftRole = "borrower"
)

// Overdraft is the intercompany facility seen from one side. For the lender the
// balance is an asset, for the borrower a liability. Interest on the opening
// balance is capitalised before any draw in the same period.
type Overdraft struct {
	account
	role OverdraftRole
}

func NewOverdraft(role OverdraftRole, rate, opening float64) *Overdraft {
	return &Overdraft{account: account{rate: rate, balance: nonNeg(opening)}, role: role}
}

func (o *Overdraft) Kind() ReserveKind   { return ReserveOverdraft }
func (o *Overdraft) Role() OverdraftRole { return o.role }
func (o *Overdraft) Rate() float64       { return o.rate }

func (o *Overdraft) Accrue(in AccrualInput) ReserveAccrual {
	acc := o.accrue(ReserveOverdraft, 0)
	acc.Excess = 0
	return acc
}

// Lend increases the lender's receivable.
func (o *Overdraft) Lend(amount float64) float64 { return o.Fill(amount) }

// Draw increases the borrower's liability.
func (o *Overdraft) Draw(amount float64) float64 { return o.Fill(amount) }

// Repay reduces the balance, never below zero.
func (o *Overdraft) Repay(amount float64) float64 { return o.take(amount) }
