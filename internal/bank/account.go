// Package bank is the sample domain served by aggflowd.
package bank

import (
	"errors"
	"fmt"

	"github.com/codewandler/aggflow/core/es"
	"github.com/codewandler/aggflow/core/es/assert"
)

// LargeWithdrawal is the amount from which withdrawals are flagged.
const LargeWithdrawal = 1000

var ErrInsufficientFunds = errors.New("insufficient funds")

type (
	Account struct {
		es.BaseAggregate

		Owner   string `json:"owner"`
		Balance int64  `json:"balance"`
		Opened  bool   `json:"opened"`
	}

	Opened struct {
		Owner string `json:"owner"`
	}

	Deposited struct {
		Amount int64  `json:"amount"`
		Ref    string `json:"ref,omitempty"`
	}

	Withdrawn struct {
		Amount int64  `json:"amount"`
		Ref    string `json:"ref,omitempty"`
	}

	// LargeWithdrawalFlagged is raised out of band for compliance.
	LargeWithdrawalFlagged struct {
		Amount int64 `json:"amount"`
	}
)

func (Opened) EventType() string                 { return "bank.opened" }
func (Deposited) EventType() string              { return "bank.deposited" }
func (Withdrawn) EventType() string              { return "bank.withdrawn" }
func (LargeWithdrawalFlagged) EventType() string { return "bank.large_withdrawal_flagged" }

func (e *Deposited) Validate() error {
	if e.Amount <= 0 {
		return fmt.Errorf("deposit of %d", e.Amount)
	}
	return nil
}

func (e *Withdrawn) Validate() error {
	if e.Amount <= 0 {
		return fmt.Errorf("withdrawal of %d", e.Amount)
	}
	return nil
}

func (a *Account) GetAggType() string { return "account" }

func (a *Account) Register(r es.Registrar) {
	es.On(r, func(a *Account, e *Opened) {
		a.Owner = e.Owner
		a.Opened = true
	})
	es.On(r, func(a *Account, e *Deposited) { a.Balance += e.Amount })
	es.On(r, func(a *Account, e *Withdrawn) { a.Balance -= e.Amount })

	// deposits commute
	es.OnConflict(r, func(*Account, *Deposited) error { return nil })
	es.OnConflict(r, func(a *Account, e *Withdrawn) error {
		if a.Balance < e.Amount {
			return es.Discard(fmt.Sprintf("balance %d cannot cover %d", a.Balance, e.Amount))
		}
		return nil
	})

	es.RegisterEvents(r, es.Event[LargeWithdrawalFlagged]())
}

// === Commands ===

func (a *Account) Open(owner string) error {
	return a.Checked(
		assert.All(
			assert.False(a.Opened, "account is not open yet"),
			assert.NotEmpty(owner, "owner"),
		),
		func() error { return es.Apply(a, func(e *Opened) { e.Owner = owner }) },
	)
}

func (a *Account) Deposit(amount int64, ref string) error {
	return a.Checked(
		assert.All(
			assert.True(a.Opened, "account is open"),
			assert.Positive(amount, "amount"),
		),
		func() error {
			return es.Apply(a, func(e *Deposited) { e.Amount, e.Ref = amount, ref })
		},
	)
}

func (a *Account) Withdraw(amount int64, ref string) error {
	if err := a.Checked(
		assert.All(
			assert.True(a.Opened, "account is open"),
			assert.Positive(amount, "amount"),
		),
		func() error { return nil },
	); err != nil {
		return err
	}
	if a.Balance < amount {
		return fmt.Errorf("%w: balance %d, requested %d", ErrInsufficientFunds, a.Balance, amount)
	}
	if err := es.Apply(a, func(e *Withdrawn) { e.Amount, e.Ref = amount, ref }); err != nil {
		return err
	}
	if amount >= LargeWithdrawal {
		return es.Raise(a, func(e *LargeWithdrawalFlagged) { e.Amount = amount })
	}
	return nil
}
