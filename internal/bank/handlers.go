package bank

import (
	"github.com/codewandler/aggflow/core/es"
	"github.com/codewandler/aggflow/core/esuow"
	"github.com/codewandler/aggflow/core/outbox"
	"github.com/codewandler/aggflow/core/pipeline"
)

// Command message types.
const (
	MsgOpen     = "bank.open"
	MsgDeposit  = "bank.deposit"
	MsgWithdraw = "bank.withdraw"
	MsgTransfer = "bank.transfer"
)

// Notification types sent through the outbox.
const (
	MsgAccountOpened  = "bank.account_opened"
	MsgBalanceChanged = "bank.balance_changed"
	MsgTransferred    = "bank.transferred"
)

type (
	OpenAccount struct {
		AccountID string `json:"account_id"`
		Owner     string `json:"owner"`
	}
	Deposit struct {
		AccountID string `json:"account_id"`
		Amount    int64  `json:"amount"`
	}
	Withdraw struct {
		AccountID string `json:"account_id"`
		Amount    int64  `json:"amount"`
	}
	Transfer struct {
		From   string `json:"from"`
		To     string `json:"to"`
		Amount int64  `json:"amount"`
	}

	BalanceChanged struct {
		AccountID string `json:"account_id"`
		Balance   int64  `json:"balance"`
	}
)

// Handlers serves the bank commands. Every handler expects the es and
// outbox units of work to be active.
type Handlers struct {
	accounts es.TypedRepository[*Account]
}

func NewHandlers(repo es.Repository) *Handlers {
	return &Handlers{accounts: es.NewTypedRepositoryFrom[*Account](repo)}
}

// Register adds the command handlers to mux.
func (h *Handlers) Register(mux *pipeline.Mux) {
	pipeline.On(mux, MsgOpen, h.open)
	pipeline.On(mux, MsgDeposit, h.deposit)
	pipeline.On(mux, MsgWithdraw, h.withdraw)
	pipeline.On(mux, MsgTransfer, h.transfer)
}

func (h *Handlers) open(mc *pipeline.MsgCtx, cmd *OpenAccount) error {
	acc, err := esuow.GetOrNew(mc, h.accounts, cmd.AccountID)
	if err != nil {
		return err
	}
	if err := acc.Open(cmd.Owner); err != nil {
		return err
	}
	return outbox.Send(mc, MsgAccountOpened, cmd)
}

func (h *Handlers) deposit(mc *pipeline.MsgCtx, cmd *Deposit) error {
	acc, err := esuow.Get(mc, h.accounts, cmd.AccountID)
	if err != nil {
		return err
	}
	if err := acc.Deposit(cmd.Amount, mc.ActiveID()); err != nil {
		return err
	}
	return balanceChanged(mc, acc)
}

func (h *Handlers) withdraw(mc *pipeline.MsgCtx, cmd *Withdraw) error {
	acc, err := esuow.Get(mc, h.accounts, cmd.AccountID)
	if err != nil {
		return err
	}
	if err := acc.Withdraw(cmd.Amount, mc.ActiveID()); err != nil {
		return err
	}
	return balanceChanged(mc, acc)
}

// transfer changes both accounts in one cycle: either both are saved or
// neither is.
func (h *Handlers) transfer(mc *pipeline.MsgCtx, cmd *Transfer) error {
	from, err := esuow.Get(mc, h.accounts, cmd.From)
	if err != nil {
		return err
	}
	to, err := esuow.Get(mc, h.accounts, cmd.To)
	if err != nil {
		return err
	}
	if err := from.Withdraw(cmd.Amount, mc.ActiveID()); err != nil {
		return err
	}
	if err := to.Deposit(cmd.Amount, mc.ActiveID()); err != nil {
		return err
	}
	if err := balanceChanged(mc, from); err != nil {
		return err
	}
	if err := balanceChanged(mc, to); err != nil {
		return err
	}
	return outbox.Send(mc, MsgTransferred, cmd)
}

func balanceChanged(mc *pipeline.MsgCtx, acc *Account) error {
	return outbox.Send(mc, MsgBalanceChanged, BalanceChanged{AccountID: acc.GetID(), Balance: acc.Balance})
}
