// Package app assembles the runtime: an event sourcing [es.Env], the es and
// outbox units of work, the [uow.Orchestrator] and a [pipeline.Dispatcher]
// in front of a message mux.
//
// # Basic Usage
//
//	a, err := app.New(app.Config{
//	    Aggregates: []es.Aggregate{new(bank.Account)},
//	    Store:      natsStore,
//	    Bags:       postgresBags,
//	}, func(mux *pipeline.Mux, repo es.Repository) {
//	    bank.NewHandlers(repo).Register(mux)
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer a.Stop()
//
//	err = a.Send(ctx, bank.MsgDeposit, bank.Deposit{AccountID: "acc-1", Amount: 10})
//
// Without a Transport, messages staged in the outbox are dispatched back
// into the app once the sending cycle committed. Wait blocks until those
// have been handled.
package app
