// Package es provides the event sourcing runtime: aggregates whose state
// changes only by applying events, their event streams, and the repository
// that loads and saves them with optimistic concurrency.
//
// # Aggregates
//
// An aggregate embeds [BaseAggregate] and declares its events and routes in
// Register. Routes are plain functions keyed by event type; there is one
// table for normal application and a separate one for conflict resolution.
//
//	type Account struct {
//	    es.BaseAggregate
//	    Balance int64
//	}
//
//	func (a *Account) GetAggType() string { return "account" }
//
//	func (a *Account) Register(r es.Registrar) {
//	    es.On(r, func(a *Account, e *Deposited) { a.Balance += e.Amount })
//	    es.OnConflict(r, func(a *Account, e *Deposited) error { return nil })
//	}
//
//	func (a *Account) Deposit(amount int64) error {
//	    return es.Apply(a, func(e *Deposited) { e.Amount = amount })
//	}
//
// [Apply] routes an event and appends it to the pending events of the
// stream. Events without a route are still appended. [Raise] records an
// out-of-band event that never touches aggregate state. [Hydrate] replays
// persisted events. [Conflict] re-applies an event on an aggregate that
// moved on since the event was produced; it requires a conflict route and a
// conflict route may drop the event by returning [Discard].
//
// # Repository
//
// The [Repository] loads aggregates from an [EventStore] and writes their
// pending events with the expected version. On [ErrConcurrencyConflict] it
// reloads the aggregate and replays the pending events through [Conflict]
// before retrying:
//
//	repo := es.NewTypedRepository[*Account](log, store, registry)
//	acc, err := repo.GetByID(ctx, "acc-1")
//	acc.Deposit(10)
//	repo.Save(ctx, acc, es.WithCommitHeaders(es.Headers{"message-id": id}))
//
// # Stream metadata
//
// Streams carry retention settings (max count, truncate before, max age),
// a cache control hint and a frozen flag with an owner. Frozen streams
// reject writes; only the owner or a forced write may change their
// metadata.
//
// # Snapshots
//
// Aggregates with long histories can be saved and loaded with
// [WithSnapshot]. Implement [Snapshottable] for custom serialization,
// otherwise the JSON codec is used.
package es
