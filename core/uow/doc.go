// Package uow runs the units of work of one inbound message.
//
// Each registered Kind contributes one UnitOfWork per message. The
// Orchestrator begins them terminal kinds first, runs the rest of the
// pipeline, then ends them in reverse order, so terminal units end last.
// Every unit owns a Bag that is persisted after its End and handed back on
// the next delivery of the same message; a fully successful cycle removes
// all bags of the message.
//
// When Begin or the pipeline fails, every begun unit is ended with the
// error. Errors raised while ending are collected into a CompensationError
// next to the original cause.
package uow
