// Package models defines the core domain models for Tally.
//
// # Entities
//
//   - Group: a set of participants who share expenses
//   - Participant: an {id, name} record inside a group; IDs are stable,
//     names are mutable
//   - Expense: a single shared cost with per-participant shares
//   - User: a registered account that can call the API
//   - PendingMutation: a locally-applied edit not yet acknowledged by the
//     remote record store
//
// # Projections
//
// Balances and settlement suggestions (FriendBalance, GroupBalance,
// Transfer) are derived values. They are recomputed from the expense set on
// demand and are never persisted or mutated — treat them as return values,
// not entities.
//
// # Design Principles
//
//  1. **Structural invariants**: a participant is one {id, name} record, so
//     the id list and the name list can never drift apart.
//  2. **Avoid circular references**: entities reference each other by ID
//     strings, never by pointer.
//  3. **Opaque payloads**: PendingMutation carries its entity as raw JSON;
//     the sync queue never needs mutable access to live entities.
//
// All timestamps are Unix milliseconds so that last-write-wins comparisons
// between devices have a usable resolution.
package models
