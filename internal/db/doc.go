// Copyright 2024 The lmsd Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package db provides sessions and transactions for the media library database.
//
// # Access model
//
// The library is stored in one SQLite file that accepts a single writer at a time.
// All access goes through transactions obtained from a [Session]:
//   - [Session.UniqueTransaction] gives exclusive access; at most one is open process-wide;
//   - [Session.SharedTransaction] gives concurrent read access; any number may be open,
//     but never together with a unique one.
//
// Each transaction holds the [DB] access lock in the matching mode and one pooled connection
// for its whole lifetime. Ending a transaction with Commit or Rollback ends the SQL transaction
// and then releases the lock; the lock is released even if the commit fails.
//
// # Workers and sessions
//
// A [Worker] represents one goroutine doing database work (a request handler, the scanner, etc).
// It is created by the code that owns that goroutine and passed explicitly or via context.
// [DB.Session] returns the Worker's Session for that DB, creating it on first use.
// Neither Workers nor Sessions are safe for concurrent use.
//
// Transactions of the same mode may be nested on one Session: inner ones reuse the open
// SQL transaction and lock, and the outermost one commits. Nesting transactions of different
// modes returns [ErrMixedNesting].
//
// # Access tokens
//
// Entity repositories receive [Reader] (for finders) or [*WriteTx] (for mutators),
// obtainable only from an open transaction of the matching mode, and start every method by calling
// [Session.CheckSharedLocked] or [Session.CheckUniqueLocked].
// In development builds those checks and the transaction nesting are verified
// against the Worker's stack of open transactions, and misuse panics.
// In other builds the checks are no-ops.
package db
