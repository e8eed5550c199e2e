// Package store provides the SQLite-backed Rule Store.
//
// Rules live in the catalog table rewrite_rules, normally inside the same
// database file the host executes statements against. The table is the
// durable analogue of a fixed-capacity rule array:
//   - Capacity is checked and the row inserted inside one write transaction.
//   - Rows are ordered by id, an AUTOINCREMENT key that is never reused, so
//     deleting a row keeps the relative order of the rest.
//   - Reads are snapshot reads; writers serialize on the database write lock.
//
// If the table is missing (dropped through the host, or a database that was
// never initialised), every operation returns a BACKING_STORE_UNAVAILABLE
// rules.Error so workers can treat the feature as inactive.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - _txlock=immediate: Write transactions take the lock at BEGIN
package store
