// Package sqlitedriver registers a pure-Go SQLite database/sql driver under
// the name "sqlite3". The persistence layer's bucket index is a derived
// cache, not the source of truth (see pkg/persistence/index), so this package
// intentionally favors the CGO-free modernc.org/sqlite driver over one that
// also offers at-rest encryption: there is nothing here that needs it.
//
// Import this package for its side effects only:
//
//	import _ "github.com/anima-research/connectome/internal/sqlitedriver"
package sqlitedriver
