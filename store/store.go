// Package store owns all persisted state: session bindings, memories
// with their full-text index, scheduled tasks, the conversation log,
// the token-usage ledger, and contacts. All rows are scoped by chat id.
package store

import (
	"database/sql"
	"regexp"
	"strings"
	"sync"
	"time"

	sqlitedb "github.com/hrygo/clawgate/store/db/sqlite"
)

// Store is the process-wide persistence handle.
type Store struct {
	db *sql.DB
}

var (
	instanceMu sync.Mutex
	instance   *Store
)

// New opens a store at the given sqlite path (or ":memory:" in tests).
func New(dsn string) (*Store, error) {
	db, err := sqlitedb.Open(dsn)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// SetInstance installs the singleton handle. Called once at startup.
func SetInstance(s *Store) {
	instanceMu.Lock()
	defer instanceMu.Unlock()
	instance = s
}

// Instance returns the singleton handle, or nil before startup.
func Instance() *Store {
	instanceMu.Lock()
	defer instanceMu.Unlock()
	return instance
}

// ResetInstance clears the singleton. Test hook.
func ResetInstance() {
	instanceMu.Lock()
	defer instanceMu.Unlock()
	instance = nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the raw handle for maintenance queries.
func (s *Store) DB() *sql.DB { return s.db }

func now() int64 { return time.Now().Unix() }

var ftsKeep = regexp.MustCompile(`[^\p{L}\p{N}\s]+`)

// normalizeFTSQuery turns free text into an FTS5 prefix-match query.
// Tokens shorter than two runes are dropped; an empty result means the
// index must not be consulted at all.
func normalizeFTSQuery(query string) string {
	cleaned := ftsKeep.ReplaceAllString(query, " ")
	var terms []string
	for _, token := range strings.Fields(cleaned) {
		if len([]rune(token)) < 2 {
			continue
		}
		terms = append(terms, token+"*")
	}
	return strings.Join(terms, " ")
}
