package store

import (
	"database/sql"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore keeps one row per key. Suitable when marker sets grow beyond
// what a whole-file rewrite should carry; sqlite's journal gives the same
// crash safety the file driver gets from rename.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the sqlite database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, &Error{Op: "open", Err: err}
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS markers (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, &Error{Op: "open", Err: err}
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Get(key string) (string, bool, error) {
	var v string
	err := s.db.QueryRow(`SELECT value FROM markers WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, &Error{Op: "get", Key: key, Err: err}
	}
	return v, true, nil
}

func (s *SQLiteStore) Set(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO markers (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return &Error{Op: "set", Key: key, Err: err}
	}
	return nil
}

func (s *SQLiteStore) Del(key string) error {
	if _, err := s.db.Exec(`DELETE FROM markers WHERE key = ?`, key); err != nil {
		return &Error{Op: "del", Key: key, Err: err}
	}
	return nil
}

func (s *SQLiteStore) Keys(prefix string) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT key FROM markers WHERE key LIKE ? ESCAPE '\' ORDER BY key`,
		likePrefix(prefix))
	if err != nil {
		return nil, &Error{Op: "keys", Err: err}
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, &Error{Op: "keys", Err: err}
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, &Error{Op: "keys", Err: err}
	}
	return keys, nil
}

func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return &Error{Op: "close", Err: err}
	}
	return nil
}

// likePrefix escapes LIKE metacharacters so prefixes match literally.
func likePrefix(prefix string) string {
	out := make([]byte, 0, len(prefix)+4)
	for i := 0; i < len(prefix); i++ {
		c := prefix[i]
		if c == '%' || c == '_' || c == '\\' {
			out = append(out, '\\')
		}
		out = append(out, c)
	}
	return string(append(out, '%'))
}

// Open selects a driver by name. Supported: "file", "sqlite".
func Open(driver, path string) (Store, error) {
	switch driver {
	case "file":
		return OpenFile(path)
	case "sqlite":
		return OpenSQLite(path)
	default:
		return nil, &Error{Op: "open", Err: errUnknownDriver(driver)}
	}
}

type errUnknownDriver string

func (e errUnknownDriver) Error() string { return "unknown driver " + string(e) }
