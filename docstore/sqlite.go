package docstore

import (
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// sqlite write-through journal
// one row per live document, committed in the same order as the engine

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS documents (
    collection TEXT NOT NULL,
    key TEXT NOT NULL,
    fields TEXT NOT NULL,
    PRIMARY KEY (collection, key)
);
`

type SqliteJournal struct {
	db *sql.DB
}

func OpenSqliteJournal(path string) (*SqliteJournal, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open journal: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init journal schema: %w", err)
	}
	return &SqliteJournal{
		db: db,
	}, nil
}

// Journal implementation

func (self *SqliteJournal) Load() (map[string]map[string]Doc, error) {
	rows, err := self.db.Query(`SELECT collection, key, fields FROM documents`)
	if err != nil {
		return nil, fmt.Errorf("load journal: %w", err)
	}
	defer rows.Close()

	docs := map[string]map[string]Doc{}
	for rows.Next() {
		var collection string
		var key string
		var fieldsJson string
		if err := rows.Scan(&collection, &key, &fieldsJson); err != nil {
			return nil, fmt.Errorf("load journal: %w", err)
		}
		fields := Doc{}
		if err := json.Unmarshal([]byte(fieldsJson), &fields); err != nil {
			return nil, fmt.Errorf("load journal %s/%s: %w", collection, key, err)
		}
		keyDocs, ok := docs[collection]
		if !ok {
			keyDocs = map[string]Doc{}
			docs[collection] = keyDocs
		}
		keyDocs[key] = fields
	}
	return docs, rows.Err()
}

func (self *SqliteJournal) Apply(entries []JournalEntry) error {
	tx, err := self.db.Begin()
	if err != nil {
		return fmt.Errorf("journal apply: %w", err)
	}
	defer tx.Rollback()

	for _, entry := range entries {
		if entry.Fields == nil {
			_, err = tx.Exec(
				`DELETE FROM documents WHERE collection = ? AND key = ?`,
				entry.Collection, entry.Key,
			)
		} else {
			var fieldsJson []byte
			fieldsJson, err = json.Marshal(entry.Fields)
			if err == nil {
				_, err = tx.Exec(
					`INSERT INTO documents (collection, key, fields) VALUES (?, ?, ?)
					 ON CONFLICT (collection, key) DO UPDATE SET fields = excluded.fields`,
					entry.Collection, entry.Key, string(fieldsJson),
				)
			}
		}
		if err != nil {
			return fmt.Errorf("journal apply %s/%s: %w", entry.Collection, entry.Key, err)
		}
	}
	return tx.Commit()
}

func (self *SqliteJournal) Close() error {
	return self.db.Close()
}
