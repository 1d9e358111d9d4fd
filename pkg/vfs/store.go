package vfs

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store persists the file-system tree to SQLite so the machine can come
// back up with its files intact. Callback nodes are synthesized at boot
// and are not persisted.
type Store struct {
	db   *sql.DB
	path string
}

// OpenStore opens (or creates) the backing database.
func OpenStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS nodes (
		path     TEXT PRIMARY KEY,
		type     INTEGER NOT NULL,
		mode     TEXT NOT NULL,
		owner    INTEGER NOT NULL,
		created  INTEGER NOT NULL,
		accessed INTEGER NOT NULL,
		modified INTEGER NOT NULL,
		data     BLOB
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating table: %w", err)
	}

	return &Store{db: db, path: dbPath}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Save replaces the stored tree with the current one.
func (s *Store) Save(fs *FS) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning save: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM nodes"); err != nil {
		return fmt.Errorf("clearing nodes: %w", err)
	}

	stmt, err := tx.Prepare(`INSERT INTO nodes
		(path, type, mode, owner, created, accessed, modified, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()

	var saveErr error
	fs.Walk(func(path string, n *Node) {
		if saveErr != nil || n.Type == TypeCallback || path == "/" {
			return
		}
		_, err := stmt.Exec(path, int(n.Type), string(n.Mode[:]), n.Owner,
			n.Created.Unix(), n.Accessed.Unix(), n.Modified.Unix(), n.Data)
		if err != nil {
			saveErr = fmt.Errorf("saving %s: %w", path, err)
		}
	})
	if saveErr != nil {
		return saveErr
	}
	return tx.Commit()
}

// Load rebuilds persisted nodes into fs. Directories are created before
// their files regardless of row order.
func (s *Store) Load(fs *FS) error {
	rows, err := s.db.Query(`SELECT path, type, mode, owner, created, accessed, modified, data
		FROM nodes ORDER BY length(path) - length(replace(path, '/', '')), path`)
	if err != nil {
		return fmt.Errorf("querying nodes: %w", err)
	}
	defer rows.Close()

	fs.AsRoot(true)
	defer fs.AsRoot(false)

	for rows.Next() {
		var (
			path, mode                  string
			typ, owner                  int
			created, accessed, modified int64
			data                        []byte
		)
		if err := rows.Scan(&path, &typ, &mode, &owner, &created, &accessed, &modified, &data); err != nil {
			return fmt.Errorf("scanning node: %w", err)
		}
		switch NodeType(typ) {
		case TypeDir:
			if fs.GetNode(path) == nil {
				if err := fs.Mkdir(path); err != nil {
					return fmt.Errorf("restoring dir %s: %w", path, err)
				}
			}
		case TypeFile:
			if err := fs.WriteFile(path, data); err != nil {
				return fmt.Errorf("restoring file %s: %w", path, err)
			}
		}
		if n := fs.GetNode(path); n != nil {
			copy(n.Mode[:], mode)
			n.Owner = owner
			n.Created = time.Unix(created, 0)
			n.Accessed = time.Unix(accessed, 0)
			n.Modified = time.Unix(modified, 0)
		}
	}
	return rows.Err()
}
