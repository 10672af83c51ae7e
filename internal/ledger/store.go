package ledger

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Store persists and restores a Ledger's lots and disposals.
type Store interface {
	Save(L *Ledger) error
	Load(L *Ledger) error
	Close() error
}

// snapshot is the on-disk representation; disposals are retained for audit
// but are not replayed on Load since lot.RemainingQtyBTC already reflects them.
type snapshot struct {
	Version   int        `json:"version"`
	Lots      []*TaxLot  `json:"lots"`
	Disposals []*Disposal `json:"disposals"`
	YTD       map[int]string `json:"ytd_realized_gain_eur"`
}

func toSnapshot(L *Ledger) snapshot {
	L.mu.RLock()
	defer L.mu.RUnlock()
	ytd := make(map[int]string, len(L.YTDCache))
	for y, v := range L.YTDCache {
		ytd[y] = v.String()
	}
	return snapshot{
		Version:   L.Version,
		Lots:      L.Lots,
		Disposals: L.Disposals,
		YTD:       ytd,
	}
}

func (L *Ledger) restoreFrom(s snapshot) error {
	L.mu.Lock()
	defer L.mu.Unlock()
	L.Version = s.Version
	L.Lots = s.Lots
	L.Disposals = s.Disposals
	L.YTDCache = make(map[int]decimal.Decimal, len(s.YTD))
	for y, raw := range s.YTD {
		v, err := decimal.NewFromString(raw)
		if err != nil {
			return fmt.Errorf("parse ytd gain for year %d: %w", y, err)
		}
		L.YTDCache[y] = v
	}
	L.cacheValid = false
	return nil
}

// FileStore persists the ledger as JSON, written atomically: a temp file
// in the target directory, fsync'd, then renamed over the target. This is
// the ledger-specific persistence path and deliberately does not reuse the
// engine's plain os.WriteFile snapshot pattern, since a torn write here
// would corrupt tax-relevant state.
type FileStore struct {
	Path       string
	KeepBackup bool
}

// NewFileStore constructs a FileStore rooted at path.
func NewFileStore(path string, keepBackup bool) *FileStore {
	return &FileStore{Path: path, KeepBackup: keepBackup}
}

// Save writes the ledger to Path via temp-file + fsync + rename. On success,
// if KeepBackup is set, the previous file (if any) is preserved as Path+".bak".
func (fs *FileStore) Save(L *Ledger) error {
	dir := filepath.Dir(fs.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir ledger dir: %w", err)
	}

	data, err := json.MarshalIndent(toSnapshot(L), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal ledger: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(fs.Path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp ledger file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if tmpPath != "" {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp ledger file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("fsync temp ledger file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp ledger file: %w", err)
	}

	if fs.KeepBackup {
		if _, err := os.Stat(fs.Path); err == nil {
			_ = os.Rename(fs.Path, fs.Path+".bak")
		}
	}

	if err := os.Rename(tmpPath, fs.Path); err != nil {
		return fmt.Errorf("rename temp ledger file into place: %w", err)
	}
	tmpPath = ""

	log.Info().Str("path", fs.Path).Int("lots", len(L.Lots)).Msg("ledger saved")
	return nil
}

// Load reads the ledger from Path. Missing file is not an error: the
// ledger starts empty.
func (fs *FileStore) Load(L *Ledger) error {
	data, err := os.ReadFile(fs.Path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", fs.Path).Msg("no ledger file, starting fresh")
			return nil
		}
		return fmt.Errorf("read ledger file: %w", err)
	}
	var s snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("unmarshal ledger file (possible corruption): %w", err)
	}
	if err := L.restoreFrom(s); err != nil {
		return err
	}
	log.Info().Str("path", fs.Path).Int("lots", len(L.Lots)).Msg("ledger loaded")
	return nil
}

// Close is a no-op for FileStore; present to satisfy Store.
func (fs *FileStore) Close() error { return nil }

// SQLiteStore persists the ledger to a SQLite database in WAL mode, an
// ACID-compliant alternative to FileStore for high-frequency write
// patterns (one write per fill rather than one per tick).
type SQLiteStore struct {
	conn *sql.DB
}

// NewSQLiteStore opens (creating if absent) a SQLite-backed ledger store.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("mkdir ledger dir: %w", err)
		}
	}
	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite ledger: %w", err)
	}
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("set wal mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA synchronous=NORMAL"); err != nil {
		return nil, fmt.Errorf("set synchronous: %w", err)
	}
	if _, err := conn.Exec(`CREATE TABLE IF NOT EXISTS lots (
		lot_id TEXT PRIMARY KEY,
		data TEXT NOT NULL
	)`); err != nil {
		return nil, fmt.Errorf("create lots table: %w", err)
	}
	if _, err := conn.Exec(`CREATE TABLE IF NOT EXISTS disposals (
		disposal_id TEXT PRIMARY KEY,
		data TEXT NOT NULL
	)`); err != nil {
		return nil, fmt.Errorf("create disposals table: %w", err)
	}
	if _, err := conn.Exec(`CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`); err != nil {
		return nil, fmt.Errorf("create meta table: %w", err)
	}
	return &SQLiteStore{conn: conn}, nil
}

// Save replaces the lots/disposals tables within a single transaction.
func (s *SQLiteStore) Save(L *Ledger) error {
	snap := toSnapshot(L)

	tx, err := s.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM lots"); err != nil {
		return fmt.Errorf("clear lots: %w", err)
	}
	for _, lot := range snap.Lots {
		data, err := json.Marshal(lot)
		if err != nil {
			return fmt.Errorf("marshal lot %s: %w", lot.LotID, err)
		}
		if _, err := tx.Exec("INSERT INTO lots (lot_id, data) VALUES (?, ?)", lot.LotID, string(data)); err != nil {
			return fmt.Errorf("insert lot %s: %w", lot.LotID, err)
		}
	}

	if _, err := tx.Exec("DELETE FROM disposals"); err != nil {
		return fmt.Errorf("clear disposals: %w", err)
	}
	for _, disp := range snap.Disposals {
		data, err := json.Marshal(disp)
		if err != nil {
			return fmt.Errorf("marshal disposal %s: %w", disp.DisposalID, err)
		}
		if _, err := tx.Exec("INSERT INTO disposals (disposal_id, data) VALUES (?, ?)", disp.DisposalID, string(data)); err != nil {
			return fmt.Errorf("insert disposal %s: %w", disp.DisposalID, err)
		}
	}

	for y, v := range snap.YTD {
		if _, err := tx.Exec("INSERT OR REPLACE INTO meta (key, value) VALUES (?, ?)", fmt.Sprintf("ytd_%d", y), v); err != nil {
			return fmt.Errorf("insert ytd meta: %w", err)
		}
	}
	if _, err := tx.Exec("INSERT OR REPLACE INTO meta (key, value) VALUES (?, ?)", "lot_count", fmt.Sprintf("%d", len(snap.Lots))); err != nil {
		return fmt.Errorf("insert lot_count meta: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	log.Info().Int("lots", len(snap.Lots)).Msg("ledger saved to sqlite")
	return nil
}

// Load rebuilds the ledger's lots/disposals/YTD cache from the database.
func (s *SQLiteStore) Load(L *Ledger) error {
	rows, err := s.conn.Query("SELECT data FROM lots")
	if err != nil {
		return fmt.Errorf("query lots: %w", err)
	}
	var lots []*TaxLot
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			rows.Close()
			return fmt.Errorf("scan lot: %w", err)
		}
		var lot TaxLot
		if err := json.Unmarshal([]byte(raw), &lot); err != nil {
			rows.Close()
			return fmt.Errorf("unmarshal lot: %w", err)
		}
		lots = append(lots, &lot)
	}
	rows.Close()

	dRows, err := s.conn.Query("SELECT data FROM disposals")
	if err != nil {
		return fmt.Errorf("query disposals: %w", err)
	}
	var disposals []*Disposal
	for dRows.Next() {
		var raw string
		if err := dRows.Scan(&raw); err != nil {
			dRows.Close()
			return fmt.Errorf("scan disposal: %w", err)
		}
		var disp Disposal
		if err := json.Unmarshal([]byte(raw), &disp); err != nil {
			dRows.Close()
			return fmt.Errorf("unmarshal disposal: %w", err)
		}
		disposals = append(disposals, &disp)
	}
	dRows.Close()

	ytd := make(map[int]string)
	metaRows, err := s.conn.Query("SELECT key, value FROM meta WHERE key LIKE 'ytd_%'")
	if err != nil {
		return fmt.Errorf("query meta: %w", err)
	}
	for metaRows.Next() {
		var key, value string
		if err := metaRows.Scan(&key, &value); err != nil {
			metaRows.Close()
			return fmt.Errorf("scan meta: %w", err)
		}
		var year int
		if _, err := fmt.Sscanf(key, "ytd_%d", &year); err == nil {
			ytd[year] = value
		}
	}
	metaRows.Close()

	return L.restoreFrom(snapshot{Version: 1, Lots: lots, Disposals: disposals, YTD: ytd})
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.conn.Close()
}
