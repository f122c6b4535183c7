package mesh

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// peerRecord is the latest announce seen from a peer.
type peerRecord struct {
	Address      Address
	DisplayName  string
	Relays       []string
	StampCost    int
	HasStampCost bool
	Ratchet      string
	AnnouncedAt  int64
	SeenAt       time.Time
}

// InboxEntry is the durable trace of a received message event.
type InboxEntry struct {
	EventID    string
	RelayURL   string
	Sender     string
	Kind       int
	Method     string
	CreatedAt  int64
	ReceivedAt int64
}

type ratchetRecord struct {
	Secret    string
	PubKey    string
	CreatedAt time.Time
}

// Store persists the router's mesh state in sqlite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

func OpenStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	schema := `
	CREATE TABLE IF NOT EXISTS peers (
		address TEXT PRIMARY KEY,
		display_name TEXT,
		relays_json TEXT,
		stamp_cost INTEGER,
		ratchet TEXT,
		announced_at INTEGER,
		seen_at INTEGER
	);
	CREATE TABLE IF NOT EXISTS tickets (
		address TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		expires_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS issued_tickets (
		address TEXT NOT NULL,
		value TEXT NOT NULL,
		expires_at INTEGER NOT NULL,
		PRIMARY KEY (address, value)
	);
	CREATE TABLE IF NOT EXISTS ratchets (
		pubkey TEXT PRIMARY KEY,
		secret TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS inbox (
		event_id TEXT PRIMARY KEY,
		relay_url TEXT,
		sender TEXT,
		kind INTEGER,
		method TEXT,
		created_at INTEGER,
		received_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_inbox_received ON inbox(received_at);
	CREATE TABLE IF NOT EXISTS relay_cursors (
		relay_url TEXT PRIMARY KEY,
		last_created_at INTEGER NOT NULL,
		last_event_id TEXT
	);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SavePeer upserts an announce record unless a newer announce is already stored.
func (s *Store) SavePeer(p peerRecord) error {
	relays, err := json.Marshal(p.Relays)
	if err != nil {
		return err
	}
	var cost sql.NullInt64
	if p.HasStampCost {
		cost = sql.NullInt64{Int64: int64(p.StampCost), Valid: true}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.Exec(`
		INSERT INTO peers (address, display_name, relays_json, stamp_cost, ratchet, announced_at, seen_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(address) DO UPDATE SET
			display_name = excluded.display_name,
			relays_json = excluded.relays_json,
			stamp_cost = excluded.stamp_cost,
			ratchet = excluded.ratchet,
			announced_at = excluded.announced_at,
			seen_at = excluded.seen_at
		WHERE excluded.announced_at >= peers.announced_at`,
		string(p.Address), p.DisplayName, string(relays), cost, p.Ratchet, p.AnnouncedAt, p.SeenAt.UnixMilli())
	return err
}

func (s *Store) LoadPeers() ([]peerRecord, error) {
	rows, err := s.db.Query(`SELECT address, display_name, relays_json, stamp_cost, ratchet, announced_at, seen_at FROM peers`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []peerRecord
	for rows.Next() {
		var (
			p       peerRecord
			addr    string
			relays  string
			cost    sql.NullInt64
			ratchet sql.NullString
			seenAt  int64
		)
		if err := rows.Scan(&addr, &p.DisplayName, &relays, &cost, &ratchet, &p.AnnouncedAt, &seenAt); err != nil {
			return nil, err
		}
		p.Address = Address(addr)
		_ = json.Unmarshal([]byte(relays), &p.Relays)
		if cost.Valid {
			p.StampCost = int(cost.Int64)
			p.HasStampCost = true
		}
		p.Ratchet = ratchet.String
		p.SeenAt = time.UnixMilli(seenAt)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) SaveTicket(addr Address, t Ticket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`INSERT OR REPLACE INTO tickets (address, value, expires_at) VALUES (?, ?, ?)`,
		string(addr), t.Value, t.ExpiresAt.Unix())
	return err
}

// Ticket returns the stored outbound ticket for addr, if any and not expired.
func (s *Store) Ticket(addr Address, now time.Time) (Ticket, bool, error) {
	var (
		value   string
		expires int64
	)
	err := s.db.QueryRow(`SELECT value, expires_at FROM tickets WHERE address = ?`, string(addr)).Scan(&value, &expires)
	if err == sql.ErrNoRows {
		return Ticket{}, false, nil
	}
	if err != nil {
		return Ticket{}, false, err
	}
	t := Ticket{Value: value, ExpiresAt: time.Unix(expires, 0)}
	if !t.Valid(now) {
		return Ticket{}, false, nil
	}
	return t, true, nil
}

// SaveIssuedTicket records a ticket we handed to addr.
func (s *Store) SaveIssuedTicket(addr Address, t Ticket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`INSERT OR REPLACE INTO issued_tickets (address, value, expires_at) VALUES (?, ?, ?)`,
		string(addr), t.Value, t.ExpiresAt.Unix())
	return err
}

// IssuedTicket returns an unexpired ticket previously handed to addr.
func (s *Store) IssuedTicket(addr Address, now time.Time) (Ticket, bool, error) {
	var (
		value   string
		expires int64
	)
	err := s.db.QueryRow(`SELECT value, expires_at FROM issued_tickets WHERE address = ? AND expires_at > ? ORDER BY expires_at DESC LIMIT 1`,
		string(addr), now.Unix()).Scan(&value, &expires)
	if err == sql.ErrNoRows {
		return Ticket{}, false, nil
	}
	if err != nil {
		return Ticket{}, false, err
	}
	return Ticket{Value: value, ExpiresAt: time.Unix(expires, 0)}, true, nil
}

// IssuedTicketValid reports whether value is an unexpired ticket issued to addr.
func (s *Store) IssuedTicketValid(addr Address, value string, now time.Time) (bool, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM issued_tickets WHERE address = ? AND value = ? AND expires_at > ?`,
		string(addr), value, now.Unix()).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) SaveRatchet(r ratchetRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`INSERT OR REPLACE INTO ratchets (pubkey, secret, created_at) VALUES (?, ?, ?)`,
		r.PubKey, r.Secret, r.CreatedAt.Unix())
	return err
}

// Ratchets returns up to limit ratchets, newest first.
func (s *Store) Ratchets(limit int) ([]ratchetRecord, error) {
	if limit <= 0 {
		limit = 1
	}
	rows, err := s.db.Query(`SELECT pubkey, secret, created_at FROM ratchets ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ratchetRecord
	for rows.Next() {
		var (
			r       ratchetRecord
			created int64
		)
		if err := rows.Scan(&r.PubKey, &r.Secret, &created); err != nil {
			return nil, err
		}
		r.CreatedAt = time.Unix(created, 0)
		out = append(out, r)
	}
	return out, rows.Err()
}

// PruneRatchets deletes all but the newest keep ratchets.
func (s *Store) PruneRatchets(keep int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		DELETE FROM ratchets WHERE pubkey NOT IN (
			SELECT pubkey FROM ratchets ORDER BY created_at DESC, rowid DESC LIMIT ?
		)`, keep)
	return err
}

// RecordInbox stores entry and reports whether it was new.
func (s *Store) RecordInbox(entry InboxEntry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`
		INSERT OR IGNORE INTO inbox (event_id, relay_url, sender, kind, method, created_at, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.EventID, entry.RelayURL, entry.Sender, entry.Kind, entry.Method, entry.CreatedAt, entry.ReceivedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) SaveRelayCursor(relayURL string, createdAt int64, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO relay_cursors (relay_url, last_created_at, last_event_id) VALUES (?, ?, ?)
		ON CONFLICT(relay_url) DO UPDATE SET
			last_created_at = excluded.last_created_at,
			last_event_id = excluded.last_event_id
		WHERE excluded.last_created_at >= relay_cursors.last_created_at`,
		relayURL, createdAt, eventID)
	return err
}

func (s *Store) RelayCursor(relayURL string) (int64, string, error) {
	var (
		ts int64
		id sql.NullString
	)
	err := s.db.QueryRow(`SELECT last_created_at, last_event_id FROM relay_cursors WHERE relay_url = ?`, relayURL).Scan(&ts, &id)
	if err == sql.ErrNoRows {
		return 0, "", nil
	}
	if err != nil {
		return 0, "", err
	}
	return ts, id.String, nil
}
