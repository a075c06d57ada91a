package storage

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"autotrade_core/internal/allocator"
	"autotrade_core/internal/models"
	"autotrade_core/internal/performance"
	"autotrade_core/internal/risk"
)

// CurrentVersion is the snapshot schema version written by this build.
const CurrentVersion = "2.1"

// Snapshot is everything the engine needs to resume after a restart:
// risk counters and reservations, the allocation vector, and the
// per-layer performance history.
type Snapshot struct {
	Version     string                                     `json:"version"`
	SavedAt     time.Time                                  `json:"saved_at"`
	Risk        risk.State                                 `json:"risk"`
	Allocation  allocator.Snapshot                         `json:"allocation"`
	History     map[models.Layer][]performance.TradeRecord `json:"history"`
	LayerEquity map[models.Layer]decimal.Decimal           `json:"layer_equity"`
}

// Store persists snapshots to a single JSON file.
type Store struct {
	path string
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load reads the snapshot from disk. A missing file yields a fresh
// template, saved immediately so the next start finds it.
func (st *Store) Load() (Snapshot, error) {
	if _, err := os.Stat(st.path); os.IsNotExist(err) {
		log.Println("[storage] snapshot missing, generating template...")
		s := Snapshot{
			Version:     CurrentVersion,
			Risk:        risk.State{Reservations: map[string]risk.Reservation{}},
			History:     map[models.Layer][]performance.TradeRecord{},
			LayerEquity: map[models.Layer]decimal.Decimal{},
		}
		if err := st.Save(s); err != nil {
			return s, err
		}
		return s, nil
	}

	b, err := os.ReadFile(st.path)
	if err != nil {
		return Snapshot{}, err
	}
	var s Snapshot
	if err := json.Unmarshal(b, &s); err != nil {
		return Snapshot{}, fmt.Errorf("snapshot %s: %w", st.path, err)
	}
	if s.Risk.Reservations == nil {
		s.Risk.Reservations = map[string]risk.Reservation{}
	}

	if migrate(&s) {
		log.Printf("[storage] snapshot migrated to version %s, saving...", s.Version)
		if err := st.Save(s); err != nil {
			return s, err
		}
	}
	return s, nil
}

// migrate handles schema evolution. Returns true when the snapshot
// changed and needs to be rewritten.
func migrate(s *Snapshot) bool {
	updated := false

	// 2.0 -> 2.1: peak equity became explicit; backfill from the last
	// known equity so drawdown tracking starts sane instead of at zero.
	if s.Version < "2.1" {
		log.Println("[storage] migrating snapshot schema 2.0 -> 2.1")
		if s.Allocation.PeakEquity.IsZero() && s.Allocation.CurrentEquity.IsPositive() {
			s.Allocation.PeakEquity = s.Allocation.CurrentEquity
		}
		s.Version = "2.1"
		updated = true
	}

	return updated
}

// Save writes the snapshot with the write-tmp/sync/rename pattern, so
// a crash mid-write never leaves a torn file behind.
func (st *Store) Save(s Snapshot) error {
	s.Version = CurrentVersion
	s.SavedAt = time.Now()

	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	tmp := st.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(b); err != nil {
		return fmt.Errorf("write temp snapshot: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync temp snapshot: %w", err)
	}
	f.Close()

	if err := os.Rename(tmp, st.path); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}
