package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/simbroker/ledger-engine/internal/symbol"
)

// Static is an in-memory price table: a frozen historical snapshot, or a
// table maintained by tests.
type Static struct {
	mu     sync.RWMutex
	quotes map[string]Quote
	path   string // set by LoadFile, used by Reload
}

// NewStatic creates an empty price table.
func NewStatic() *Static {
	return &Static{quotes: make(map[string]Quote)}
}

// Set records the price of sym as of now.
func (s *Static) Set(sym string, price decimal.Decimal) {
	s.SetAt(sym, price, time.Now().UTC())
}

// SetAt records the price of sym with an explicit observation time.
func (s *Static) SetAt(sym string, price decimal.Decimal, asOf time.Time) {
	sym = symbol.Normalize(sym)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotes[sym] = Quote{Symbol: sym, Price: price, AsOf: asOf}
}

// Delist removes sym so later lookups fail with ErrUnknownSymbol.
func (s *Static) Delist(sym string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.quotes, symbol.Normalize(sym))
}

func (s *Static) GetPrice(_ context.Context, sym string) (Quote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q, ok := s.quotes[symbol.Normalize(sym)]
	if !ok {
		return Quote{}, fmt.Errorf("%w: %s", ErrUnknownSymbol, sym)
	}
	return q, nil
}

// Symbols returns every listed symbol.
func (s *Static) Symbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.quotes))
	for sym := range s.quotes {
		out = append(out, sym)
	}
	return out
}

// snapshotFile is the on-disk snapshot format:
//
//	{"as_of": "2024-06-03T20:00:00Z", "prices": {"AAPL": "175.43", "MSFT": 420.1}}
type snapshotFile struct {
	AsOf   time.Time                  `json:"as_of"`
	Prices map[string]decimal.Decimal `json:"prices"`
}

// Load replaces the table with the JSON snapshot read from r.
func (s *Static) Load(r io.Reader) error {
	var snap snapshotFile
	if err := json.NewDecoder(r).Decode(&snap); err != nil {
		return fmt.Errorf("decode price snapshot: %w", err)
	}
	if snap.AsOf.IsZero() {
		snap.AsOf = time.Now().UTC()
	}

	quotes := make(map[string]Quote, len(snap.Prices))
	for raw, price := range snap.Prices {
		sym, err := symbol.Parse(raw)
		if err != nil {
			return err
		}
		if !price.IsPositive() {
			return fmt.Errorf("price snapshot: non-positive price %s for %s", price, sym)
		}
		quotes[sym] = Quote{Symbol: sym, Price: price, AsOf: snap.AsOf}
	}

	s.mu.Lock()
	s.quotes = quotes
	s.mu.Unlock()
	return nil
}

// LoadFile loads a snapshot from path and remembers it for Reload.
func (s *Static) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := s.Load(f); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	s.mu.Lock()
	s.path = path
	s.mu.Unlock()
	return nil
}

// Reload re-reads the file given to LoadFile. It is a no-op for tables that
// were not loaded from a file.
func (s *Static) Reload() error {
	s.mu.RLock()
	path := s.path
	s.mu.RUnlock()
	if path == "" {
		return nil
	}
	return s.LoadFile(path)
}
