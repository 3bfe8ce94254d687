// Package rates loads the per-minute price table from a YAML file. Prices
// are written in major units as exact decimal strings and converted once to
// integer minor units; everything downstream is integer arithmetic.
package rates

import (
	"fmt"
	"os"
	"sync"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/chatpay/billing-engine/internal/domain"
)

// minorUnitExponent is 2 for all supported currencies (cents, pence).
const minorUnitExponent = 2

type fileFormat struct {
	Currency string            `yaml:"currency"`
	Rates    map[string]string `yaml:"rates"`
}

// Table maps call type to minor units per minute. Reloads swap the whole
// map atomically; callers that captured a rate keep it for the life of a
// call, so a reload never reprices a call in progress.
type Table struct {
	mu       sync.RWMutex
	currency domain.Currency
	perMin   map[domain.CallType]int64
	path     string
}

func Load(path string) (*Table, error) {
	t := &Table{path: path}
	if err := t.Reload(); err != nil {
		return nil, fmt.Errorf("rates.Load: %w", err)
	}
	return t, nil
}

func (t *Table) Reload() error {
	raw, err := os.ReadFile(t.path)
	if err != nil {
		return fmt.Errorf("Reload: read %s: %w", t.path, err)
	}

	var f fileFormat
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("Reload: parse %s: %w", t.path, err)
	}

	currency := domain.Currency(f.Currency)
	if !currency.IsValid() {
		return fmt.Errorf("Reload: currency %q: %w", f.Currency, domain.ErrInvalidRate)
	}

	perMin := make(map[domain.CallType]int64, len(f.Rates))
	for name, value := range f.Rates {
		callType := domain.CallType(name)
		if !callType.IsValid() {
			return fmt.Errorf("Reload: unknown call type %q: %w", name, domain.ErrInvalidRate)
		}
		minor, err := toMinorUnits(value)
		if err != nil {
			return fmt.Errorf("Reload: rate for %s: %w", name, err)
		}
		perMin[callType] = minor
	}

	for _, required := range []domain.CallType{domain.CallTypeVoice, domain.CallTypeVideo} {
		if _, ok := perMin[required]; !ok {
			return fmt.Errorf("Reload: missing rate for %s: %w", required, domain.ErrInvalidRate)
		}
	}

	t.mu.Lock()
	t.currency = currency
	t.perMin = perMin
	t.mu.Unlock()
	return nil
}

// PerMinute returns the current rate in minor units per minute. The caller
// stores the returned value on the session as its immutable snapshot.
func (t *Table) PerMinute(callType domain.CallType) (int64, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rate, ok := t.perMin[callType]
	if !ok {
		return 0, fmt.Errorf("PerMinute: no rate for %q: %w", callType, domain.ErrInvalidRate)
	}
	return rate, nil
}

func (t *Table) Currency() domain.Currency {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.currency
}

func toMinorUnits(value string) (int64, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return 0, fmt.Errorf("toMinorUnits: %q: %w", value, domain.ErrInvalidRate)
	}
	if d.LessThanOrEqual(decimal.Zero) {
		return 0, fmt.Errorf("toMinorUnits: %q must be positive: %w", value, domain.ErrInvalidRate)
	}

	shifted := d.Shift(minorUnitExponent)
	if !shifted.IsInteger() {
		return 0, fmt.Errorf("toMinorUnits: %q has sub-minor-unit precision: %w", value, domain.ErrInvalidRate)
	}
	return shifted.IntPart(), nil
}
