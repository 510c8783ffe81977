// Package oracle maps grid coordinates to wide pseudo-random values and rarities to thresholds.
package oracle

import (
	"errors"
	"fmt"
	"math/big"
)

var (
	ErrInvalidRarity   = errors.New("planet rarity must be > 0")
	ErrInvalidLocation = errors.New("value is not a valid location id")
)

// Oracle must be deterministic and safe for concurrent use.
type Oracle interface {
	Hash(x, y int64) *big.Int
	Threshold(rarity uint32) (*big.Int, error)
}

// Funcs adapts plain functions to Oracle.
type Funcs struct {
	HashFunc      func(x, y int64) *big.Int
	ThresholdFunc func(rarity uint32) (*big.Int, error)
}

func (f Funcs) Hash(x, y int64) *big.Int { return f.HashFunc(x, y) }

func (f Funcs) Threshold(rarity uint32) (*big.Int, error) { return f.ThresholdFunc(rarity) }

// LocationID renders v as the 64 hex digit id clients use for planets.
func LocationID(v *big.Int) (string, error) {
	if v == nil || v.Sign() < 0 || v.Cmp(P) >= 0 {
		return "", fmt.Errorf("%w: %v", ErrInvalidLocation, v)
	}
	return fmt.Sprintf("%064x", v), nil
}

// LocationIDFromDecimal parses the decimal rendering carried by explore responses.
func LocationIDFromDecimal(dec string) (string, error) {
	v, ok := new(big.Int).SetString(dec, 10)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidLocation, dec)
	}
	return LocationID(v)
}
