package oracle

import (
	"fmt"
	"math/big"

	"golang.org/x/crypto/sha3"
)

// P is the BN254 scalar field modulus. Every oracle output is below it.
var P, _ = new(big.Int).SetString("21888242871839275222246405745257275088548364400416034343208926518045149625617", 10)

const (
	PlanetHashRounds = 220
	constantsSeed    = "mimcsponge"
)

var five = big.NewInt(5)

// MiMC is a MiMC-Feistel sponge over the BN254 field with an x^5 round function.
type MiMC struct {
	rounds    int
	key       *big.Int
	constants []*big.Int
}

// NewMiMC panics if rounds < 2; round counts are compile-time choices.
func NewMiMC(rounds int) *MiMC {
	if rounds < 2 {
		panic(fmt.Sprintf("mimc: need at least 2 rounds, got %d", rounds))
	}
	return &MiMC{rounds: rounds, key: new(big.Int), constants: roundConstants(rounds)}
}

// NewPlanetOracle is the 220-round sponge used for planet discovery.
func NewPlanetOracle() *MiMC { return NewMiMC(PlanetHashRounds) }

func (m *MiMC) Rounds() int { return m.rounds }

// Hash absorbs (x, y) and squeezes one field element.
func (m *MiMC) Hash(x, y int64) *big.Int {
	return m.Sponge(1, FieldElement(x), FieldElement(y))[0]
}

// Threshold is p / rarity: a larger rarity admits fewer coordinates.
func (m *MiMC) Threshold(rarity uint32) (*big.Int, error) {
	return RarityThreshold(rarity)
}

func RarityThreshold(rarity uint32) (*big.Int, error) {
	if rarity == 0 {
		return nil, ErrInvalidRarity
	}
	return new(big.Int).Quo(P, new(big.Int).SetUint64(uint64(rarity))), nil
}

// FieldElement maps an integer into [0, p); negatives become p + v.
func FieldElement(v int64) *big.Int {
	return new(big.Int).Mod(big.NewInt(v), P)
}

// Sponge absorbs inputs one at a time into the rate lane and squeezes nOutputs elements.
func (m *MiMC) Sponge(nOutputs int, inputs ...*big.Int) []*big.Int {
	r, c := new(big.Int), new(big.Int)
	for _, in := range inputs {
		r.Add(r, in)
		r.Mod(r, P)
		r, c = m.feistel(r, c)
	}
	out := make([]*big.Int, 0, nOutputs)
	out = append(out, new(big.Int).Set(r))
	for i := 1; i < nOutputs; i++ {
		r, c = m.feistel(r, c)
		out = append(out, new(big.Int).Set(r))
	}
	return out
}

func (m *MiMC) feistel(xl, xr *big.Int) (*big.Int, *big.Int) {
	xl = new(big.Int).Set(xl)
	xr = new(big.Int).Set(xr)
	t := new(big.Int)
	t5 := new(big.Int)
	last := m.rounds - 1
	for i := 0; i < m.rounds; i++ {
		t.Add(xl, m.key)
		if i > 0 {
			t.Add(t, m.constants[i])
		}
		t.Mod(t, P)
		t5.Exp(t, five, P)
		if i < last {
			next := new(big.Int).Add(xr, t5)
			next.Mod(next, P)
			xr = xl
			xl = next
		} else {
			xr.Add(xr, t5)
			xr.Mod(xr, P)
		}
	}
	return xl, xr
}

// roundConstants chains legacy Keccak-256 from the seed; the first and last constants are zero.
func roundConstants(n int) []*big.Int {
	cts := make([]*big.Int, n)
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(constantsSeed))
	c := h.Sum(nil)
	for i := 1; i < n; i++ {
		h.Reset()
		h.Write(c)
		c = h.Sum(nil)
		cts[i] = new(big.Int).Mod(new(big.Int).SetBytes(c), P)
	}
	cts[0] = new(big.Int)
	cts[n-1] = new(big.Int)
	return cts
}
