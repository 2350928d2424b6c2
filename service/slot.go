package service

import (
	"math/rand/v2"
)

// Symbol is a reel symbol with its draw weight
type Symbol struct {
	Face   string
	Weight float64
}

// DefaultSymbols are the reel symbols and their probabilities
var DefaultSymbols = []Symbol{
	{Face: "🍒", Weight: 0.30},
	{Face: "🍋", Weight: 0.25},
	{Face: "🍊", Weight: 0.20},
	{Face: "🍇", Weight: 0.15},
	{Face: "💎", Weight: 0.08},
	{Face: "7️⃣", Weight: 0.02},
}

// Slot draws three independent weighted reels
type Slot struct {
	symbols []Symbol
	total   float64
	rand    func() float64
}

// NewSlot creates a slot machine over symbols. A nil source uses math/rand/v2.
func NewSlot(symbols []Symbol, source func() float64) *Slot {
	if source == nil {
		source = rand.Float64
	}
	total := 0.0
	for _, s := range symbols {
		total += s.Weight
	}
	return &Slot{symbols: symbols, total: total, rand: source}
}

// Spin draws a combination and reports whether all reels match
func (s *Slot) Spin() ([]string, bool) {
	combination := []string{s.reel(), s.reel(), s.reel()}
	return combination, combination[0] == combination[1] && combination[1] == combination[2]
}

// WinProbability is the chance that all three reels match
func (s *Slot) WinProbability() float64 {
	p := 0.0
	for _, sym := range s.symbols {
		w := sym.Weight / s.total
		p += w * w * w
	}
	return p
}

func (s *Slot) reel() string {
	r := s.rand() * s.total
	cumulative := 0.0
	for _, sym := range s.symbols {
		cumulative += sym.Weight
		if r < cumulative {
			return sym.Face
		}
	}
	return s.symbols[len(s.symbols)-1].Face
}
