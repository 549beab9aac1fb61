package domain

import (
	"fmt"
	"strings"
)

// Amount represents stake values in wei (1/10^18 of an ether).
// Using integer wei avoids floating-point precision issues while providing
// type safety for stake comparisons throughout the system.
type Amount uint64

const (
	// Wei is the smallest stake unit.
	Wei Amount = 1

	// Gwei is 10^9 wei.
	Gwei Amount = 1_000_000_000

	// Ether is 10^18 wei.
	Ether Amount = 1_000_000_000_000_000_000
)

// String formats the amount as decimal ether (e.g., 1500000000000000000 → "1.5 ETH").
func (a Amount) String() string {
	whole := a / Ether
	frac := a % Ether
	if frac == 0 {
		return fmt.Sprintf("%d ETH", whole)
	}
	fracStr := strings.TrimRight(fmt.Sprintf("%018d", uint64(frac)), "0")
	return fmt.Sprintf("%d.%s ETH", whole, fracStr)
}

// IsZero returns true if the amount is zero.
func (a Amount) IsZero() bool { return a == 0 }

// AtLeast reports whether a meets or exceeds the given floor.
func (a Amount) AtLeast(floor Amount) bool { return a >= floor }
