package chain

import (
	"fmt"
	"math/big"
	"strings"
)

// EthDecimals is the decimal precision of the chain's base unit.
const EthDecimals = 18

// ParseWei converts a decimal wei string into a big integer.
// Fractional values are rejected; settlement amounts are integers in the
// contract's base unit.
func ParseWei(amount string) (*big.Int, error) {
	amount = strings.TrimSpace(amount)
	if amount == "" {
		return nil, fmt.Errorf("%w: empty amount", ErrInvalidAmount)
	}
	n, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return nil, fmt.Errorf("%w: %q is not a base-10 integer", ErrInvalidAmount, amount)
	}
	if n.Sign() < 0 {
		return nil, fmt.Errorf("%w: negative amounts not allowed", ErrInvalidAmount)
	}
	return n, nil
}

// FormatEth renders a wei amount as a human-readable ETH string.
// Display only; never feed the result back into settlement arithmetic.
func FormatEth(amount *big.Int) string {
	if amount == nil {
		return "0"
	}

	divisor := new(big.Int).Exp(big.NewInt(10), big.NewInt(EthDecimals), nil)

	whole := new(big.Int).Div(amount, divisor)
	remainder := new(big.Int).Mod(amount, divisor)

	if remainder.Sign() == 0 {
		return whole.String()
	}

	frac := fmt.Sprintf("%018s", remainder.String())
	frac = strings.TrimRight(frac, "0")
	return whole.String() + "." + frac
}
