// Package asset parses and formats ledger amounts. Every asset has a fixed
// precision and amounts are never represented as floats.
package asset

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/apd/v3"
)

// Symbol is an asset ticker.
type Symbol string

const (
	HIVE  Symbol = "HIVE"
	HBD   Symbol = "HBD"
	VESTS Symbol = "VESTS"
)

// precisions holds the number of decimal places the ledger stores.
var precisions = map[Symbol]int32{
	HIVE:  3,
	HBD:   3,
	VESTS: 6,
}

// Legacy tickers still emitted by some wallets.
var aliases = map[string]Symbol{
	"STEEM": HIVE,
	"SBD":   HBD,
	"TESTS": HIVE,
	"TBD":   HBD,
}

// Precision returns the fixed decimal places for sym, or false when the
// symbol is unknown.
func Precision(sym Symbol) (int32, bool) {
	p, ok := precisions[sym]
	return p, ok
}

// Amount is a non-negative fixed-precision quantity of one asset. The
// quantized decimal text is kept rather than the apd value so Amount can be
// copied freely.
type Amount struct {
	text   string
	sign   int
	symbol Symbol
}

// Symbol returns the asset symbol.
func (a Amount) Symbol() Symbol { return a.symbol }

// IsZero reports whether the amount is zero.
func (a Amount) IsZero() bool { return a.sign == 0 }

// String formats the amount the way the ledger expects: "1.000 HIVE".
func (a Amount) String() string {
	return a.text + " " + string(a.symbol)
}

// Error describes why an amount was refused.
type Error struct {
	Input   string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("invalid amount %q: %s", e.Input, e.Message)
}

var ctx = apd.BaseContext.WithPrecision(40)

// Parse reads "<decimal> <SYMBOL>".
func Parse(s string) (Amount, error) {
	fields := strings.Fields(s)
	if len(fields) != 2 {
		return Amount{}, &Error{Input: s, Message: "expected \"<amount> <SYMBOL>\""}
	}
	return ParseWithSymbol(fields[0], Symbol(fields[1]))
}

// ParseWithSymbol reads a bare decimal and attaches sym. The value must
// not carry more decimal places than the asset's precision; fewer places
// are padded ("1.5" HIVE becomes "1.500 HIVE").
func ParseWithSymbol(num string, sym Symbol) (Amount, error) {
	input := strings.TrimSpace(num + " " + string(sym))
	sym = Symbol(strings.ToUpper(string(sym)))
	if alias, ok := aliases[string(sym)]; ok {
		sym = alias
	}
	prec, ok := precisions[sym]
	if !ok {
		return Amount{}, &Error{Input: input, Message: fmt.Sprintf("unknown asset %q", sym)}
	}

	d, _, err := apd.NewFromString(strings.TrimSpace(num))
	if err != nil {
		return Amount{}, &Error{Input: input, Message: "not a decimal number"}
	}
	if d.Form != apd.Finite {
		return Amount{}, &Error{Input: input, Message: "not a finite number"}
	}
	if d.Negative && !d.IsZero() {
		return Amount{}, &Error{Input: input, Message: "must not be negative"}
	}

	var reduced apd.Decimal
	reduced.Reduce(d)
	if reduced.Exponent < 0 && -reduced.Exponent > prec {
		return Amount{}, &Error{Input: input, Message: fmt.Sprintf("%s allows at most %d decimal places", sym, prec)}
	}

	var out apd.Decimal
	if _, err := ctx.Quantize(&out, d, -prec); err != nil {
		return Amount{}, &Error{Input: input, Message: err.Error()}
	}
	out.Negative = false
	return Amount{text: out.Text('f'), sign: out.Sign(), symbol: sym}, nil
}

// RequirePositive returns an error unless a is strictly greater than zero.
func (a Amount) RequirePositive() error {
	if a.sign <= 0 {
		return &Error{Input: a.String(), Message: "must be greater than zero"}
	}
	return nil
}

// Zero returns a zero amount of sym.
func Zero(sym Symbol) Amount {
	var d apd.Decimal
	d.SetFinite(0, -precisions[sym])
	return Amount{text: d.Text('f'), symbol: sym}
}

// Cmp compares two amounts of the same asset.
func (a Amount) Cmp(b Amount) (int, error) {
	if a.symbol != b.symbol {
		return 0, fmt.Errorf("cannot compare %s with %s", a.symbol, b.symbol)
	}
	x, _, err := apd.NewFromString(a.text)
	if err != nil {
		return 0, err
	}
	y, _, err := apd.NewFromString(b.text)
	if err != nil {
		return 0, err
	}
	return x.Cmp(y), nil
}
