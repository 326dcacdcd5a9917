package model

import (
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/peter-kozarec/helios/pkg/utility/fixed"
)

type Symbol string

type Side int

const (
	Buy Side = iota
	Sell
)

var (
	ErrBadSymbol = errors.New("symbol is empty or not ascii")
	ErrBadPrice  = errors.New("price must be positive")
	ErrBadQty    = errors.New("quantity must be positive")
	ErrBadSide   = errors.New("unknown trade side")
)

// CanonicalSymbol upper-cases the identifier. Symbols are case-insensitive
// everywhere; the canonical form is what gets persisted and cached.
func CanonicalSymbol(s string) Symbol {
	return Symbol(strings.ToUpper(strings.TrimSpace(s)))
}

func (s Symbol) String() string {
	return string(s)
}

func (s Side) String() string {
	if s == Sell {
		return "sell"
	}
	return "buy"
}

func ParseSide(s string) (Side, error) {
	switch strings.ToLower(s) {
	case "buy":
		return Buy, nil
	case "sell":
		return Sell, nil
	default:
		return Buy, ErrBadSide
	}
}

// Tick is a single executed trade. TimeStamp is UTC microseconds.
// Ticks are immutable once created.
type Tick struct {
	Symbol    Symbol      `json:"symbol"`
	TimeStamp int64       `json:"ts"`
	Price     fixed.Point `json:"price"`
	Qty       fixed.Point `json:"qty"`
	Side      Side        `json:"side"`
	TradeID   uint64      `json:"trade_id"`
}

func (t Tick) Time() time.Time {
	return time.UnixMicro(t.TimeStamp).UTC()
}

func (t Tick) Validate() error {
	if t.Symbol == "" {
		return ErrBadSymbol
	}
	for i := 0; i < len(t.Symbol); i++ {
		if t.Symbol[i] >= 0x80 {
			return ErrBadSymbol
		}
	}
	if !t.Price.IsPos() {
		return ErrBadPrice
	}
	if !t.Qty.IsPos() {
		return ErrBadQty
	}
	return nil
}

func (t Tick) Fields() []zap.Field {
	return []zap.Field{
		zap.String("symbol", t.Symbol.String()),
		zap.Int64("ts", t.TimeStamp),
		zap.String("price", t.Price.String()),
		zap.String("qty", t.Qty.String()),
		zap.String("side", t.Side.String()),
		zap.Uint64("trade_id", t.TradeID),
	}
}
