package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/peter-kozarec/helios/pkg/model"
	"github.com/peter-kozarec/helios/pkg/source"
	"github.com/peter-kozarec/helios/pkg/utility/fixed"
)

const (
	defaultEndpoint = "wss://stream.binance.com:9443/stream"

	// The server pings every 3 minutes and disconnects idle readers;
	// a generous read deadline refreshed on every frame covers both.
	readDeadline = 5 * time.Minute
)

// Client streams raw trade events from the Binance combined
// stream endpoint. It is not pausable: Binance pushes frames regardless
// of consumer speed, so a stalled reader eventually loses the session.
type Client struct {
	logger      *zap.Logger
	endpoint    string
	dialTimeout time.Duration
}

func NewClient(logger *zap.Logger, dialTimeout time.Duration) *Client {
	return &Client{
		logger:      logger,
		endpoint:    defaultEndpoint,
		dialTimeout: dialTimeout,
	}
}

func (c *Client) Pausable() bool {
	return false
}

// combinedMessage is the envelope of /stream multiplexed payloads.
type combinedMessage struct {
	Stream string     `json:"stream"`
	Data   tradeEvent `json:"data"`
}

type tradeEvent struct {
	EventType  string `json:"e"`
	Symbol     string `json:"s"`
	TradeID    uint64 `json:"t"`
	Price      string `json:"p"`
	Qty        string `json:"q"`
	TradeTime  int64  `json:"T"` // milliseconds
	BuyerMaker bool   `json:"m"`
}

func (c *Client) Subscribe(ctx context.Context, symbols []model.Symbol, out chan<- model.Tick) error {
	streams := make([]string, 0, len(symbols))
	for _, symbol := range symbols {
		streams = append(streams, strings.ToLower(symbol.String())+"@trade")
	}
	url := fmt.Sprintf("%s?streams=%s", c.endpoint, strings.Join(streams, "/"))

	dialCtx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, url, nil)
	if err != nil {
		return fmt.Errorf("%w: dial: %v", source.ErrDisconnected, err)
	}
	defer func() { _ = conn.Close() }()

	c.logger.Info("trade stream connected", zap.Strings("streams", streams))

	conn.SetPingHandler(func(payload string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readDeadline))
		return conn.WriteControl(websocket.PongMessage, []byte(payload), time.Now().Add(5*time.Second))
	})

	// Unblock the read loop when the context goes away.
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(readDeadline))
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: read: %v", source.ErrDisconnected, err)
		}

		var msg combinedMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			c.logger.Warn("unparsable stream frame", zap.Error(err))
			continue
		}
		if msg.Data.EventType != "trade" {
			continue
		}

		tick, err := toTick(msg.Data)
		if err != nil {
			c.logger.Warn("malformed trade event", zap.Error(err), zap.String("stream", msg.Stream))
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case out <- tick:
		}
	}
}

func toTick(ev tradeEvent) (model.Tick, error) {
	price, err := fixed.FromString(ev.Price)
	if err != nil {
		return model.Tick{}, fmt.Errorf("price: %w", err)
	}
	qty, err := fixed.FromString(ev.Qty)
	if err != nil {
		return model.Tick{}, fmt.Errorf("qty: %w", err)
	}

	// When the buyer is the maker the aggressor sold into the book.
	side := model.Buy
	if ev.BuyerMaker {
		side = model.Sell
	}

	return model.Tick{
		Symbol:    model.CanonicalSymbol(ev.Symbol),
		TimeStamp: ev.TradeTime * int64(time.Millisecond/time.Microsecond),
		Price:     price,
		Qty:       qty,
		Side:      side,
		TradeID:   ev.TradeID,
	}, nil
}
