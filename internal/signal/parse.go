// Package signal is the Signal Router: it resolves an incoming
// webhook token to a strategy, parses the alert body (JSON or TradingView
// plain-text), applies the ordered filter gates, and fans the accepted
// signal out to every trader attached to the strategy.
package signal

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/aristath/futures-core/internal/domain"
)

// jsonAlert is the shape TradingView's JSON alert format (and this
// module's own test fixtures) send.
type jsonAlert struct {
	Action    string  `json:"action"`
	Ticker    string  `json:"ticker"`
	Price     float64 `json:"price"`
	Contracts float64 `json:"contracts"`
	Position  string  `json:"position"`
}

// Parse decodes a webhook body into a domain.Signal's alert fields. It
// tries JSON first; a body that isn't valid JSON is parsed as TradingView
// plain text, e.g. "buy ES1! @ 5123.25". position is the optional
// TradingView position label ("long"/"short"/"flat"), carried verbatim
// for audit per spec.md §6.1 — it is not parsed into a numeric quantity.
func Parse(body []byte) (action domain.Action, ticker string, price, contracts float64, position string, err error) {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return domain.ActionUnknown, "", 0, 0, "", fmt.Errorf("empty webhook body")
	}

	var alert jsonAlert
	if jsonErr := json.Unmarshal(body, &alert); jsonErr == nil && alert.Action != "" {
		return domain.ParseAction(alert.Action), alert.Ticker, alert.Price, alert.Contracts, alert.Position, nil
	}

	return parsePlainText(trimmed)
}

// parsePlainText handles TradingView's legacy plain-text alert format:
// "<action> <ticker> @ <price>", with an optional trailing
// "qty=<contracts>". Anything it can't confidently parse falls back to
// ActionUnknown rather than guessing, since an unrecognized action must
// be rejected at the router rather than silently executed. The plain-text
// format carries no position label, so position is always "".
func parsePlainText(body string) (domain.Action, string, float64, float64, string, error) {
	fields := strings.Fields(body)
	if len(fields) < 2 {
		return domain.ActionUnknown, "", 0, 0, "", fmt.Errorf("plain-text alert too short: %q", body)
	}

	action := domain.ParseAction(fields[0])
	ticker := fields[1]

	var price, contracts float64
	for i := 2; i < len(fields); i++ {
		switch {
		case fields[i] == "@" && i+1 < len(fields):
			price, _ = strconv.ParseFloat(fields[i+1], 64)
			i++
		case strings.HasPrefix(fields[i], "qty="):
			contracts, _ = strconv.ParseFloat(strings.TrimPrefix(fields[i], "qty="), 64)
		}
	}

	return action, ticker, price, contracts, "", nil
}

// DedupKey derives a stable key for duplicate-alert suppression from the
// strategy's webhook token and the raw body: two identical alerts sent
// twice within the dedup window must collapse to one accepted signal
// (TradingView is known to occasionally double-fire on flaky network
// retries).
func DedupKey(webhookToken string, body []byte) string {
	h := sha256.Sum256(append([]byte(webhookToken+"|"), body...))
	return hex.EncodeToString(h[:])
}
