package stream

import (
	"context"
	"encoding/json"
)

// recordSeparator is SignalR's JSON hub protocol frame terminator (ASCII
// 0x1e); every text frame in both directions ends with it.
const recordSeparator = "\x1e"

// NewPropFirmProtocol builds the Protocol for the prop-firm broker's
// SignalR-style hub: a JSON handshake naming the "json" hub protocol,
// followed by one "Subscribe" invocation carrying the union of every
// account interested in this connection, matching spec.md §4.4/§6.2's
// "streaming protocols may be non-standard... the hub is implemented
// per-broker" note for the long-lived-API-key broker variant.
func NewPropFirmProtocol() Protocol {
	return Protocol{
		Authenticate: func(ctx context.Context, conn FrameConn, token string) error {
			handshake, err := json.Marshal(map[string]interface{}{
				"protocol": "json",
				"version":  1,
			})
			if err != nil {
				return err
			}
			if err := conn.Write(ctx, append(handshake, recordSeparator...)); err != nil {
				return err
			}
			// The hub replies with an empty JSON object ("{}") plus the
			// record separator on a successful handshake, and a
			// structured "error" field otherwise; a failed read here
			// (or a non-empty error field) surfaces as AuthExpired so
			// the connection backs off instead of looping tight.
			raw, err := conn.Read(ctx)
			if err != nil {
				return err
			}
			var ack struct {
				Error string `json:"error"`
			}
			if err := json.Unmarshal(trimRecordSeparator(raw), &ack); err != nil {
				return err
			}
			if ack.Error != "" {
				return errString(ack.Error)
			}
			return nil
		},
		Subscribe: func(ctx context.Context, conn FrameConn, token string, accountIDs []int64) error {
			invocation, err := json.Marshal(map[string]interface{}{
				"type":      1,
				"target":    "Subscribe",
				"arguments": []interface{}{token, accountIDs},
			})
			if err != nil {
				return err
			}
			return conn.Write(ctx, append(invocation, recordSeparator...))
		},
	}
}

func trimRecordSeparator(raw []byte) []byte {
	if len(raw) > 0 && raw[len(raw)-1] == '\x1e' {
		return raw[:len(raw)-1]
	}
	return raw
}

type errString string

func (e errString) Error() string { return string(e) }
