package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/sipeed/walink/pkg/bus"
)

// printEvents writes the host-facing event stream to out until ctx ends or
// the bus closes.
func printEvents(ctx context.Context, msgBus *bus.MessageBus, out io.Writer) {
	for {
		evt, ok := msgBus.Consume(ctx)
		if !ok {
			return
		}
		if line := formatEvent(evt); line != "" {
			fmt.Fprintln(out, line)
		}
	}
}

func formatEvent(evt bus.Event) string {
	switch evt.Type {
	case bus.EventReady:
		return fmt.Sprintf("[%s] connected", evt.Session)
	case bus.EventQR:
		if evt.QR != nil && evt.QR.Artifact != "" {
			return fmt.Sprintf("[%s] scan the QR code (also saved to %s)", evt.Session, evt.QR.Artifact)
		}
		return fmt.Sprintf("[%s] scan the QR code", evt.Session)
	case bus.EventPairingCode:
		return fmt.Sprintf("[%s] pairing code: %s", evt.Session, evt.PairingCode)
	case bus.EventRequireAction:
		return fmt.Sprintf("[%s] action required:\n  %s", evt.Session, strings.Join(evt.Instructions, "\n  "))
	case bus.EventAuthFailure:
		return fmt.Sprintf("[%s] authentication failed: %s", evt.Session, evt.Reason)
	case bus.EventStateChanged:
		return fmt.Sprintf("[%s] state %s", evt.Session, evt.State)
	case bus.EventMessage:
		m := evt.Message
		if m == nil {
			return ""
		}
		from := m.From
		if m.PushName != "" {
			from = fmt.Sprintf("%s (%s)", m.PushName, m.From)
		}
		if m.Body == "" {
			return fmt.Sprintf("<- %s [%s]", from, m.Type)
		}
		return fmt.Sprintf("<- %s [%s] %s", from, m.Type, m.Body)
	default:
		return ""
	}
}
