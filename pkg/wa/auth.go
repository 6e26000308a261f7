package wa

import (
	"context"
	"errors"
	"fmt"

	"github.com/sipeed/walink/pkg/bus"
	"github.com/sipeed/walink/pkg/logger"
)

// authHost is the slice of the manager the auth flow needs.
type authHost interface {
	isCurrent(gen uint64) bool
	enterAwaitingAuth(gen uint64)
	emit(gen uint64, evt bus.Event)
}

// AuthFlow drives QR or pairing-code acquisition for one manager.
type AuthFlow struct {
	opts Options
	qr   QRRenderer
	host authHost
}

func newAuthFlow(opts Options, qr QRRenderer, host authHost) *AuthFlow {
	return &AuthFlow{opts: opts, qr: qr, host: host}
}

// Begin starts pairing-code acquisition for a freshly built transport. It
// must run before the transport connects: the wait for the first QR signal
// is registered synchronously and the code is requested from a goroutine
// once that signal arrives. In QR mode Begin does nothing.
func (a *AuthFlow) Begin(ctx context.Context, gen uint64, t Transport) {
	if !a.opts.UsePairingCode {
		return
	}
	logger.InfoC("auth", "Using pairing code authentication")

	phone := DigitsOnly(a.opts.PhoneNumber)
	if phone == "" {
		logger.WarnC("auth", "Pairing code requested without a phone number")
		a.host.emit(gen, bus.Event{Type: bus.EventAuthFailure, Reason: ErrPhoneNumberEmpty.Error()})
		return
	}

	watch := watchConnectionUpdates(t, func(u ConnectionUpdate) bool { return u.QR != "" })
	go a.requestPairingCode(ctx, gen, t, phone, watch)
}

func (a *AuthFlow) requestPairingCode(ctx context.Context, gen uint64, t Transport, phone string, watch *updateWatch) {
	if _, err := watch.Wait(ctx); err != nil {
		logger.DebugCF("auth", "Stopped waiting for handshake", map[string]interface{}{
			"generation": gen,
			"error":      err.Error(),
		})
		return
	}
	if !a.host.isCurrent(gen) {
		return
	}

	code, err := t.RequestPairingCode(ctx, phone)
	if !a.host.isCurrent(gen) {
		logger.DebugCF("auth", "Discarding pairing code from superseded transport", map[string]interface{}{
			"generation": gen,
		})
		return
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		logger.ErrorCF("auth", "Pairing code request failed", map[string]interface{}{
			"error": err.Error(),
		})
		a.host.emit(gen, bus.Event{
			Type:   bus.EventAuthFailure,
			Reason: (&AuthFailureError{Reason: "pairing code request failed", Err: err}).Error(),
		})
		return
	}

	logger.InfoCF("auth", "Pairing code issued", map[string]interface{}{
		"phone": phone,
	})
	if a.opts.Embedded {
		a.host.emit(gen, bus.Event{
			Type:         bus.EventRequireAction,
			Instructions: a.pairingInstructions(phone, code),
		})
		return
	}
	a.host.emit(gen, bus.Event{Type: bus.EventPairingCode, PairingCode: code})
}

// HandleQR reacts to a QR payload from the transport.
func (a *AuthFlow) HandleQR(gen uint64, payload string) {
	a.host.enterAwaitingAuth(gen)

	if a.opts.UsePairingCode {
		logger.DebugC("auth", "QR code received but pairing code is enabled")
		return
	}

	artifact := a.opts.QRArtifact()
	if a.qr != nil {
		if err := a.qr.Render(payload, artifact); err != nil {
			logger.ErrorCF("auth", "Failed to render QR code", map[string]interface{}{
				"error": err.Error(),
			})
			artifact = ""
		}
	}

	if a.opts.Embedded {
		a.host.emit(gen, bus.Event{
			Type:         bus.EventRequireAction,
			Instructions: a.qrInstructions(),
		})
	}
	a.host.emit(gen, bus.Event{
		Type: bus.EventQR,
		QR:   &bus.QRCodeEvent{Code: payload, Artifact: artifact},
	})
}

func (a *AuthFlow) qrInstructions() []string {
	out := []string{
		fmt.Sprintf("Scan the QR code %s with WhatsApp (Linked Devices)", a.opts.QRArtifact()),
		"The QR code refreshes every minute",
	}
	return a.withHelp(out)
}

func (a *AuthFlow) pairingInstructions(phone, code string) []string {
	out := []string{
		fmt.Sprintf("Accept the WhatsApp notification for %s on your phone", phone),
		fmt.Sprintf("The pairing code is: %s", code),
	}
	return a.withHelp(out)
}

func (a *AuthFlow) withHelp(lines []string) []string {
	if a.opts.HelpURL != "" {
		lines = append(lines, "Need help: "+a.opts.HelpURL)
	}
	return lines
}
