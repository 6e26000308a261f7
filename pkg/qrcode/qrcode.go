// Package qrcode renders login QR payloads for terminals, files and the
// dashboard.
package qrcode

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/mdp/qrterminal/v3"
	"rsc.io/qr"

	"github.com/sipeed/walink/pkg/logger"
)

// Renderer prints QR payloads to a terminal and persists them as PNG.
type Renderer struct {
	Out io.Writer
	// Quiet skips terminal output; the PNG artifact is still written.
	Quiet bool
}

func NewRenderer(out io.Writer) *Renderer {
	if out == nil {
		out = os.Stdout
	}
	return &Renderer{Out: out}
}

// Render prints payload and writes it to artifactPath. An empty path skips
// the file.
func (r *Renderer) Render(payload, artifactPath string) error {
	if !r.Quiet && r.Out != nil {
		fmt.Fprintln(r.Out, "\n--- Scan this QR code with WhatsApp (Linked Devices) ---")
		qrterminal.GenerateHalfBlock(payload, qrterminal.L, r.Out)
		fmt.Fprintln(r.Out, "--- Waiting for scan... ---")
	}
	if artifactPath == "" {
		return nil
	}
	if err := WritePNG(payload, artifactPath); err != nil {
		return err
	}
	logger.InfoCF("qrcode", "QR code saved", map[string]interface{}{
		"path": artifactPath,
	})
	return nil
}

// WritePNG encodes data and writes the image atomically to path.
func WritePNG(data, path string) error {
	code, err := qr.Encode(data, qr.L)
	if err != nil {
		return fmt.Errorf("failed to encode QR: %w", err)
	}
	// scale modules so the image is roughly 300px wide
	if code.Size > 0 {
		code.Scale = 300 / (code.Size + 8)
		if code.Scale < 1 {
			code.Scale = 1
		}
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create QR directory: %w", err)
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, code.PNG(), 0644); err != nil {
		return fmt.Errorf("failed to write QR image: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write QR image: %w", err)
	}
	return nil
}

// SVG produces a self-contained SVG string for the given QR data.
// The SVG uses a white background with black modules, suitable for embedding
// directly in an HTML <img> tag or innerHTML.
func SVG(data string, size int) (string, error) {
	code, err := qr.Encode(data, qr.L)
	if err != nil {
		return "", fmt.Errorf("failed to encode QR: %w", err)
	}

	n := code.Size
	if n == 0 {
		return "", fmt.Errorf("empty QR code")
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf(
		`<svg xmlns="http://www.w3.org/2000/svg" viewBox="0 0 %d %d" width="%d" height="%d">`,
		n, n, size, size,
	))
	sb.WriteString(fmt.Sprintf(`<rect width="%d" height="%d" fill="#fff"/>`, n, n))

	for y := 0; y < n; y++ {
		for x := 0; x < n; x++ {
			if code.Black(x, y) {
				sb.WriteString(fmt.Sprintf(`<rect x="%d" y="%d" width="1" height="1" fill="#000"/>`, x, y))
			}
		}
	}

	sb.WriteString(`</svg>`)
	return sb.String(), nil
}
