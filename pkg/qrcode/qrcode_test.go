package qrcode

import (
	"bytes"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRenderWritesTerminalAndPNG(t *testing.T) {
	var out bytes.Buffer
	path := filepath.Join(t.TempDir(), "bot.qr.png")

	require.NoError(t, NewRenderer(&out).Render("2@abc,def,ghi", path))
	require.Contains(t, out.String(), "Scan this QR code")

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	img, err := png.Decode(f)
	require.NoError(t, err)
	require.Greater(t, img.Bounds().Dx(), 100)

	_, err = os.Stat(path + ".tmp")
	require.True(t, os.IsNotExist(err))
}

func TestRenderQuietWithoutArtifact(t *testing.T) {
	var out bytes.Buffer
	r := NewRenderer(&out)
	r.Quiet = true
	require.NoError(t, r.Render("payload", ""))
	require.Empty(t, out.String())
}

func TestSVG(t *testing.T) {
	svg, err := SVG("payload", 256)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(svg, `<svg xmlns="http://www.w3.org/2000/svg"`))
	require.Contains(t, svg, `width="256"`)
	require.True(t, strings.HasSuffix(svg, "</svg>"))
	require.Contains(t, svg, `fill="#000"`)
}
