// Package testutil provides shared test helpers for config files, TSV tables and image fixtures.
package testutil

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

// SetupTestConfig writes a config file pointing the given backend at baseURL.
// Returns the path to the generated config file.
func SetupTestConfig(t *testing.T, tmpDir, backend, baseURL string) string {
	t.Helper()

	content, err := yaml.Marshal(map[string]any{
		"model": map[string]any{
			"backend":            backend,
			"name":               "llama3.2-vision",
			"base_url":           baseURL,
			"max_retry_attempts": 0,
			"request_timeout":    "10s",
		},
	})
	require.NoError(t, err)

	cfgPath := filepath.Join(tmpDir, "config.yml")
	require.NoError(t, os.WriteFile(cfgPath, content, 0644))
	return cfgPath
}

// WriteTSV writes a header and rows as a tab-separated file and returns its path.
// Values must not contain tabs or newlines.
func WriteTSV(t *testing.T, tmpDir, name string, header []string, rows ...[]string) string {
	t.Helper()

	var b strings.Builder
	b.WriteString(strings.Join(header, "\t"))
	b.WriteString("\n")
	for _, row := range rows {
		b.WriteString(strings.Join(row, "\t"))
		b.WriteString("\n")
	}

	path := filepath.Join(tmpDir, name)
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0644))
	return path
}

// WritePNG writes a solid-color PNG of the given size and returns its path.
func WritePNG(t *testing.T, tmpDir, name string, width, height int) string {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{R: 200, G: 30, B: 30, A: 255})
		}
	}

	path := filepath.Join(tmpDir, name)
	file, err := os.Create(path)
	require.NoError(t, err)
	defer func() {
		_ = file.Close()
	}()
	require.NoError(t, png.Encode(file, img))
	return path
}
