package whatsapp

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/png"
	"math"
	"strings"

	qrcode "github.com/skip2/go-qrcode"
)

const (
	qrImageSize     = 320
	qrDataURLPrefix = "data:image/png;base64,"
)

// QRPNG renders a pairing code as a PNG.
func QRPNG(code string, size int) ([]byte, error) {
	if size <= 0 {
		size = qrImageSize
	}
	png, err := qrcode.Encode(code, qrcode.Medium, size)
	if err != nil {
		return nil, fmt.Errorf("encode qr: %w", err)
	}
	return png, nil
}

// QRDataURL renders a pairing code as a data:image/png;base64 URL.
func QRDataURL(code string) (string, error) {
	png, err := QRPNG(code, qrImageSize)
	if err != nil {
		return "", err
	}
	return qrDataURLPrefix + base64.StdEncoding.EncodeToString(png), nil
}

// QRTerminalFromDataURL renders a QR data URL, as returned by
// web.login.start, with half-block characters for a terminal.
func QRTerminalFromDataURL(dataURL string) (string, error) {
	payload, ok := strings.CutPrefix(dataURL, qrDataURLPrefix)
	if !ok {
		return "", errors.New("qr: not a png data url")
	}
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("qr: decode data url: %w", err)
	}
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("qr: decode png: %w", err)
	}
	modules, err := sampleModules(img)
	if err != nil {
		return "", err
	}
	return renderHalfBlocks(modules), nil
}

// sampleModules recovers the module grid from a rendered QR image. The top
// left finder pattern is seven modules wide, which gives the module size;
// the grid side is snapped to a valid symbol size of 17+4v modules.
func sampleModules(img image.Image) ([][]bool, error) {
	b := img.Bounds()
	top, left := -1, -1
	for y := b.Min.Y; y < b.Max.Y && top < 0; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if isDark(img.At(x, y)) {
				top, left = y, x
				break
			}
		}
	}
	if top < 0 {
		return nil, errors.New("qr: image is blank")
	}
	run := 0
	for x := left; x < b.Max.X && isDark(img.At(x, top)); x++ {
		run++
	}
	right := left
	for x := b.Max.X - 1; x >= left; x-- {
		if isDark(img.At(x, top)) {
			right = x
			break
		}
	}
	if run < 7 {
		return nil, errors.New("qr: finder pattern not found")
	}
	width := float64(right - left + 1)
	estimate := width / (float64(run) / 7)
	version := int(math.Round((estimate - 17) / 4))
	if version < 1 || version > 40 {
		return nil, fmt.Errorf("qr: %.0f modules is not a valid symbol size", estimate)
	}
	n := 17 + 4*version
	module := width / float64(n)

	modules := make([][]bool, n)
	for row := range modules {
		modules[row] = make([]bool, n)
		y := top + int((float64(row)+0.5)*module)
		for col := range modules[row] {
			x := left + int((float64(col)+0.5)*module)
			if x < b.Max.X && y < b.Max.Y {
				modules[row][col] = isDark(img.At(x, y))
			}
		}
	}
	return modules, nil
}

func isDark(c color.Color) bool {
	gray := color.GrayModel.Convert(c).(color.Gray)
	return gray.Y < 128
}

// renderHalfBlocks packs two module rows per line with a one module light
// border. Dark modules are drawn as spaces on a light background so the
// code scans on dark terminals.
func renderHalfBlocks(modules [][]bool) string {
	n := len(modules)
	dark := func(row, col int) bool {
		row, col = row-1, col-1
		if row < 0 || col < 0 || row >= n || col >= n {
			return false
		}
		return modules[row][col]
	}

	var sb strings.Builder
	for row := 0; row < n+2; row += 2 {
		for col := 0; col < n+2; col++ {
			upper, lower := dark(row, col), dark(row+1, col)
			switch {
			case upper && lower:
				sb.WriteRune(' ')
			case upper:
				sb.WriteRune('▄')
			case lower:
				sb.WriteRune('▀')
			default:
				sb.WriteRune('█')
			}
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}
