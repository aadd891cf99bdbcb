package waclient

import (
	"encoding/base64"
	"fmt"

	"github.com/skip2/go-qrcode"
)

const challengeImageSize = 200

// RenderChallenge encodes a login challenge token as a PNG QR code data
// URL that a browser can show directly.
func RenderChallenge(token string) (string, error) {
	png, err := qrcode.Encode(token, qrcode.Medium, challengeImageSize)
	if err != nil {
		return "", fmt.Errorf("render challenge: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
