package agent

import (
	"fmt"

	"github.com/skip2/go-qrcode"
)

// PairingDisplay prints the relay-issued pairing code as text and, as a
// supplemental convenience beyond the wire protocol itself, renders it
// as a terminal QR code encoding the full pairing URL so an operator can
// scan it directly instead of keying in six digits.
type PairingDisplay struct {
	relayURL string
}

// NewPairingDisplay builds a display bound to one relay URL.
func NewPairingDisplay(relayURL string) *PairingDisplay {
	return &PairingDisplay{relayURL: relayURL}
}

// Show prints the code and its QR encoding to stdout.
func (d *PairingDisplay) Show(pairingCode string) {
	fmt.Printf("\nPairing code: %s\n\n", pairingCode)

	url := fmt.Sprintf("%s?type=mobile&pairingCode=%s", d.relayURL, pairingCode)
	qr, err := qrcode.New(url, qrcode.Medium)
	if err != nil {
		fmt.Printf("(unable to render QR code: %v)\n", err)
		return
	}
	fmt.Println(qr.ToSmallString(false))
}
