package main

import "github.com/ebfe/scard"

// pcscTransceiver adapts a connected *scard.Card to emv.Transceiver.
type pcscTransceiver struct {
	card *scard.Card
}

func (t *pcscTransceiver) Transmit(apdu []byte) ([]byte, error) {
	return t.card.Transmit(apdu)
}

func (t *pcscTransceiver) Connected() bool {
	return t.card != nil
}
