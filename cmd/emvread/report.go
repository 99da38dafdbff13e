package main

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/corinnewalsh/emvreader/pkg/emv"
)

func hexUpper(b []byte) string {
	return strings.ToUpper(hex.EncodeToString(b))
}

func counterLabel(v int) string {
	if v == emv.Unknown {
		return "(not available)"
	}
	return fmt.Sprintf("%d", v)
}

func printCard(card *emv.Card) {
	fmt.Printf("State: %s\n", card.State)
	if card.State != emv.StateActive {
		fmt.Println("  (no application could be read)")
		return
	}

	fmt.Printf("Scheme: %s\n", card.Scheme)
	fmt.Printf("PAN: %s\n", maskPAN(card.PAN))
	fmt.Printf("Expiry: %s\n", card.Expiry)
	if card.HolderLast != "" || card.HolderFirst != "" {
		fmt.Printf("Cardholder: %s %s\n", strings.TrimSpace(card.HolderFirst), card.HolderLast)
	}
	if card.BIC != "" {
		fmt.Printf("BIC: %s\n", card.BIC)
	}
	if card.IBAN != "" {
		fmt.Printf("IBAN: %s\n", card.IBAN)
	}

	fmt.Println("Applications:")
	for _, app := range card.Applications {
		fmt.Printf("  AID: %s", hexUpper(app.AID))
		if app.Label != "" {
			fmt.Printf("  (%s)", app.Label)
		}
		fmt.Println()
		fmt.Printf("    step: %v, priority: %s\n", app.Step, priorityLabel(app))
		fmt.Printf("    PIN tries left: %s, ATC: %s\n", counterLabel(app.LeftPinTry), counterLabel(app.TxCounter))
		if len(app.Transactions) > 0 {
			fmt.Println("    transactions:")
			for _, tr := range app.Transactions {
				fmt.Printf("      %s %s %s  amount=%d currency=%s type=%s\n",
					tr.Date, tr.Time, tr.Country, tr.Amount, tr.Currency, tr.Type)
			}
		}
	}
}

func priorityLabel(app *emv.Application) string {
	if !app.HasPriority() {
		return "(none)"
	}
	return fmt.Sprintf("%d", app.Priority)
}

// maskPAN keeps the first six and last four digits visible, following
// the usual PAN-truncation convention for anything printed to a
// terminal.
func maskPAN(pan string) string {
	if len(pan) <= 10 {
		return pan
	}
	masked := strings.Repeat("*", len(pan)-10)
	return pan[:6] + masked + pan[len(pan)-4:]
}
