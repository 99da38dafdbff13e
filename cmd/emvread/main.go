// Command emvread polls a PC/SC reader for an EMV contactless or
// contact card, runs the session driver against whatever is
// presented, and prints a human-readable report.
package main

import (
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/atotto/clipboard"
	"github.com/ebfe/scard"

	"github.com/corinnewalsh/emvreader/internal/config"
	"github.com/corinnewalsh/emvreader/pkg/emv"
	"github.com/corinnewalsh/emvreader/pkg/scheme"
)

func readAndPrint(ctx *scard.Context, reader string, cfg *config.Config, term emv.Terminal, resolver *scheme.Table, toClipboard bool) {
	card, err := ctx.Connect(reader, scard.ShareShared, scard.ProtocolAny)
	if err != nil {
		log.Printf("Connect failed: %v", err)
		return
	}
	defer card.Disconnect(scard.LeaveCard)

	tr := &pcscTransceiver{card: card}
	driver := emv.NewDriver(tr, term, resolver, cfg.DriverConfig())

	result, err := driver.ReadCard()
	if err != nil {
		log.Printf("read failed: %v", err)
		if result != nil {
			printCard(result)
		}
		return
	}

	printCard(result)

	if toClipboard && result.State == emv.StateActive && result.PAN != "" {
		if err := clipboard.WriteAll(result.PAN); err != nil {
			log.Printf("clipboard write failed: %v", err)
		} else {
			fmt.Println("(PAN copied to clipboard)")
		}
	}
}

func main() {
	verbose := flag.Bool("v", false, "enable debug logging")
	logFormat := flag.String("log-format", "text", "log format: text or json")
	configPath := flag.String("config", "", "path to YAML config file (optional)")
	toClipboard := flag.Bool("clipboard", false, "copy the PAN to the clipboard after a successful read")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if *logFormat == "json" {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, opts)))
	} else {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, opts)))
	}

	var cfg *config.Config
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("-config error: %v", err)
		}
		cfg = loaded
	} else {
		cfg = config.Default()
	}

	resolver := scheme.Default()
	for _, o := range cfg.Schemes {
		resolver.AddOverride(emv.Scheme(strings.ToUpper(o.Scheme)), o.AID)
	}
	for _, b := range cfg.Bins {
		resolver.AddBinOverride(emv.Scheme(strings.ToUpper(b.Scheme)), b.Low, b.High)
	}

	overrides, err := cfg.TerminalOverrides()
	if err != nil {
		log.Fatalf("-config error: %v", err)
	}
	var term emv.Terminal = &emv.DefaultTerminal{}
	if len(overrides) > 0 {
		term = &emv.ConfiguredTerminal{Base: term, Overrides: overrides}
	}

	ctx, err := scard.EstablishContext()
	if err != nil {
		log.Fatalf("EstablishContext failed: %v", err)
	}
	defer ctx.Release()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		fmt.Printf("\nReceived %v, shutting down...\n", sig)
		ctx.Release()
		os.Exit(0)
	}()

	readers, err := ctx.ListReaders()
	if err != nil || len(readers) == 0 {
		log.Fatalf("No readers found: %v", err)
	}

	readerIndex := 0
	reader := readers[0]
	if cfg.Reader.Index != nil {
		if *cfg.Reader.Index >= 0 && *cfg.Reader.Index < len(readers) {
			readerIndex = *cfg.Reader.Index
			reader = readers[readerIndex]
		} else {
			log.Printf("config.reader.index out of range (0..%d), using 0", len(readers)-1)
		}
	} else if cfg.Reader.NameContains != "" {
		found := false
		for i, r := range readers {
			if strings.Contains(r, cfg.Reader.NameContains) {
				readerIndex = i
				reader = r
				found = true
				break
			}
		}
		if !found {
			log.Printf("reader name not found (%s), using 0", cfg.Reader.NameContains)
		}
	} else if args := flag.Args(); len(args) > 0 {
		arg := args[0]
		if v, err := strconv.Atoi(arg); err == nil {
			if v >= 0 && v < len(readers) {
				readerIndex = v
				reader = readers[readerIndex]
			} else {
				log.Printf("Reader index out of range (0..%d), using 0", len(readers)-1)
			}
		} else {
			found := false
			for i, r := range readers {
				if strings.Contains(r, arg) {
					readerIndex = i
					reader = r
					found = true
					break
				}
			}
			if !found {
				log.Printf("Reader name not found (%s), using 0", arg)
			}
		}
	}
	fmt.Printf("Using reader [%d]: %s\n", readerIndex, reader)

	states := []scard.ReaderState{{
		Reader:       reader,
		CurrentState: scard.StateUnaware,
	}}
	cardPresent := false

	fmt.Println("Waiting for card scans...")
	for {
		if err := ctx.GetStatusChange(states, time.Second); err != nil {
			if err == scard.ErrTimeout {
				continue
			}
			log.Printf("GetStatusChange error: %v", err)
			continue
		}

		rs := states[0]
		if (rs.EventState&scard.StatePresent) != 0 && !cardPresent {
			cardPresent = true
			readAndPrint(ctx, reader, cfg, term, resolver, *toClipboard)
			fmt.Println("Waiting for next scan...")
		} else if (rs.EventState&scard.StateEmpty) != 0 && cardPresent {
			cardPresent = false
		}

		states[0].CurrentState = rs.EventState
	}
}
