// Package config loads the YAML configuration file that picks a PC/SC
// reader and tunes the session driver, following the same
// read-decode-validate shape the rest of this project's lineage uses
// for its own config files.
package config

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/corinnewalsh/emvreader/pkg/emv"
)

// Config is the top-level document shape.
type Config struct {
	Reader   ReaderConfig     `yaml:"reader"`
	Driver   DriverConfig     `yaml:"driver"`
	Terminal TerminalConfig   `yaml:"terminal"`
	Schemes  []SchemeOverride `yaml:"schemes"`
	Bins     []BinOverride    `yaml:"bins"`
}

// TerminalConfig supplies fixed DOL default values, hex-encoded, that
// override emv.DefaultTerminal's generic answers. Every field is
// optional; an empty string leaves the corresponding tag unoverridden.
type TerminalConfig struct {
	TTQ      string `yaml:"ttq"`
	Amount   string `yaml:"amount"`
	Country  string `yaml:"country"`
	Currency string `yaml:"currency"`
	TVR      string `yaml:"tvr"`
	Date     string `yaml:"date"`
	Type     string `yaml:"type"`
}

// BinOverride adds a PAN BIN-prefix range -> scheme mapping, layered on
// top of scheme.Default()'s built-in ranges.
type BinOverride struct {
	Scheme string `yaml:"scheme"`
	Low    string `yaml:"low"`
	High   string `yaml:"high"`
}

// ReaderConfig selects which PC/SC reader to open.
type ReaderConfig struct {
	Index        *int   `yaml:"index"`
	NameContains string `yaml:"name_contains"`
}

// DriverConfig mirrors emv.Config, with every field optional: a nil
// field takes the value from emv.DefaultConfig().
type DriverConfig struct {
	Contactless      *bool `yaml:"contactless"`
	ReadTransactions *bool `yaml:"read_transactions"`
	ReadAllAIDs      *bool `yaml:"read_all_aids"`
}

// SchemeOverride adds or replaces one AID -> scheme mapping, layered
// on top of the built-in scheme.Default() table.
type SchemeOverride struct {
	Scheme string `yaml:"scheme"`
	AID    string `yaml:"aid"`
}

// Default returns the zero-configuration document: automatic reader
// selection, emv.DefaultConfig() driver options, no scheme overrides.
func Default() *Config {
	return &Config{}
}

// Load reads and validates the YAML file at path.
func Load(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the fields that have a fixed valid range; everything
// else is accepted as-is and left to fail, if it must, against the
// live reader or card.
func (c *Config) Validate() error {
	if c.Reader.Index != nil && *c.Reader.Index < 0 {
		return fmt.Errorf("config.reader.index must be >= 0")
	}
	for i, o := range c.Schemes {
		if strings.TrimSpace(o.Scheme) == "" {
			return fmt.Errorf("config.schemes[%d].scheme is required", i)
		}
		if err := validateAIDHex(o.AID); err != nil {
			return fmt.Errorf("config.schemes[%d].aid: %w", i, err)
		}
	}
	for tag, v := range c.Terminal.fields() {
		if v == "" {
			continue
		}
		if err := validateEvenHex(v); err != nil {
			return fmt.Errorf("config.terminal.%s: %w", tag, err)
		}
	}
	for i, b := range c.Bins {
		if strings.TrimSpace(b.Scheme) == "" {
			return fmt.Errorf("config.bins[%d].scheme is required", i)
		}
		if err := validateBINRange(b.Low, b.High); err != nil {
			return fmt.Errorf("config.bins[%d]: %w", i, err)
		}
	}
	return nil
}

// fields exposes TerminalConfig's hex fields keyed by their YAML name,
// for Validate and TerminalOverrides to iterate without repeating the
// tag list twice.
func (t TerminalConfig) fields() map[string]string {
	return map[string]string{
		"ttq":      t.TTQ,
		"amount":   t.Amount,
		"country":  t.Country,
		"currency": t.Currency,
		"tvr":      t.TVR,
		"date":     t.Date,
		"type":     t.Type,
	}
}

func validateEvenHex(s string) error {
	if len(s)%2 != 0 || len(s) == 0 {
		return fmt.Errorf("must be non-empty hex with an even digit count (got %q)", s)
	}
	for _, r := range s {
		if !strings.ContainsRune("0123456789ABCDEFabcdef", r) {
			return fmt.Errorf("must be hex, got %q", s)
		}
	}
	return nil
}

func validateBINRange(low, high string) error {
	if low == "" || high == "" {
		return fmt.Errorf("low and high are required")
	}
	if len(low) != len(high) {
		return fmt.Errorf("low (%q) and high (%q) must have equal digit length", low, high)
	}
	for _, r := range low + high {
		if r < '0' || r > '9' {
			return fmt.Errorf("low/high must be decimal digits, got %q/%q", low, high)
		}
	}
	if low > high {
		return fmt.Errorf("low (%q) must be <= high (%q)", low, high)
	}
	return nil
}

func validateAIDHex(s string) error {
	if len(s) < 10 || len(s) > 32 || len(s)%2 != 0 {
		return fmt.Errorf("must be 5-16 bytes of hex (got %q)", s)
	}
	for _, r := range s {
		if !strings.ContainsRune("0123456789ABCDEFabcdef", r) {
			return fmt.Errorf("must be hex, got %q", s)
		}
	}
	return nil
}

// dolTagByField maps TerminalConfig's YAML field names to the EMV DOL
// tag each one overrides.
var dolTagByField = map[string]uint32{
	"ttq":      0x9F66, // Terminal Transaction Qualifiers
	"amount":   0x9F02, // Amount, Authorized
	"country":  0x9F1A, // Terminal Country Code
	"currency": 0x5F2A, // Transaction Currency Code
	"tvr":      0x95,   // Terminal Verification Results
	"date":     0x9A,   // Transaction Date
	"type":     0x9C,   // Transaction Type
}

// TerminalOverrides decodes the non-empty hex fields of c.Terminal into
// a tag -> value map, suitable for emv.ConfiguredTerminal.Overrides.
// Validate must have already rejected any malformed hex string.
func (c *Config) TerminalOverrides() (map[uint32][]byte, error) {
	overrides := make(map[uint32][]byte)
	for field, v := range c.Terminal.fields() {
		if v == "" {
			continue
		}
		b, err := hex.DecodeString(v)
		if err != nil {
			return nil, fmt.Errorf("config.terminal.%s: %w", field, err)
		}
		overrides[dolTagByField[field]] = b
	}
	return overrides, nil
}

// DriverConfig resolves this document's driver options against
// emv.DefaultConfig(), substituting any field left unset.
func (c *Config) DriverConfig() emv.Config {
	cfg := emv.DefaultConfig()
	if c.Driver.Contactless != nil {
		cfg.Contactless = *c.Driver.Contactless
	}
	if c.Driver.ReadTransactions != nil {
		cfg.ReadTransactions = *c.Driver.ReadTransactions
	}
	if c.Driver.ReadAllAIDs != nil {
		cfg.ReadAllAIDs = *c.Driver.ReadAllAIDs
	}
	return cfg
}
