// Package chatkey generates the secrets a termchat deployment needs.
package chatkey

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/louisbranch/termchat/internal/services/chat/cipher"
)

// Config holds configuration for key generation.
type Config struct {
	SecretBytes int
	// MessageKey also prints a client message key.
	MessageKey bool
}

// ParseConfig parses flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	cfg := Config{SecretBytes: 32}
	fs.IntVar(&cfg.SecretBytes, "bytes", cfg.SecretBytes, "number of random bytes in the JWT secret (minimum 16)")
	fs.BoolVar(&cfg.MessageKey, "message-key", false, "also print a client message encryption key")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run generates the keys and writes them to out as env assignments.
func Run(cfg Config, out io.Writer, reader io.Reader) error {
	if cfg.SecretBytes < 16 {
		return errors.New("bytes must be at least 16")
	}
	if out == nil {
		return errors.New("output is required")
	}
	if reader == nil {
		reader = rand.Reader
	}

	buf := make([]byte, cfg.SecretBytes)
	if _, err := io.ReadFull(reader, buf); err != nil {
		return fmt.Errorf("generate random bytes: %w", err)
	}
	if _, err := fmt.Fprintf(out, "TERMCHAT_JWT_SECRET=%s\n", hex.EncodeToString(buf)); err != nil {
		return err
	}
	if !cfg.MessageKey {
		return nil
	}
	key, err := cipher.GenerateKey(reader)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "TERMCHAT_MESSAGE_KEY=%s\n", cipher.EncodeKey(key))
	return err
}
