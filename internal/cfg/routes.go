package cfg

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Routes is the routes file: which source channels are watched and where
// their lookups go.
//
//	channels:
//	  "111111111111111111": "lookup-1"
//	blocked: ["123456789"]
//	buyer_phrases: ["want to buy", "wtb"]
//	blacklist: ["the", "and"]
type Routes struct {
	// Channels maps a source channel id to its lookup queue.
	Channels map[string]string `yaml:"channels"`
	// Blocked subject ids are never admitted.
	Blocked []string `yaml:"blocked"`
	// BuyerPhrases replace the default phrases when set.
	BuyerPhrases []string `yaml:"buyer_phrases"`
	// Blacklist replaces the base code blacklist when set.
	Blacklist []string `yaml:"blacklist"`
}

// LoadRoutes reads and validates a routes file.
func LoadRoutes(path string) (*Routes, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read routes file: %w", err)
	}
	return ParseRoutes(data)
}

// ParseRoutes decodes a routes document. Unknown keys are rejected.
func ParseRoutes(data []byte) (*Routes, error) {
	var r Routes
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&r); err != nil {
		return nil, fmt.Errorf("decode routes file: %w", err)
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return &r, nil
}

// Validate checks that at least one channel is routed and no entry is blank.
func (r *Routes) Validate() error {
	var errs []error
	if len(r.Channels) == 0 {
		errs = append(errs, errors.New("routes: at least one channel is required"))
	}
	for ch, q := range r.Channels {
		if strings.TrimSpace(ch) == "" || strings.TrimSpace(q) == "" {
			errs = append(errs, fmt.Errorf("routes: channel %q has an empty id or queue", ch))
		}
	}
	for _, id := range r.Blocked {
		if strings.TrimSpace(id) == "" {
			errs = append(errs, errors.New("routes: blocked list has an empty id"))
			break
		}
	}
	return errors.Join(errs...)
}
