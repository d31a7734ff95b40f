// Package mmds is the microVM metadata store: a JSON document the host puts
// and patches through the control API.
package mmds

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"sync"

	"github.com/bobuhiro11/gomicrovm/logger"
	"github.com/mohae/deepcopy"
)

var log = logger.WithSource("mmds")

var (
	ErrTooLarge       = errors.New("the MMDS data store size limit was exceeded")
	ErrNotInitialized = errors.New("the MMDS data store is not initialized")
	ErrNotObject      = errors.New("the MMDS data must be a JSON object")
	ErrVersion        = errors.New("unknown MMDS version")
	ErrAddress        = errors.New("the MMDS IPv4 address must be link-local")
	ErrNoInterfaces   = errors.New("the MMDS needs at least one network interface")
)

// DefaultSizeLimit is the largest serialized document accepted by default.
const DefaultSizeLimit = 51200

// Version selects the guest access protocol.
type Version string

const (
	V1 Version = "V1"
	V2 Version = "V2"
)

// DefaultAddress is the IPv4 address the guest reaches the store at.
const DefaultAddress = "169.254.169.254"

// Config is the body of PUT /mmds/config.
type Config struct {
	Version           Version  `json:"version,omitempty"`
	NetworkInterfaces []string `json:"network_interfaces"`
	IPv4Address       string   `json:"ipv4_address,omitempty"`
}

// Validate fills in defaults and checks the version and address.
func (c *Config) Validate() error {
	if len(c.NetworkInterfaces) == 0 {
		return ErrNoInterfaces
	}

	switch c.Version {
	case "":
		c.Version = V1
	case V1, V2:
	default:
		return fmt.Errorf("%w: %q", ErrVersion, c.Version)
	}

	if c.IPv4Address == "" {
		c.IPv4Address = DefaultAddress
	}

	addr, err := netip.ParseAddr(c.IPv4Address)
	if err != nil || !addr.Is4() || !addr.IsLinkLocalUnicast() {
		return fmt.Errorf("%w: %q", ErrAddress, c.IPv4Address)
	}

	return nil
}

// Store holds the document. It is safe for concurrent use.
type Store struct {
	mu    sync.Mutex
	data  map[string]any
	limit int
	cfg   *Config
}

// New returns an empty store accepting documents up to limit bytes once
// serialized. A limit of 0 means DefaultSizeLimit.
func New(limit int) *Store {
	if limit <= 0 {
		limit = DefaultSizeLimit
	}

	return &Store{limit: limit}
}

func (s *Store) Limit() int {
	return s.limit
}

func (s *Store) check(data map[string]any) ([]byte, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	if len(b) > s.limit {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrTooLarge, len(b), s.limit)
	}

	return b, nil
}

func decodeObject(raw []byte) (map[string]any, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}

	obj, ok := v.(map[string]any)
	if !ok {
		return nil, ErrNotObject
	}

	return obj, nil
}

// Put replaces the document.
func (s *Store) Put(raw []byte) error {
	obj, err := decodeObject(raw)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := s.check(obj)
	if err != nil {
		return err
	}

	s.data = obj
	log.Debugf("document replaced, %d bytes", len(b))

	return nil
}

// Patch merges raw into the document following RFC 7396. The document is
// left untouched when the result would exceed the limit.
func (s *Store) Patch(raw []byte) error {
	patch, err := decodeObject(raw)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.data == nil {
		return ErrNotInitialized
	}

	merged, _ := merge(deepcopy.Copy(s.data), patch).(map[string]any)

	if _, err := s.check(merged); err != nil {
		return err
	}

	s.data = merged

	return nil
}

// merge applies patch to target and returns the result. target may be
// modified in place.
func merge(target, patch any) any {
	p, ok := patch.(map[string]any)
	if !ok {
		return patch
	}

	t, ok := target.(map[string]any)
	if !ok {
		t = map[string]any{}
	}

	for k, v := range p {
		if v == nil {
			delete(t, k)

			continue
		}

		t[k] = merge(t[k], v)
	}

	return t
}

// Get returns the serialized document, {} when nothing was put yet.
func (s *Store) Get() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.data == nil {
		return []byte("{}"), nil
	}

	return json.Marshal(s.data)
}

// SetConfig records the guest access configuration.
func (s *Store) SetConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.cfg = &cfg

	return nil
}

// Config returns the access configuration, nil when none was set.
func (s *Store) Config() *Config {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg == nil {
		return nil
	}

	c := *s.cfg

	return &c
}

// Snapshot returns the document for a VM snapshot, nil when empty.
func (s *Store) Snapshot() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.data == nil {
		return nil, nil
	}

	return json.Marshal(s.data)
}

// Restore loads a document saved by Snapshot.
func (s *Store) Restore(b []byte) error {
	if len(b) == 0 {
		return nil
	}

	return s.Put(b)
}
