// Package nvstore persists the small set of flags that must survive a
// device reset.
package nvstore

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

var (
	// ErrNotFound is returned by Read for a key that was never written
	ErrNotFound = errors.New("nvstore: key not found")

	// ErrClosed is returned after Close
	ErrClosed = errors.New("nvstore: store closed")

	// ErrEmptyKey is returned for a zero-length key
	ErrEmptyKey = errors.New("nvstore: empty key")
)

// ServiceChangedKey holds whether peers must be told the GATT database
// changed once the device comes back from a firmware update reset
const ServiceChangedKey = "svc_chngd_on_next_boot"

// Store is a non-volatile key/value store
type Store interface {
	Read(ctx context.Context, key string) ([]byte, error)
	Write(ctx context.Context, key string, value []byte) error
	Close() error
}

// ReadFlag reads a boolean flag
func ReadFlag(ctx context.Context, s Store, key string) (bool, error) {
	raw, err := s.Read(ctx, key)
	if err != nil {
		return false, err
	}

	var v wrapperspb.BoolValue
	if err := proto.Unmarshal(raw, &v); err != nil {
		return false, fmt.Errorf("nvstore: decode %s: %w", key, err)
	}
	return v.GetValue(), nil
}

// WriteFlag writes a boolean flag
func WriteFlag(ctx context.Context, s Store, key string, value bool) error {
	raw, err := proto.Marshal(wrapperspb.Bool(value))
	if err != nil {
		return fmt.Errorf("nvstore: encode %s: %w", key, err)
	}
	return s.Write(ctx, key, raw)
}
