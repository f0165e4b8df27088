// Package imgstore reads and marks the header of the firmware image that the
// boot loader validates on the next reset.
package imgstore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/bits"
	"os"
	"sync"
)

// Header layout
const (
	HeaderLen        = 44
	ValidationOffset = 20
)

var (
	// ErrNotOpen is returned when the image has not been opened
	ErrNotOpen = errors.New("imgstore: image not open")

	// ErrShortHeader is returned when the image is smaller than its header
	ErrShortHeader = errors.New("imgstore: short image header")
)

// Header is the fixed image header, stored little endian at offset 0
type Header struct {
	ImageID         [8]byte
	CRC32           uint32
	BIMVersion      uint8
	MetaVersion     uint8
	TechType        uint16
	CopyStatus      uint8
	CRCStatus       uint8
	ImageType       uint8
	ImageNo         uint8
	Validation      uint32
	Length          uint32
	ProgramEntry    uint32
	SoftwareVersion [4]byte
	EndAddress      uint32
	HeaderLength    uint16
	Reserved        uint16
}

// MarshalBinary encodes the header in its on-flash layout
func (h Header) MarshalBinary() ([]byte, error) {
	buf := make([]byte, HeaderLen)
	copy(buf[0:8], h.ImageID[:])
	binary.LittleEndian.PutUint32(buf[8:12], h.CRC32)
	buf[12] = h.BIMVersion
	buf[13] = h.MetaVersion
	binary.LittleEndian.PutUint16(buf[14:16], h.TechType)
	buf[16] = h.CopyStatus
	buf[17] = h.CRCStatus
	buf[18] = h.ImageType
	buf[19] = h.ImageNo
	binary.LittleEndian.PutUint32(buf[20:24], h.Validation)
	binary.LittleEndian.PutUint32(buf[24:28], h.Length)
	binary.LittleEndian.PutUint32(buf[28:32], h.ProgramEntry)
	copy(buf[32:36], h.SoftwareVersion[:])
	binary.LittleEndian.PutUint32(buf[36:40], h.EndAddress)
	binary.LittleEndian.PutUint16(buf[40:42], h.HeaderLength)
	binary.LittleEndian.PutUint16(buf[42:44], h.Reserved)
	return buf, nil
}

// UnmarshalBinary decodes a header
func (h *Header) UnmarshalBinary(buf []byte) error {
	if len(buf) < HeaderLen {
		return fmt.Errorf("%w: %d bytes", ErrShortHeader, len(buf))
	}
	copy(h.ImageID[:], buf[0:8])
	h.CRC32 = binary.LittleEndian.Uint32(buf[8:12])
	h.BIMVersion = buf[12]
	h.MetaVersion = buf[13]
	h.TechType = binary.LittleEndian.Uint16(buf[14:16])
	h.CopyStatus = buf[16]
	h.CRCStatus = buf[17]
	h.ImageType = buf[18]
	h.ImageNo = buf[19]
	h.Validation = binary.LittleEndian.Uint32(buf[20:24])
	h.Length = binary.LittleEndian.Uint32(buf[24:28])
	h.ProgramEntry = binary.LittleEndian.Uint32(buf[28:32])
	copy(h.SoftwareVersion[:], buf[32:36])
	h.EndAddress = binary.LittleEndian.Uint32(buf[36:40])
	h.HeaderLength = binary.LittleEndian.Uint16(buf[40:42])
	h.Reserved = binary.LittleEndian.Uint16(buf[42:44])
	return nil
}

// EvenBitCount reports whether v has an even number of set bits
func EvenBitCount(v uint32) bool {
	return bits.OnesCount32(v)%2 == 0
}

// Store gives access to the image header
type Store interface {
	Open() error
	ReadHeader() (Header, error)
	WriteValidation(v uint32) error
	Close() error
}

// FileStore is a Store over an image file
type FileStore struct {
	path string
	mu   sync.Mutex
	f    *os.File
}

// NewFileStore creates a store for the image at path. The file is not opened yet.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Open opens the image for reading and writing
func (s *FileStore) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f != nil {
		return nil
	}
	f, err := os.OpenFile(s.path, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("imgstore: open %s: %w", s.path, err)
	}
	s.f = f
	return nil
}

// ReadHeader reads the header at offset 0
func (s *FileStore) ReadHeader() (Header, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return Header{}, ErrNotOpen
	}

	buf := make([]byte, HeaderLen)
	if _, err := s.f.ReadAt(buf, 0); err != nil {
		if errors.Is(err, io.EOF) {
			return Header{}, ErrShortHeader
		}
		return Header{}, fmt.Errorf("imgstore: read header: %w", err)
	}

	var h Header
	if err := h.UnmarshalBinary(buf); err != nil {
		return Header{}, err
	}
	return h, nil
}

// WriteValidation overwrites the validation word
func (s *FileStore) WriteValidation(v uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return ErrNotOpen
	}

	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, v)
	if _, err := s.f.WriteAt(buf, ValidationOffset); err != nil {
		return fmt.Errorf("imgstore: write validation: %w", err)
	}
	return s.f.Sync()
}

// Close closes the image file
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

// WriteImage creates an image file holding just a header, used by the demo
// binary and tests
func WriteImage(path string, h Header) error {
	buf, err := h.MarshalBinary()
	if err != nil {
		return err
	}
	return os.WriteFile(path, buf, 0644)
}
