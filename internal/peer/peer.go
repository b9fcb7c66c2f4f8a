// Package peer defines the capability contract the relay uses to talk to
// any receiver, bridged or local.
package peer

import (
	"context"
	"crypto/rand"
	"math/big"
)

// IDLength keeps ids well inside the 63 byte DNS label limit.
const IDLength = 12

const idAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// ID doubles as the mDNS instance name, the advertised host label and the
// registry key.
type ID string

func (id ID) String() string {
	return string(id)
}

// NewID returns a random lowercase alphanumeric id.
func NewID() ID {
	max := big.NewInt(int64(len(idAlphabet)))
	buf := make([]byte, IDLength)
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic("peer: crypto/rand unavailable: " + err.Error())
		}
		buf[i] = idAlphabet[n.Int64()]
	}
	return ID(buf)
}

// ValidID reports whether s could have come from NewID.
func ValidID(s string) bool {
	if len(s) != IDLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') {
			return false
		}
	}
	return true
}

type FileInfo struct {
	Name        string
	Type        string
	IsDirectory bool
}

// TransferRequest is what a sender asks a receiver to accept.
type TransferRequest struct {
	SenderName  string
	SenderModel string
	SenderID    string
	Files       []FileInfo
	TotalBytes  int64
}

// ReadyFile points at one staged file the receiver can now fetch.
type ReadyFile struct {
	Name string
	URL  string
	Path string
	Size int64
}

type Peer interface {
	ID() ID
	DisplayName() string
	// CanAcceptTransfer asks the receiver whether it wants the transfer.
	CanAcceptTransfer(ctx context.Context, req *TransferRequest) (bool, error)
	// NotifyContentReady returns once the receiver acknowledged retrieval.
	NotifyContentReady(ctx context.Context, file *ReadyFile) (bool, error)
}

// Assignable peers let the registry pick their id.
type Assignable interface {
	AssignID(id ID)
}
