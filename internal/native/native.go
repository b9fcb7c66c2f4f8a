// Package native encodes the binary plist bodies exchanged with native
// AirDrop clients.
package native

import (
	"errors"
	"fmt"
	"io"

	"howett.net/plist"
)

// MaxBodySize bounds Discover and Ask bodies; they carry metadata only.
const MaxBodySize = 1 << 20

var ErrBodyTooLarge = errors.New("request body too large")

// ContentType of Discover and Ask bodies.
const ContentType = "application/octet-stream"

type DiscoverRequest struct {
	SenderRecordData []byte `plist:"SenderRecordData,omitempty"`
}

type DiscoverResponse struct {
	ReceiverComputerName      string `plist:"ReceiverComputerName"`
	ReceiverModelName         string `plist:"ReceiverModelName"`
	ReceiverMediaCapabilities []byte `plist:"ReceiverMediaCapabilities"`
}

type FileInfo struct {
	FileName            string `plist:"FileName"`
	FileType            string `plist:"FileType"`
	FileBomPath         string `plist:"FileBomPath,omitempty"`
	FileIsDirectory     bool   `plist:"FileIsDirectory"`
	ConvertMediaFormats bool   `plist:"ConvertMediaFormats"`
}

type AskRequest struct {
	SenderComputerName  string     `plist:"SenderComputerName"`
	SenderModelName     string     `plist:"SenderModelName,omitempty"`
	SenderID            string     `plist:"SenderID,omitempty"`
	BundleID            string     `plist:"BundleID,omitempty"`
	ConvertMediaFormats bool       `plist:"ConvertMediaFormats"`
	SenderRecordData    []byte     `plist:"SenderRecordData,omitempty"`
	FileIcon            []byte     `plist:"FileIcon,omitempty"`
	Files               []FileInfo `plist:"Files"`
	Items               []string   `plist:"Items,omitempty"`
	TotalBytes          int64      `plist:"TotalBytes,omitempty"`
}

type AskResponse struct {
	ReceiverComputerName string `plist:"ReceiverComputerName"`
	ReceiverModelName    string `plist:"ReceiverModelName"`
}

// DefaultMediaCapabilities is advertised on every Discover; no format
// negotiation happens.
var DefaultMediaCapabilities = []byte(`{"Version":1}`)

// DefaultModelName is reported for every bridged receiver.
const DefaultModelName = "dropbridge"

// Encode marshals v as a binary plist.
func Encode(v any) ([]byte, error) {
	data, err := plist.Marshal(v, plist.BinaryFormat)
	if err != nil {
		return nil, fmt.Errorf("encode plist: %w", err)
	}
	return data, nil
}

// Decode reads at most MaxBodySize bytes from r into v. Both binary and XML
// plists are accepted; an empty body leaves v untouched.
func Decode(r io.Reader, v any) error {
	data, err := io.ReadAll(io.LimitReader(r, MaxBodySize+1))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if len(data) > MaxBodySize {
		return ErrBodyTooLarge
	}
	if len(data) == 0 {
		return nil
	}
	if _, err := plist.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode plist: %w", err)
	}
	return nil
}
