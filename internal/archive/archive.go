// Package archive unpacks the gzip-compressed cpio bundles native clients
// upload.
package archive

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
)

var (
	ErrBadMagic  = errors.New("not an odc cpio archive")
	ErrBadHeader = errors.New("malformed cpio header")
)

const (
	odcMagic      = "070707"
	odcHeaderSize = 76
	trailerName   = "TRAILER!!!"
	maxNameSize   = 4096

	modeTypeMask = 0o170000
	modeDir      = 0o040000
	modeRegular  = 0o100000
)

// File is one regular file in the archive. Reader is only valid during the
// callback.
type File struct {
	Name   string
	Size   int64
	Mode   uint32
	Reader io.Reader
}

type Extractor interface {
	Extract(r io.Reader, fn func(File) error) error
}

// GzipCPIO reads gzip(cpio odc) streams.
type GzipCPIO struct{}

func (GzipCPIO) Extract(r io.Reader, fn func(File) error) error {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("gzip: %w", err)
	}
	defer zr.Close()

	return ExtractCPIO(zr, fn)
}

// ExtractCPIO walks an uncompressed odc archive, calling fn for each regular
// file. Directories and other entries are skipped.
func ExtractCPIO(r io.Reader, fn func(File) error) error {
	br := bufio.NewReader(r)
	header := make([]byte, odcHeaderSize)

	for {
		if _, err := io.ReadFull(br, header); err != nil {
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("%w: missing trailer", ErrBadHeader)
			}
			return fmt.Errorf("read header: %w", err)
		}
		if string(header[:6]) != odcMagic {
			return ErrBadMagic
		}

		mode, err := octal(header[18:24])
		if err != nil {
			return err
		}
		nameSize, err := octal(header[59:65])
		if err != nil {
			return err
		}
		fileSize, err := octal(header[65:76])
		if err != nil {
			return err
		}
		if nameSize == 0 || nameSize > maxNameSize {
			return fmt.Errorf("%w: name size %d", ErrBadHeader, nameSize)
		}

		nameBuf := make([]byte, nameSize)
		if _, err := io.ReadFull(br, nameBuf); err != nil {
			return fmt.Errorf("read name: %w", err)
		}
		name := strings.TrimRight(string(nameBuf), "\x00")
		if name == trailerName {
			return nil
		}

		body := io.LimitReader(br, fileSize)
		if mode&modeTypeMask == modeRegular {
			name = strings.TrimPrefix(name, "./")
			if err := fn(File{Name: name, Size: fileSize, Mode: uint32(mode), Reader: body}); err != nil {
				return err
			}
		}
		// Skip whatever the callback left unread.
		if _, err := io.Copy(io.Discard, body); err != nil {
			return fmt.Errorf("skip %s: %w", name, err)
		}
	}
}

func octal(b []byte) (int64, error) {
	v, err := strconv.ParseInt(string(b), 8, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrBadHeader, b)
	}
	return v, nil
}

// Writer produces gzip(cpio odc) streams.
type Writer struct {
	zw  *gzip.Writer
	ino int64
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{zw: gzip.NewWriter(w)}
}

func (w *Writer) WriteFile(name string, data []byte) error {
	if err := w.writeHeader(name, modeRegular|0o644, int64(len(data))); err != nil {
		return err
	}
	_, err := w.zw.Write(data)
	return err
}

func (w *Writer) WriteDir(name string) error {
	return w.writeHeader(name, modeDir|0o755, 0)
}

func (w *Writer) writeHeader(name string, mode, size int64) error {
	w.ino++
	_, err := io.WriteString(w.zw, odcHeader(w.ino, mode, name, size))
	return err
}

// Close writes the trailer and flushes the gzip stream.
func (w *Writer) Close() error {
	if _, err := io.WriteString(w.zw, odcHeader(0, 0, trailerName, 0)); err != nil {
		return err
	}
	return w.zw.Close()
}

// odcHeader returns the header followed by the NUL terminated name.
func odcHeader(ino, mode int64, name string, size int64) string {
	return fmt.Sprintf("%s%06o%06o%06o%06o%06o%06o%06o%011o%06o%011o%s\x00",
		odcMagic, 0, ino, mode, 0, 0, 1, 0, 0, len(name)+1, size, name)
}
