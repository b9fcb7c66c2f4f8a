package archive

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/klauspost/compress/gzip"
)

func buildArchive(t *testing.T, build func(w *Writer)) *bytes.Buffer {
	t.Helper()

	var buf bytes.Buffer
	w := NewWriter(&buf)
	build(w)
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	return &buf
}

func TestExtractSkipsDirectories(t *testing.T) {
	buf := buildArchive(t, func(w *Writer) {
		_ = w.WriteDir("./photos")
		_ = w.WriteFile("./photos/a.jpg", []byte("jpeg-bytes"))
		_ = w.WriteFile("notes.txt", []byte("hello"))
	})

	var names []string
	var contents []string
	err := GzipCPIO{}.Extract(buf, func(f File) error {
		data, err := io.ReadAll(f.Reader)
		if err != nil {
			return err
		}
		names = append(names, f.Name)
		contents = append(contents, string(data))
		if f.Size != int64(len(data)) {
			t.Errorf("%s: size %d, read %d", f.Name, f.Size, len(data))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}

	if len(names) != 2 || names[0] != "photos/a.jpg" || names[1] != "notes.txt" {
		t.Errorf("Unexpected names %v", names)
	}
	if contents[1] != "hello" {
		t.Errorf("Expected hello, got %q", contents[1])
	}
}

func TestExtractUnreadBodyIsSkipped(t *testing.T) {
	buf := buildArchive(t, func(w *Writer) {
		_ = w.WriteFile("a.bin", bytes.Repeat([]byte{1}, 10000))
		_ = w.WriteFile("b.txt", []byte("second"))
	})

	var last string
	err := GzipCPIO{}.Extract(buf, func(f File) error {
		if f.Name == "b.txt" {
			data, _ := io.ReadAll(f.Reader)
			last = string(data)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if last != "second" {
		t.Errorf("Expected second, got %q", last)
	}
}

func TestExtractStopsOnCallbackError(t *testing.T) {
	buf := buildArchive(t, func(w *Writer) {
		_ = w.WriteFile("a", []byte("1"))
		_ = w.WriteFile("b", []byte("2"))
	})

	stop := errors.New("stop")
	calls := 0
	err := GzipCPIO{}.Extract(buf, func(File) error {
		calls++
		return stop
	})
	if !errors.Is(err, stop) {
		t.Errorf("Expected callback error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("Expected 1 call, got %d", calls)
	}
}

func TestExtractRejectsGarbage(t *testing.T) {
	if err := (GzipCPIO{}).Extract(bytes.NewReader([]byte("plain text")), func(File) error { return nil }); err == nil {
		t.Error("Expected gzip error")
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, _ = zw.Write(bytes.Repeat([]byte("x"), odcHeaderSize))
	_ = zw.Close()

	err := GzipCPIO{}.Extract(&buf, func(File) error { return nil })
	if !errors.Is(err, ErrBadMagic) {
		t.Errorf("Expected ErrBadMagic, got %v", err)
	}
}

func TestExtractTruncated(t *testing.T) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, _ = io.WriteString(zw, odcHeader(1, modeRegular|0o644, "a", 5))
	_ = zw.Close()

	err := GzipCPIO{}.Extract(&buf, func(File) error { return nil })
	if err == nil {
		t.Error("Expected error for archive without trailer")
	}
}
