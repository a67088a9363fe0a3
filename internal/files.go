package internal

import (
	"bufio"
	"encoding/binary"
	"io"
	"log"
	"os"
	"path/filepath"
)

// FileOpen is os.Open with panics in place of errors
func FileOpen(name string) *os.File {
	file, err := os.Open(name)
	if err != nil {
		log.Panic(err)
	}
	return file
}

// FileCreate is os.Create with panics in place of errors
func FileCreate(name string) *os.File {
	file, err := os.Create(name)
	if err != nil {
		log.Panic(err)
	}
	return file
}

// Close is closer.Close with panics in place of errors
func Close(closer io.Closer) {
	if err := closer.Close(); err != nil {
		log.Panic(err)
	}
}

// MkdirAll is os.MkdirAll with panics in place of errors
func MkdirAll(path string, perm os.FileMode) {
	if err := os.MkdirAll(path, perm); err != nil {
		log.Panic(err)
	}
}

// ReadFull is io.ReadFull with panics in place of errors
func ReadFull(r io.Reader, buf []byte) {
	if _, err := io.ReadFull(r, buf); err != nil {
		log.Panic(err)
	}
}

// BinaryRead is binary.Read for little-endian data with panics in
// place of errors
func BinaryRead(r io.Reader, data interface{}) {
	if err := binary.Read(r, binary.LittleEndian, data); err != nil {
		log.Panic(err)
	}
}

// Write is w.Write with panics in place of errors
func Write(w io.Writer, p []byte) {
	if _, err := w.Write(p); err != nil {
		log.Panic(err)
	}
}

// WriteString is io.WriteString with panics in place of errors
func WriteString(w io.Writer, s string) {
	if _, err := io.WriteString(w, s); err != nil {
		log.Panic(err)
	}
}

// WriteByte is w.WriteByte with panics in place of errors
func WriteByte(w *bufio.Writer, b byte) {
	if err := w.WriteByte(b); err != nil {
		log.Panic(err)
	}
}

// Flush is w.Flush with panics in place of errors
func Flush(w *bufio.Writer) {
	if err := w.Flush(); err != nil {
		log.Panic(err)
	}
}

// FullPathname turns the given filename into an absolute path.
func FullPathname(filename string) string {
	if filepath.IsAbs(filename) {
		return filename
	}
	wd, err := os.Getwd()
	if err != nil {
		log.Panic(err)
	}
	return filepath.Join(wd, filename)
}
