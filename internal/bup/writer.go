package bup

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"

	"tegraupdate/internal/gpt"
)

// Writer builds a synthetic BUP package file. Production BUP packages
// come from the vendor; Writer exists so tests can construct fixtures
// without depending on a real package.
type Writer struct {
	tnspec     string
	compatSpec string
	bootDevice string
	gptDevice  string
	required   []string
	optional   []string
	layout     *gpt.Table
	entries    []writerEntry
}

type writerEntry struct {
	name        string
	version     uint32
	compression CompressionFormat
	payload     []byte
}

// NewWriter starts a new package builder for the given boot/GPT device
// paths and TNSPEC.
func NewWriter(tnspec, bootDevice, gptDevice string) *Writer {
	return &Writer{tnspec: tnspec, bootDevice: bootDevice, gptDevice: gptDevice}
}

// WithCompatSpec sets the secondary compatible TNSPEC.
func (w *Writer) WithCompatSpec(spec string) *Writer {
	w.compatSpec = spec
	return w
}

// WithRequired declares the set of partition names this package requires
// to be present (drives FindMissing).
func (w *Writer) WithRequired(names ...string) *Writer {
	w.required = append(w.required, names...)
	return w
}

// WithOptional declares partition names allowed to be absent.
func (w *Writer) WithOptional(names ...string) *Writer {
	w.optional = append(w.optional, names...)
	return w
}

// WithLayout sets the expected GPT layout this package was built
// against.
func (w *Writer) WithLayout(t *gpt.Table) *Writer {
	w.layout = t
	return w
}

// AddEntry appends a directory entry with uncompressed payload.
func (w *Writer) AddEntry(name string, version uint32, payload []byte) *Writer {
	return w.AddCompressedEntry(name, version, None, payload)
}

// AddCompressedEntry appends a directory entry whose payload will be
// stored compressed with format.
func (w *Writer) AddCompressedEntry(name string, version uint32, format CompressionFormat, payload []byte) *Writer {
	w.entries = append(w.entries, writerEntry{name: name, version: version, compression: format, payload: payload})
	return w
}

// WriteFile serializes the package to path.
func (w *Writer) WriteFile(path string) error {
	var buf bytes.Buffer
	buf.WriteString(magic)
	writeUint32(&buf, formatVersion)
	writeLenString(&buf, w.tnspec)
	writeLenString(&buf, w.compatSpec)
	writeLenString(&buf, w.bootDevice)
	writeLenString(&buf, w.gptDevice)

	writeUint32(&buf, uint32(len(w.required)))
	for _, n := range w.required {
		writeLenString(&buf, n)
	}
	writeUint32(&buf, uint32(len(w.optional)))
	for _, n := range w.optional {
		writeLenString(&buf, n)
	}

	if w.layout != nil {
		buf.WriteByte(1)
		writeUint32(&buf, uint32(len(w.layout.Entries)))
		for _, e := range w.layout.Entries {
			writeLenString(&buf, e.Name)
			tb, _ := e.TypeGUID.MarshalBinary()
			ub, _ := e.UniqueGUID.MarshalBinary()
			buf.Write(tb)
			buf.Write(ub)
			writeUint64(&buf, e.FirstLBA)
			writeUint64(&buf, e.LastLBA)
		}
	} else {
		buf.WriteByte(0)
	}

	// Compress each entry's payload up front so we know its on-disk
	// length before writing the directory.
	type compiled struct {
		name             string
		version          uint32
		compression      CompressionFormat
		compressedLength uint64
		length           uint64
		data             []byte
	}
	var compiledEntries []compiled
	for _, e := range w.entries {
		var out bytes.Buffer
		enc, err := newEncodeWriter(e.compression, &out)
		if err != nil {
			return err
		}
		if _, err := enc.Write(e.payload); err != nil {
			return err
		}
		if err := enc.Close(); err != nil {
			return err
		}
		if e.compression != None {
			if got := detectFormat(out.Bytes()); got != e.compression {
				return fmt.Errorf("bup: %s encoder for %s produced a payload that doesn't look like %s (detected %s)",
					e.compression, e.name, e.compression, got)
			}
		}
		compiledEntries = append(compiledEntries, compiled{
			name:             e.name,
			version:          e.version,
			compression:      e.compression,
			compressedLength: uint64(out.Len()),
			length:           uint64(len(e.payload)),
			data:             out.Bytes(),
		})
	}

	writeUint32(&buf, uint32(len(compiledEntries)))

	type placeholder struct {
		offsetPos int
	}
	var placeholders []placeholder
	for _, ce := range compiledEntries {
		writeLenString(&buf, ce.name)
		writeUint32(&buf, ce.version)
		buf.WriteByte(byte(ce.compression))
		writeUint64(&buf, ce.compressedLength)
		writeUint64(&buf, ce.length)
		placeholders = append(placeholders, placeholder{offsetPos: buf.Len()})
		writeUint64(&buf, 0) // payload offset, patched below
	}

	headerBytes := buf.Bytes()
	payloadStart := int64(len(headerBytes))
	running := payloadStart
	for i, ce := range compiledEntries {
		binary.LittleEndian.PutUint64(headerBytes[placeholders[i].offsetPos:placeholders[i].offsetPos+8], uint64(running))
		running += int64(len(ce.data))
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(headerBytes); err != nil {
		return err
	}
	for _, ce := range compiledEntries {
		if _, err := f.Write(ce.data); err != nil {
			return err
		}
	}
	return nil
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func writeLenString(buf *bytes.Buffer, s string) {
	writeUint32(buf, uint32(len(s)))
	buf.WriteString(s)
}
