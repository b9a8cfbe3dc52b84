package snapshot

import (
	"archive/tar"
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/klauspost/compress/zstd"
)

// DefaultCapacity bounds a snapshot buffer when Config.Capacity is zero.
const DefaultCapacity = 256 * datasize.MB

// magic starts every snapshot buffer. A zstd compressed tar stream follows.
var magic = []byte("SNAPFS01")

var (
	// ErrSnapshotOverflow is returned when a capture does not fit the buffer.
	ErrSnapshotOverflow = errors.New("snapshot exceeds buffer capacity")
	// ErrInvalidSnapshot is returned when a buffer is not a snapshot.
	ErrInvalidSnapshot = errors.New("not a snapshot buffer")
)

// Buffer holds an encoded snapshot. It is read-only once produced.
type Buffer struct {
	data []byte
}

// NewBuffer wraps previously encoded snapshot bytes, for example read back
// from disk or fetched over HTTP.
func NewBuffer(data []byte) (*Buffer, error) {
	if !bytes.HasPrefix(data, magic) {
		return nil, ErrInvalidSnapshot
	}
	return &Buffer{data: data}, nil
}

// Bytes returns the encoded snapshot.
func (b *Buffer) Bytes() []byte { return b.data }

// Len returns the encoded size in bytes.
func (b *Buffer) Len() int { return len(b.data) }

// Cap returns the capacity the buffer was allocated with.
func (b *Buffer) Cap() int { return cap(b.data) }

// WriteTo writes the encoded snapshot to w.
func (b *Buffer) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(b.data)
	return int64(n), err
}

// boundedWriter appends into a pre-allocated slice and refuses to grow it.
type boundedWriter struct {
	buf      []byte
	overflow bool
}

func newBoundedWriter(capacity int) *boundedWriter {
	return &boundedWriter{buf: make([]byte, 0, capacity)}
}

func (w *boundedWriter) Write(p []byte) (int, error) {
	if w.overflow || len(w.buf)+len(p) > cap(w.buf) {
		w.overflow = true
		return 0, ErrSnapshotOverflow
	}
	w.buf = append(w.buf, p...)
	return len(p), nil
}

// Entry describes one node stored in a snapshot.
type Entry struct {
	// Name is the slash path relative to the captured root.
	Name    string
	Mode    fs.FileMode
	Size    int64
	ModTime time.Time
	// Target is the link target of a symlink.
	Target string
}

// IsDir reports whether the entry is a directory.
func (e Entry) IsDir() bool { return e.Mode.IsDir() }

// IsLink reports whether the entry is a symbolic link.
func (e Entry) IsLink() bool { return e.Mode&fs.ModeSymlink != 0 }

func (e Entry) header() *tar.Header {
	hdr := &tar.Header{
		Name:    e.Name,
		Mode:    int64(e.Mode.Perm()),
		ModTime: e.ModTime,
		Format:  tar.FormatPAX,
	}
	switch {
	case e.IsDir():
		hdr.Typeflag = tar.TypeDir
		hdr.Name += "/"
	case e.IsLink():
		hdr.Typeflag = tar.TypeSymlink
		hdr.Linkname = e.Target
	default:
		hdr.Typeflag = tar.TypeReg
		hdr.Size = e.Size
	}
	return hdr
}

func entryFromHeader(hdr *tar.Header) (Entry, error) {
	e := Entry{
		Name:    trimSlash(hdr.Name),
		Mode:    fs.FileMode(hdr.Mode).Perm(),
		ModTime: hdr.ModTime,
	}
	switch hdr.Typeflag {
	case tar.TypeDir:
		e.Mode |= fs.ModeDir
	case tar.TypeSymlink:
		e.Mode |= fs.ModeSymlink
		e.Target = hdr.Linkname
	case tar.TypeReg:
		e.Size = hdr.Size
	default:
		return e, fmt.Errorf("%w: entry %q has type %q", ErrInvalidSnapshot, hdr.Name, hdr.Typeflag)
	}
	if e.Name == "" || !fs.ValidPath(e.Name) {
		return e, fmt.Errorf("%w: invalid entry name %q", ErrInvalidSnapshot, hdr.Name)
	}
	return e, nil
}

func trimSlash(name string) string {
	for len(name) > 0 && name[len(name)-1] == '/' {
		name = name[:len(name)-1]
	}
	return name
}

// Reader iterates the entries of an encoded snapshot.
type Reader struct {
	dec *zstd.Decoder
	tr  *tar.Reader
}

// Decode validates the snapshot header and returns a reader over its
// entries. The reader must be closed.
func Decode(buf []byte) (*Reader, error) {
	if !bytes.HasPrefix(buf, magic) {
		return nil, ErrInvalidSnapshot
	}
	dec, err := zstd.NewReader(bytes.NewReader(buf[len(magic):]), zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	return &Reader{dec: dec, tr: tar.NewReader(dec)}, nil
}

// Next advances to the next entry. It returns io.EOF at the end of the
// snapshot. File content is read from the Reader until the next call.
func (r *Reader) Next() (Entry, error) {
	hdr, err := r.tr.Next()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Entry{}, io.EOF
		}
		return Entry{}, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	return entryFromHeader(hdr)
}

// Read reads the content of the current file entry.
func (r *Reader) Read(p []byte) (int, error) {
	return r.tr.Read(p)
}

// Close releases the decoder.
func (r *Reader) Close() error {
	r.dec.Close()
	return nil
}

// Walk calls fn for every entry in buf, in capture order. For regular files
// content yields the file's bytes; it is empty for other entries.
func Walk(buf []byte, fn func(e Entry, content io.Reader) error) error {
	r, err := Decode(buf)
	if err != nil {
		return err
	}
	defer r.Close()
	for {
		e, err := r.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(e, r); err != nil {
			return err
		}
	}
}
