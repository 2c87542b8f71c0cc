package bup

import (
	"compress/bzip2"
	"compress/gzip"
	"fmt"
	"io"

	dsnetbzip2 "github.com/dsnet/compress/bzip2"
	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz"
)

// newDecodeReader wraps r with the decompressor for format.
func newDecodeReader(format CompressionFormat, r io.Reader) (io.Reader, error) {
	switch format {
	case None:
		return r, nil
	case Gzip:
		return gzip.NewReader(r)
	case Xz:
		return xz.NewReader(r)
	case Lz4:
		return lz4.NewReader(r), nil
	case Bzip2:
		return bzip2.NewReader(r), nil
	default:
		return nil, fmt.Errorf("unsupported BUP entry compression format %d", format)
	}
}

// newEncodeWriter wraps w with the compressor for format. Only used by
// the Writer, which exists to build synthetic BUP fixtures for tests;
// compress/bzip2 (stdlib) is decode-only, so the bzip2 case reaches for
// dsnet/compress/bzip2's encoder instead.
func newEncodeWriter(format CompressionFormat, w io.Writer) (io.WriteCloser, error) {
	switch format {
	case None:
		return nopWriteCloser{w}, nil
	case Gzip:
		return gzip.NewWriter(w), nil
	case Xz:
		return xz.NewWriter(w)
	case Lz4:
		return lz4.NewWriter(w), nil
	case Bzip2:
		return dsnetbzip2.NewWriter(w, nil)
	default:
		return nil, fmt.Errorf("unsupported BUP entry compression format %d", format)
	}
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
