// internal/archive/codec.go
package archive

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

// Codec names
const (
	CodecZstd   = "zstd"
	CodecSnappy = "snappy"
	CodecNone   = "none"
)

// decoderMaxMemory bounds a single zstd window while reading artifacts
const decoderMaxMemory = 256 * 1024 * 1024

// Codec wraps streams with a compression format
type Codec interface {
	Name() string
	Extension() string
	Compressed() bool
	NewWriter(dst io.Writer) (io.WriteCloser, error)
	NewReader(src io.Reader) (io.ReadCloser, error)
}

// Lookup returns the codec registered under name
func Lookup(name string) (Codec, error) {
	switch name {
	case CodecZstd, "":
		return NewZstdCodec(3)
	case CodecSnappy:
		return SnappyCodec{}, nil
	case CodecNone:
		return NoopCodec{}, nil
	default:
		return nil, fmt.Errorf("archive: unknown codec %q", name)
	}
}

// ZstdCodec compresses with zstd
type ZstdCodec struct {
	level int
}

// NewZstdCodec creates a zstd codec at the given level
func NewZstdCodec(level int) (*ZstdCodec, error) {
	if level < 1 || level > 19 {
		return nil, fmt.Errorf("archive: zstd level must be 1-19, got %d", level)
	}
	return &ZstdCodec{level: level}, nil
}

func (c *ZstdCodec) Name() string      { return CodecZstd }
func (c *ZstdCodec) Extension() string { return ".zst" }
func (c *ZstdCodec) Compressed() bool  { return true }

func (c *ZstdCodec) NewWriter(dst io.Writer) (io.WriteCloser, error) {
	encoder, err := zstd.NewWriter(dst,
		zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(c.level)),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		return nil, fmt.Errorf("archive: create zstd encoder: %w", err)
	}
	return encoder, nil
}

func (c *ZstdCodec) NewReader(src io.Reader) (io.ReadCloser, error) {
	decoder, err := zstd.NewReader(src,
		zstd.WithDecoderConcurrency(1),
		zstd.WithDecoderMaxMemory(decoderMaxMemory),
	)
	if err != nil {
		return nil, fmt.Errorf("archive: create zstd decoder: %w", err)
	}
	return decoder.IOReadCloser(), nil
}

// SnappyCodec uses the snappy framing format
type SnappyCodec struct{}

func (SnappyCodec) Name() string      { return CodecSnappy }
func (SnappyCodec) Extension() string { return ".sz" }
func (SnappyCodec) Compressed() bool  { return true }

func (SnappyCodec) NewWriter(dst io.Writer) (io.WriteCloser, error) {
	return snappy.NewBufferedWriter(dst), nil
}

func (SnappyCodec) NewReader(src io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(snappy.NewReader(src)), nil
}

// NoopCodec stores artifacts uncompressed
type NoopCodec struct{}

func (NoopCodec) Name() string      { return CodecNone }
func (NoopCodec) Extension() string { return "" }
func (NoopCodec) Compressed() bool  { return false }

func (NoopCodec) NewWriter(dst io.Writer) (io.WriteCloser, error) {
	return nopWriteCloser{dst}, nil
}

func (NoopCodec) NewReader(src io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(src), nil
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

// DigestWriter counts and hashes everything written through it
type DigestWriter struct {
	w     io.Writer
	hash  hash.Hash
	count int64
}

// NewDigestWriter wraps w with a sha256 digest
func NewDigestWriter(w io.Writer) *DigestWriter {
	return &DigestWriter{w: w, hash: sha256.New()}
}

func (d *DigestWriter) Write(p []byte) (int, error) {
	n, err := d.w.Write(p)
	d.hash.Write(p[:n])
	d.count += int64(n)
	return n, err
}

// Sum returns the hex digest of the bytes written so far
func (d *DigestWriter) Sum() string {
	return hex.EncodeToString(d.hash.Sum(nil))
}

// Size returns the number of bytes written so far
func (d *DigestWriter) Size() int64 {
	return d.count
}

// Checksum returns the sha256 hex digest and length of r
func Checksum(r io.Reader) (string, int64, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", n, fmt.Errorf("archive: checksum: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// Compress streams src through codec into dst and returns the uncompressed length
func Compress(codec Codec, dst io.Writer, src io.Reader) (int64, error) {
	w, err := codec.NewWriter(dst)
	if err != nil {
		return 0, err
	}
	written, err := io.Copy(w, src)
	if err != nil {
		_ = w.Close()
		return written, fmt.Errorf("archive: compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return written, fmt.Errorf("archive: flush: %w", err)
	}
	return written, nil
}

// Decompress streams src through codec into dst and returns the decompressed length
func Decompress(codec Codec, dst io.Writer, src io.Reader) (int64, error) {
	r, err := codec.NewReader(src)
	if err != nil {
		return 0, err
	}
	defer func() { _ = r.Close() }()

	written, err := io.Copy(dst, r)
	if err != nil {
		return written, fmt.Errorf("archive: decompress: %w", err)
	}
	return written, nil
}
