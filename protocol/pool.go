package protocol

import (
	"bytes"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

var (
	zstdEncoderPool = sync.Pool{New: func() any {
		enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest), zstd.WithEncoderConcurrency(1))
		return enc
	}}
	zstdDecoderPool = sync.Pool{New: func() any {
		dec, _ := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
		return dec
	}}
	gzipWriterPool = sync.Pool{New: func() any {
		w, _ := gzip.NewWriterLevel(nil, gzip.BestSpeed)
		return w
	}}
	bufferPool = sync.Pool{New: func() any { return new(bytes.Buffer) }}
)

func getZstdEncoder() *zstd.Encoder  { return zstdEncoderPool.Get().(*zstd.Encoder) }
func putZstdEncoder(e *zstd.Encoder) { zstdEncoderPool.Put(e) }
func getZstdDecoder() *zstd.Decoder  { return zstdDecoderPool.Get().(*zstd.Decoder) }
func putZstdDecoder(d *zstd.Decoder) { zstdDecoderPool.Put(d) }
func getGzipWriter() *gzip.Writer    { return gzipWriterPool.Get().(*gzip.Writer) }
func putGzipWriter(w *gzip.Writer)   { gzipWriterPool.Put(w) }

func getBuffer() *bytes.Buffer {
	b := bufferPool.Get().(*bytes.Buffer)
	b.Reset()
	return b
}

func putBuffer(b *bytes.Buffer) {
	// 过大的缓冲不回收，避免长期占用内存
	if b.Cap() > 1<<20 {
		return
	}
	bufferPool.Put(b)
}
