package ring

import (
	"errors"
)

var ErrFull = errors.New("ring: buffer full")

// Buffer 是单 goroutine 使用的环形字节缓冲，作为连接的接收缓冲。
// 并发由调用方保证：只在所属 worker 的 poller 线程中访问。
//
// 弹性缓冲（NewElastic）在第一次写入时才分配，按 2 倍扩容直到 limit，
// 读空后释放超过初始容量的内存，空闲连接不持有接收缓冲。
type Buffer struct {
	buf      []byte
	mask     int
	readPos  int
	writePos int
	scratch  []byte // 跨越环尾时 Bytes 的拼接区

	initial int // 分配时的最小容量
	limit   int // 容量上限
}

func pow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// New 返回固定容量的环形缓冲，容量向上取整为 2 的幂。
func New(capacity int) *Buffer {
	c := pow2(capacity)
	return &Buffer{buf: make([]byte, c), mask: c - 1, initial: c, limit: c}
}

// NewElastic 返回按需分配的环形缓冲：首次写入分配 initial，之后翻倍增长，最多 limit。
func NewElastic(initial, limit int) *Buffer {
	limit = pow2(limit)
	return &Buffer{initial: min(pow2(initial), limit), limit: limit}
}

// Cap 为当前已分配的容量
func (b *Buffer) Cap() int { return len(b.buf) }

// Limit 为容量上限
func (b *Buffer) Limit() int { return b.limit }

func (b *Buffer) Len() int { return b.writePos - b.readPos }

// Free 为扩容到上限后还能写入的字节数
func (b *Buffer) Free() int { return b.limit - b.Len() }

func (b *Buffer) Full() bool { return b.Free() == 0 }

// grow 将底层数组扩到至少 need 字节，并把未读数据搬到头部
func (b *Buffer) grow(need int) {
	size := max(len(b.buf), b.initial)
	for size < need {
		size <<= 1
	}
	nb := make([]byte, size)
	n := b.Len()
	if n > 0 {
		copy(nb, b.Bytes())
	}
	b.buf, b.mask = nb, size-1
	b.readPos, b.writePos = 0, n
	b.scratch = nil
}

// Write 写入尽可能多的数据，返回写入字节数；空间不足时返回 ErrFull。
func (b *Buffer) Write(p []byte) (int, error) {
	n := len(p)
	var err error
	if free := b.Free(); n > free {
		n, err = free, ErrFull
	}
	if n == 0 {
		return 0, err
	}
	if need := b.Len() + n; need > len(b.buf) {
		b.grow(need)
	}
	start := b.writePos & b.mask
	end := start + n
	if end <= len(b.buf) {
		copy(b.buf[start:end], p[:n])
	} else {
		l := len(b.buf) - start
		copy(b.buf[start:], p[:l])
		copy(b.buf[:end-len(b.buf)], p[l:n])
	}
	b.writePos += n
	return n, err
}

// Bytes 返回全部未读数据的连续视图，不前进读指针。
// 返回的切片在下一次 Write/Discard 之前有效。
func (b *Buffer) Bytes() []byte {
	n := b.Len()
	if n == 0 {
		return nil
	}
	start := b.readPos & b.mask
	end := start + n
	if end <= len(b.buf) {
		return b.buf[start:end]
	}
	if cap(b.scratch) < n {
		b.scratch = make([]byte, n)
	}
	out := b.scratch[:n]
	l := len(b.buf) - start
	copy(out[:l], b.buf[start:])
	copy(out[l:], b.buf[:end-len(b.buf)])
	return out
}

// Discard 前进读指针。读空时复位，并释放超过初始容量的内存。
func (b *Buffer) Discard(n int) int {
	ln := b.Len()
	if n > ln {
		n = ln
	}
	b.readPos += n
	if b.readPos == b.writePos {
		b.Reset()
	}
	return n
}

// Reset 丢弃所有未读数据。
func (b *Buffer) Reset() {
	b.readPos, b.writePos = 0, 0
	b.scratch = nil
	if len(b.buf) > b.initial {
		b.buf, b.mask = nil, 0
	}
}
