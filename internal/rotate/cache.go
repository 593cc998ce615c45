package rotate

import (
	"fmt"
	"time"

	"github.com/gokrazy/sunxihwc/internal/fence"
	"github.com/gokrazy/sunxihwc/internal/hwclog"
	"github.com/gokrazy/sunxihwc/internal/sunxi"
)

// CacheSize is the number of rotation destinations kept.
const CacheSize = 3

// DefaultFenceTimeout bounds the wait for the display to let go of a
// destination before it is overwritten.
const DefaultFenceTimeout = 300 * time.Millisecond

// A buffer larger than requested is reused if it wastes no more than this.
const slack = 4096

// Buffer is one rotation destination.
type Buffer struct {
	ShareFD int
	Size    int
	// Sync is the frame the buffer was last written for, 0 when free.
	Sync   uint32
	Secure bool
	// Valid is set once a rotation into the buffer finished.
	Valid bool

	fence int // release fence of the frame that showed the buffer
}

// Cache is a ring of rotation destinations allocated from ION.
type Cache struct {
	FenceTimeout time.Duration

	k    sunxi.Kernel
	ops  fence.Ops
	bufs [CacheSize]Buffer
}

func NewCache(k sunxi.Kernel, ops fence.Ops) *Cache {
	c := &Cache{
		FenceTimeout: DefaultFenceTimeout,
		k:            k,
		ops:          ops,
	}
	for i := range c.bufs {
		c.bufs[i] = Buffer{ShareFD: -1, fence: -1}
	}
	return c
}

// Acquire returns the least recently used destination, sized for size
// bytes, after waiting for the display to release it. releaseFence is
// dup'd and guards the buffer from the next Acquire on.
func (c *Cache) Acquire(size int, releaseFence int, sync uint32, secure bool) (*Buffer, error) {
	log := hwclog.Get()
	lru := 0
	for i := range c.bufs {
		if c.bufs[i].Sync == 0 {
			lru = i
			break
		}
		if c.bufs[i].Sync < c.bufs[lru].Sync {
			lru = i
		}
	}
	b := &c.bufs[lru]
	if b.fence >= 0 {
		if err := c.ops.Wait(b.fence, c.FenceTimeout); err != nil {
			log.Warn("rotate: waiting for release fence",
				"fd", b.fence,
				"sync", b.Sync,
				"size", b.Size,
				"err", err)
		}
		b.fence = fence.CloseValid(c.ops, b.fence)
	}
	keep := b.ShareFD >= 0 && b.Secure == secure && size <= b.Size && b.Size-size <= slack
	if !keep {
		b.ShareFD = fence.CloseValid(c.ops, b.ShareFD)
		b.Size = 0
		fd, err := c.alloc(size, secure)
		if err != nil {
			return nil, err
		}
		if !secure {
			if err := c.k.SyncCache(fd); err != nil {
				log.Debug("rotate: cache sync", "fd", fd, "err", err)
			}
		}
		b.ShareFD = fd
		b.Size = size
		b.Secure = secure
	}
	b.Sync = sync
	b.Valid = false
	b.fence = fence.DupValid(c.ops, releaseFence)
	return b, nil
}

func (c *Cache) alloc(size int, secure bool) (int, error) {
	if secure {
		fd, err := c.k.Alloc(size, sunxi.HeapSecure)
		if err != nil {
			return -1, fmt.Errorf("%w: secure heap: %v", ErrUnavailable, err)
		}
		return fd, nil
	}
	fd, err := c.k.Alloc(size, sunxi.HeapDMA)
	if err == nil {
		return fd, nil
	}
	hwclog.Get().Debug("rotate: dma heap exhausted", "size", size, "err", err)
	fd, err = c.k.Alloc(size, sunxi.HeapSystemContig)
	if err != nil {
		return -1, fmt.Errorf("%w: contiguous heap: %v", ErrUnavailable, err)
	}
	return fd, nil
}

// MostRecentValid returns the newest finished rotation not written for
// frame except, or nil.
func (c *Cache) MostRecentValid(except uint32) *Buffer {
	var best *Buffer
	for i := range c.bufs {
		b := &c.bufs[i]
		if !b.Valid || b.Sync == 0 || b.Sync == except || b.ShareFD < 0 {
			continue
		}
		if best == nil || b.Sync > best.Sync {
			best = b
		}
	}
	return best
}

// Free closes all destinations.
func (c *Cache) Free() {
	for i := range c.bufs {
		b := &c.bufs[i]
		fence.CloseValid(c.ops, b.ShareFD)
		fence.CloseValid(c.ops, b.fence)
		c.bufs[i] = Buffer{ShareFD: -1, fence: -1}
	}
}
