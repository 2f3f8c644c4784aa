package ringbuf

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lightnvr/engine/internal/recorderlog"
)

// defaultMaxPooledPayload bounds the payload sizes FramePool's embedded
// PayloadPool will bucket and reuse; encoded frames larger than this (rare,
// typically an IDR frame at high bitrate) are simply allocated fresh, per
// PayloadPool's own oversize behavior.
const defaultMaxPooledPayload = 8 * 1024 * 1024

// FramePool recycles *Frame allocations, and the []byte payloads they
// carry, to reduce GC pressure under sustained high frame rates; grounded
// on the donor's buffer.FramePool (frame recycling) and buffer.ImageDataPool
// (payload bucketing), combined here since a Frame and its Payload always
// travel and get evicted together.
type FramePool struct {
	pool    sync.Pool
	payload *PayloadPool
	logger  recorderlog.Logger

	allocated atomic.Uint64
	inUse     atomic.Uint64
	returned  atomic.Uint64
	gets      atomic.Uint64
	puts      atomic.Uint64
	misses    atomic.Uint64
}

// NewFramePool creates a frame pool; sizeHint is advisory only, the
// underlying sync.Pool grows and shrinks on its own.
func NewFramePool(sizeHint int) *FramePool {
	fp := &FramePool{
		payload: NewPayloadPool(defaultMaxPooledPayload),
		logger:  recorderlog.L().Named("frame-pool"),
	}
	fp.pool.New = func() interface{} {
		fp.allocated.Add(1)
		return &Frame{pooled: true}
	}
	return fp
}

// Get retrieves a frame from the pool, allocating one if the pool is empty.
func (fp *FramePool) Get() *Frame {
	fp.gets.Add(1)
	v := fp.pool.Get()
	if v == nil {
		fp.misses.Add(1)
		fp.allocated.Add(1)
		v = &Frame{pooled: true}
	}
	fp.inUse.Add(1)
	f := v.(*Frame)
	f.pooled = true
	return f
}

// GetWithPayload retrieves a pooled frame and copies src into a payload
// buffer drawn from the pool's PayloadPool, so the returned frame owns
// memory independent of src (which the caller, e.g. a Source
// implementation, may reuse or overwrite as soon as ReadFrame returns).
func (fp *FramePool) GetWithPayload(src []byte) *Frame {
	f := fp.Get()
	if len(src) == 0 {
		f.Payload = nil
		return f
	}
	buf := fp.payload.Get(len(src))
	copy(buf, src)
	f.Payload = buf
	return f
}

// Put returns a frame to the pool after zeroing its fields, recycling its
// payload buffer into the PayloadPool rather than discarding it.
func (fp *FramePool) Put(frame *Frame) {
	if frame == nil || !frame.pooled {
		return
	}
	fp.puts.Add(1)

	if frame.Payload != nil {
		fp.payload.Put(frame.Payload)
	}
	frame.Payload = nil
	frame.Timestamp = time.Time{}
	frame.PTS = 0
	frame.Sequence = 0
	frame.Keyframe = false
	frame.Kind = KindVideo

	fp.pool.Put(frame)
	if fp.inUse.Load() > 0 {
		fp.inUse.Add(^uint64(0))
	}
	fp.returned.Add(1)
}

// PayloadPool returns the pool's embedded payload buffer pool, for
// registering with a MemoryManager.
func (fp *FramePool) PayloadPool() *PayloadPool { return fp.payload }

// Metrics returns pool statistics for the ambient metrics registry.
func (fp *FramePool) Metrics() map[string]uint64 {
	return map[string]uint64{
		"allocated": fp.allocated.Load(),
		"in_use":    fp.inUse.Load(),
		"returned":  fp.returned.Load(),
		"gets":      fp.gets.Load(),
		"puts":      fp.puts.Load(),
		"misses":    fp.misses.Load(),
	}
}

// PayloadPool buckets []byte allocations by power-of-two size to reuse
// frame payload buffers across pushes; grounded on the donor's
// buffer.ImageDataPool, generalized from image-specific sizing to raw
// codec payload sizing since frames here carry encoded bytes, not images.
type PayloadPool struct {
	pools   map[int]*sync.Pool
	maxSize int
	mu      sync.RWMutex

	allocated atomic.Uint64
	inUse     atomic.Uint64
	hits      atomic.Uint64
	misses    atomic.Uint64
}

// NewPayloadPool creates a payload pool that stops pooling buffers larger
// than maxSize (large frames are simply allocated fresh each time).
func NewPayloadPool(maxSize int) *PayloadPool {
	return &PayloadPool{pools: make(map[int]*sync.Pool), maxSize: maxSize}
}

func roundUpPowerOf2(n int) int {
	if n <= 1 {
		return 1
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// Get returns a []byte of at least size bytes.
func (p *PayloadPool) Get(size int) []byte {
	if size <= 0 {
		return nil
	}
	poolSize := roundUpPowerOf2(size)
	if poolSize > p.maxSize {
		p.misses.Add(1)
		return make([]byte, size)
	}

	p.mu.RLock()
	pool, ok := p.pools[poolSize]
	p.mu.RUnlock()
	if !ok {
		p.mu.Lock()
		pool, ok = p.pools[poolSize]
		if !ok {
			localSize := poolSize
			pool = &sync.Pool{New: func() interface{} {
				p.allocated.Add(1)
				return make([]byte, localSize)
			}}
			p.pools[poolSize] = pool
		}
		p.mu.Unlock()
	}

	buf := pool.Get().([]byte)
	if len(buf) < size {
		p.misses.Add(1)
		return make([]byte, size)
	}
	p.hits.Add(1)
	p.inUse.Add(1)
	return buf[:size]
}

// Put returns a buffer to the pool.
func (p *PayloadPool) Put(buf []byte) {
	if buf == nil {
		return
	}
	size := cap(buf)
	if size <= 0 {
		return
	}
	poolSize := roundUpPowerOf2(size)
	if poolSize > p.maxSize {
		return
	}

	p.mu.RLock()
	pool, ok := p.pools[poolSize]
	p.mu.RUnlock()
	if ok {
		for i := range buf {
			buf[i] = 0
		}
		pool.Put(buf[:cap(buf)])
		if p.inUse.Load() > 0 {
			p.inUse.Add(^uint64(0))
		}
	}
}

// MemoryManager tracks process memory usage and forces pool trims under
// pressure; grounded on the donor's buffer.MemoryManager.
type MemoryManager struct {
	framePools   []*FramePool
	payloadPools []*PayloadPool
	maxMemory    uint64
	mu           sync.RWMutex
	logger       recorderlog.Logger
}

// NewMemoryManager creates a manager that considers process memory over
// maxMemoryMB to be under pressure.
func NewMemoryManager(maxMemoryMB int) *MemoryManager {
	return &MemoryManager{
		maxMemory: uint64(maxMemoryMB) * 1024 * 1024,
		logger:    recorderlog.L().Named("memory-manager"),
	}
}

// RegisterFramePool tracks a pool for pressure-triggered clearing.
func (mm *MemoryManager) RegisterFramePool(p *FramePool) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	mm.framePools = append(mm.framePools, p)
}

// RegisterPayloadPool tracks a pool for pressure-triggered clearing.
func (mm *MemoryManager) RegisterPayloadPool(p *PayloadPool) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	mm.payloadPools = append(mm.payloadPools, p)
}

// CheckMemoryPressure reports whether current heap allocation exceeds the
// configured ceiling. When it does, it logs the in-use counts of every
// registered pool to help diagnose which stream is driving the pressure.
func (mm *MemoryManager) CheckMemoryPressure() bool {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	if m.Alloc <= mm.maxMemory {
		return false
	}

	mm.logger.Warn("memory pressure detected",
		recorderlog.Uint64("current_mb", m.Alloc/1024/1024),
		recorderlog.Uint64("max_mb", mm.maxMemory/1024/1024))

	mm.mu.RLock()
	defer mm.mu.RUnlock()
	var framesInUse, payloadsInUse uint64
	for _, fp := range mm.framePools {
		framesInUse += fp.Metrics()["in_use"]
	}
	for _, pp := range mm.payloadPools {
		payloadsInUse += pp.inUse.Load()
	}
	mm.logger.Warn("registered pool usage at pressure event",
		recorderlog.Int("frame_pools", len(mm.framePools)),
		recorderlog.Uint64("frames_in_use", framesInUse),
		recorderlog.Int("payload_pools", len(mm.payloadPools)),
		recorderlog.Uint64("payload_buffers_in_use", payloadsInUse))
	return true
}

// StartMonitoring runs CheckMemoryPressure on a ticker and forces a GC pass
// when the ceiling is exceeded, for the lifetime of the process.
func (mm *MemoryManager) StartMonitoring(interval time.Duration, stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if mm.CheckMemoryPressure() {
					runtime.GC()
				}
			}
		}
	}()
}
