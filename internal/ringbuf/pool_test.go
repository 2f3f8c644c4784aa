package ringbuf

import "testing"

func TestFramePoolGetWithPayloadCopiesSource(t *testing.T) {
	fp := NewFramePool(4)
	src := []byte("hello")
	f := fp.GetWithPayload(src)

	if string(f.Payload) != "hello" {
		t.Fatalf("Payload = %q, want %q", f.Payload, "hello")
	}
	src[0] = 'X'
	if f.Payload[0] == 'X' {
		t.Fatal("frame payload shares backing array with src, expected an independent copy")
	}
}

func TestFramePoolPutRecyclesPayloadIntoPayloadPool(t *testing.T) {
	fp := NewFramePool(4)
	f := fp.GetWithPayload([]byte("recycled-bytes"))
	fp.Put(f)

	buf := fp.PayloadPool().Get(len("recycled-bytes"))
	if len(buf) != len("recycled-bytes") {
		t.Fatalf("len(buf) = %d, want %d", len(buf), len("recycled-bytes"))
	}
}

func TestMemoryManagerRegistersPoolsFromPoolEnable(t *testing.T) {
	mm := NewMemoryManager(1)
	p := NewPool().WithMemoryManager(mm)
	p.Enable("cam1", New(4))

	mm.mu.RLock()
	defer mm.mu.RUnlock()
	if len(mm.framePools) != 1 {
		t.Fatalf("framePools registered = %d, want 1", len(mm.framePools))
	}
	if len(mm.payloadPools) != 1 {
		t.Fatalf("payloadPools registered = %d, want 1", len(mm.payloadPools))
	}
}

func TestCheckMemoryPressureFalseUnderCeiling(t *testing.T) {
	mm := NewMemoryManager(1 << 20) // 1TB, comfortably above any test heap
	if mm.CheckMemoryPressure() {
		t.Fatal("expected no pressure with a 1TB ceiling")
	}
}

func TestFramePoolGetPutRecycles(t *testing.T) {
	fp := NewFramePool(4)
	f := fp.Get()
	f.Payload = []byte("hello")
	f.Keyframe = true
	fp.Put(f)

	m := fp.Metrics()
	if m["puts"] != 1 {
		t.Fatalf("puts = %d, want 1", m["puts"])
	}

	f2 := fp.Get()
	if f2.Payload != nil {
		t.Fatalf("recycled frame payload = %v, want nil (zeroed on Put)", f2.Payload)
	}
	if f2.Keyframe {
		t.Fatal("recycled frame Keyframe should be reset to false")
	}
}

func TestFramePoolPutIgnoresUnpooledFrame(t *testing.T) {
	fp := NewFramePool(4)
	f := &Frame{Payload: []byte("x")} // pooled: false
	fp.Put(f)

	m := fp.Metrics()
	if m["puts"] != 0 {
		t.Fatalf("puts = %d, want 0 for an unpooled frame", m["puts"])
	}
}

func TestPayloadPoolRoundTrip(t *testing.T) {
	pp := NewPayloadPool(1 << 20)
	buf := pp.Get(100)
	if len(buf) != 100 {
		t.Fatalf("len(buf) = %d, want 100", len(buf))
	}
	for i := range buf {
		buf[i] = byte(i)
	}
	pp.Put(buf)

	buf2 := pp.Get(100)
	if len(buf2) != 100 {
		t.Fatalf("len(buf2) = %d, want 100", len(buf2))
	}
	for i, b := range buf2 {
		if b != 0 {
			t.Fatalf("recycled payload not zeroed at index %d: %d", i, b)
		}
	}
}

func TestPayloadPoolSkipsOversizeBuffers(t *testing.T) {
	pp := NewPayloadPool(64)
	buf := pp.Get(1024)
	if len(buf) != 1024 {
		t.Fatalf("len(buf) = %d, want 1024", len(buf))
	}
	// Put should be a no-op for buffers over maxSize; nothing to assert
	// beyond "does not panic".
	pp.Put(buf)
}

func TestPayloadPoolGetZeroSize(t *testing.T) {
	pp := NewPayloadPool(64)
	if buf := pp.Get(0); buf != nil {
		t.Fatalf("Get(0) = %v, want nil", buf)
	}
}

func TestRoundUpPowerOf2(t *testing.T) {
	cases := map[int]int{
		0:  1,
		1:  1,
		2:  2,
		3:  4,
		5:  8,
		16: 16,
		17: 32,
	}
	for in, want := range cases {
		if got := roundUpPowerOf2(in); got != want {
			t.Errorf("roundUpPowerOf2(%d) = %d, want %d", in, got, want)
		}
	}
}
