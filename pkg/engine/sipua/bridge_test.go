package sipua

import (
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/rtap_phone/pkg/engine"
)

type fakePort struct {
	mu      sync.Mutex
	frame   []int16
	reads   int
	written [][]int16
}

func (p *fakePort) readFrame() []int16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reads++
	return p.frame
}

func (p *fakePort) writeFrame(f []int16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.written = append(p.written, f)
}

func constFrame(v int16) []int16 {
	f := make([]int16, frameSamples)
	for i := range f {
		f[i] = v
	}
	return f
}

func TestBridgeConnect(t *testing.T) {
	b := newBridge(0)
	src := &fakePort{frame: constFrame(100)}
	dst := &fakePort{}

	s1 := b.add(src)
	s2 := b.add(dst)
	assert.Equal(t, engine.Slot(0), s1)
	assert.Equal(t, engine.Slot(1), s2)

	require.NoError(t, b.connect(s1, s2))
	assert.True(t, b.linked(s1, s2))
	assert.False(t, b.linked(s2, s1))

	b.tick()
	require.Len(t, dst.written, 1)
	assert.Equal(t, constFrame(100), dst.written[0])
	assert.Empty(t, src.written, "links are one way")

	require.NoError(t, b.disconnect(s1, s2))
	b.tick()
	assert.Len(t, dst.written, 1)
}

func TestBridgeErrors(t *testing.T) {
	b := newBridge(0)
	s := b.add(&fakePort{})

	assert.ErrorIs(t, b.connect(s, 42), engine.ErrInvalidSlot)
	assert.ErrorIs(t, b.connect(42, s), engine.ErrInvalidSlot)
	assert.ErrorIs(t, b.disconnect(s, s), engine.ErrInvalidSlot)
}

func TestBridgeMixesSources(t *testing.T) {
	b := newBridge(0)
	a := &fakePort{frame: constFrame(1000)}
	c := &fakePort{frame: constFrame(-300)}
	dst1 := &fakePort{}
	dst2 := &fakePort{}

	sa, sc := b.add(a), b.add(c)
	s1, s2 := b.add(dst1), b.add(dst2)
	require.NoError(t, b.connect(sa, s1))
	require.NoError(t, b.connect(sc, s1))
	require.NoError(t, b.connect(sa, s2))

	b.tick()
	require.Len(t, dst1.written, 1)
	assert.Equal(t, constFrame(700), dst1.written[0])
	assert.Equal(t, constFrame(1000), dst2.written[0])
	assert.Equal(t, 1, a.reads, "a source is read once per tick")
}

func TestBridgeRemove(t *testing.T) {
	b := newBridge(0)
	src := &fakePort{frame: constFrame(1)}
	dst := &fakePort{}
	s1, s2 := b.add(src), b.add(dst)
	require.NoError(t, b.connect(s1, s2))

	b.remove(s1)
	assert.False(t, b.linked(s1, s2))
	b.tick()
	assert.Empty(t, dst.written)

	assert.Equal(t, engine.Slot(2), b.add(&fakePort{}), "slots are not reused")
}

func TestMixSaturates(t *testing.T) {
	got := mix(constFrame(math.MaxInt16-10), constFrame(100))
	assert.Equal(t, constFrame(math.MaxInt16), got)

	got = mix(constFrame(math.MinInt16+10), constFrame(-100))
	assert.Equal(t, constFrame(math.MinInt16), got)

	assert.Nil(t, mix(nil, nil))
}
