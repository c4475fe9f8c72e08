package sipua

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/arzzra/rtap_phone/pkg/engine"
)

const (
	sampleRate = 8000
	// frameSamples is one 20 ms frame at 8 kHz
	frameSamples = 160
)

// port is a member of the conference bridge
type port interface {
	// readFrame returns the next frame produced by the port or nil when it
	// has nothing to send
	readFrame() []int16
	// writeFrame receives the mix of every source connected to the port
	writeFrame(frame []int16)
}

// bridge mixes 20 ms frames between numbered ports.
//
// Links are directed: connect(src, dst) makes dst hear src. Every source is
// read once per tick no matter how many destinations it feeds.
type bridge struct {
	mu    sync.Mutex
	ports map[engine.Slot]port
	// links maps a destination slot to its sources
	links map[engine.Slot]map[engine.Slot]struct{}
	next  engine.Slot
	ptime time.Duration
}

func newBridge(ptime time.Duration) *bridge {
	if ptime <= 0 {
		ptime = 20 * time.Millisecond
	}
	return &bridge{
		ports: make(map[engine.Slot]port),
		links: make(map[engine.Slot]map[engine.Slot]struct{}),
		ptime: ptime,
	}
}

func (b *bridge) add(p port) engine.Slot {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.next
	b.next++
	b.ports[s] = p
	return s
}

// remove drops the port and every link that touches it
func (b *bridge) remove(s engine.Slot) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.ports, s)
	delete(b.links, s)
	for _, srcs := range b.links {
		delete(srcs, s)
	}
}

func (b *bridge) connect(src, dst engine.Slot) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.ports[src]; !ok {
		return fmt.Errorf("%w: %d", engine.ErrInvalidSlot, src)
	}
	if _, ok := b.ports[dst]; !ok {
		return fmt.Errorf("%w: %d", engine.ErrInvalidSlot, dst)
	}
	srcs, ok := b.links[dst]
	if !ok {
		srcs = make(map[engine.Slot]struct{})
		b.links[dst] = srcs
	}
	srcs[src] = struct{}{}
	return nil
}

func (b *bridge) disconnect(src, dst engine.Slot) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	srcs, ok := b.links[dst]
	if !ok {
		return fmt.Errorf("%w: %d -> %d not connected", engine.ErrInvalidSlot, src, dst)
	}
	if _, ok := srcs[src]; !ok {
		return fmt.Errorf("%w: %d -> %d not connected", engine.ErrInvalidSlot, src, dst)
	}
	delete(srcs, src)
	if len(srcs) == 0 {
		delete(b.links, dst)
	}
	return nil
}

func (b *bridge) linked(src, dst engine.Slot) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.links[dst][src]
	return ok
}

type delivery struct {
	dst   port
	frame []int16
}

// tick runs one mixing round. Frames are written after the bridge lock is
// released because call ports write to the network.
func (b *bridge) tick() {
	b.mu.Lock()
	frames := make(map[engine.Slot][]int16)
	var out []delivery
	for dst, srcs := range b.links {
		dp, ok := b.ports[dst]
		if !ok {
			continue
		}
		var mixed []int16
		for src := range srcs {
			f, read := frames[src]
			if !read {
				if sp, ok := b.ports[src]; ok {
					f = sp.readFrame()
				}
				frames[src] = f
			}
			mixed = mix(mixed, f)
		}
		if mixed != nil {
			out = append(out, delivery{dst: dp, frame: mixed})
		}
	}
	b.mu.Unlock()

	for _, d := range out {
		d.dst.writeFrame(d.frame)
	}
}

// run ticks every ptime until ctx is done
func (b *bridge) run(ctx context.Context) {
	t := time.NewTicker(b.ptime)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			b.tick()
		}
	}
}

// mix adds f into acc with saturation. A nil acc takes a copy of f.
func mix(acc, f []int16) []int16 {
	if f == nil {
		return acc
	}
	if acc == nil {
		acc = make([]int16, len(f))
		copy(acc, f)
		return acc
	}
	for i := 0; i < len(acc) && i < len(f); i++ {
		s := int32(acc[i]) + int32(f[i])
		switch {
		case s > math.MaxInt16:
			s = math.MaxInt16
		case s < math.MinInt16:
			s = math.MinInt16
		}
		acc[i] = int16(s)
	}
	return acc
}
