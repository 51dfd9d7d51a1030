package audio

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"
)

// frameDuration is the chunk size each source pump reads.
const frameDuration = 20 * time.Millisecond

// inputBacklog bounds how many frames a source may run ahead of the reader.
const inputBacklog = 50

// jitterWait bounds how long Read holds a frame back for a lagging source
// before mixing it in as silence.
const jitterWait = 2 * frameDuration

type graphInput struct {
	label   string
	gain    float32
	frames  chan []int16
	pending []int16
	done    bool
}

// fillLocked pulls queued frames without blocking until at least n samples
// are pending.
func (in *graphInput) fillLocked(n int) {
	for len(in.pending) < n && !in.done {
		select {
		case f, ok := <-in.frames:
			if !ok {
				in.done = true
				return
			}
			in.pending = append(in.pending, f...)
		default:
			return
		}
	}
}

// Graph mixes any number of source tracks into one destination stream.
// Each source is drained by its own pump goroutine. Read mixes one frame
// from every live source in step and emits 16-bit little-endian mono PCM,
// so the merged stream runs at the sources' pace.
//
// It is safe to call methods on Graph from multiple goroutines.
type Graph struct {
	sampleRate int

	mu     sync.Mutex
	inputs []*graphInput
	closed bool
	buf    []float32

	notify chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewGraph creates an empty mixing graph running at sampleRate.
func NewGraph(sampleRate int) *Graph {
	return &Graph{
		sampleRate: sampleRate,
		notify:     make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

// SampleRate returns the output sample rate.
func (g *Graph) SampleRate() int {
	return g.sampleRate
}

// FrameSamples returns the number of samples a pump reads per frame.
func (g *Graph) FrameSamples() int {
	n := int(int64(g.sampleRate) * int64(frameDuration) / int64(time.Second))
	if n < 1 {
		n = 1
	}
	return n
}

// Connect routes track into the destination with the given gain.
func (g *Graph) Connect(track Track, gain float32) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return fmt.Errorf("audio/graph: connect %s: %w", track.Label(), io.ErrClosedPipe)
	}
	in := &graphInput{
		label:  track.Label(),
		gain:   gain,
		frames: make(chan []int16, inputBacklog),
	}
	g.inputs = append(g.inputs, in)
	g.wg.Add(1)
	go g.pump(track, in)
	return nil
}

func (g *Graph) pump(track Track, in *graphInput) {
	defer g.wg.Done()
	defer func() {
		close(in.frames)
		g.signal()
	}()

	size := g.FrameSamples()
	for {
		buf := make([]int16, size)
		n, err := track.Read(buf)
		if n > 0 {
			select {
			case in.frames <- buf[:n]:
				g.signal()
			case <-g.done:
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (g *Graph) signal() {
	select {
	case g.notify <- struct{}{}:
	default:
	}
}

// Read mixes at most one frame of source audio into p. It waits until every
// live source has a full frame, or until jitterWait has passed since audio
// became available, in which case lagging sources contribute silence. It
// returns io.EOF once every source has ended.
func (g *Graph) Read(p []byte) (int, error) {
	want := min(len(p)/2, g.FrameSamples())
	if want == 0 {
		return 0, nil
	}

	var (
		timer   *time.Timer
		timeout <-chan time.Time
		expired bool
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		g.mu.Lock()
		if g.closed {
			g.mu.Unlock()
			return 0, io.ErrClosedPipe
		}
		live, lagging, avail := 0, 0, 0
		for _, in := range g.inputs {
			in.fillLocked(want)
			if in.done && len(in.pending) == 0 {
				continue
			}
			live++
			avail = max(avail, len(in.pending))
			if !in.done && len(in.pending) < want {
				lagging++
			}
		}
		if live == 0 && len(g.inputs) > 0 {
			g.mu.Unlock()
			return 0, io.EOF
		}
		if avail > 0 && (lagging == 0 || expired) {
			n := min(want, avail)
			g.mixLocked(p, n)
			g.mu.Unlock()
			return n * 2, nil
		}
		g.mu.Unlock()

		if avail > 0 && timer == nil {
			timer = time.NewTimer(jitterWait)
			timeout = timer.C
		}
		select {
		case <-g.notify:
		case <-timeout:
			expired = true
		case <-g.done:
		}
	}
}

func (g *Graph) mixLocked(p []byte, n int) {
	if len(g.buf) < n {
		g.buf = make([]float32, n)
	}
	buf := g.buf[:n]
	for i := range buf {
		buf[i] = 0
	}

	for _, in := range g.inputs {
		k := min(n, len(in.pending))
		for i := 0; i < k; i++ {
			s := float32(in.pending[i])
			if s >= 0 {
				s /= 32767
			} else {
				s /= 32768
			}
			buf[i] += s * in.gain
		}
		in.pending = in.pending[k:]
	}

	for i, t := range buf {
		if t > 1 {
			t = 1
		} else if t < -1 {
			t = -1
		}
		var v int16
		if t >= 0 {
			v = int16(t * 32767)
		} else {
			v = int16(t * 32768)
		}
		binary.LittleEndian.PutUint16(p[i*2:], uint16(v))
	}
}

// Inputs returns the number of connected sources.
func (g *Graph) Inputs() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.inputs)
}

// Close tears the graph down. Pumps exit once their tracks are stopped.
func (g *Graph) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	close(g.done)
	g.mu.Unlock()
	return nil
}

// Wait blocks until every pump has exited.
func (g *Graph) Wait() {
	g.wg.Wait()
}
