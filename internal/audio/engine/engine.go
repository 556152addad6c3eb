package engine

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"

	"github.com/gen2brain/malgo"
	"github.com/rs/zerolog/log"

	"meshvoice/internal/audio/convert"
	"meshvoice/internal/audio/decoder"
	"meshvoice/internal/audio/encoder"
	"meshvoice/internal/audio/resample"
)

const (
	// TargetRate is the opus native rate; everything on the wire runs at it.
	TargetRate = 48000
	// FrameSamples is one 20ms opus frame at TargetRate.
	FrameSamples = 960

	ringSeconds = 2
	rawChanSize = 64
)

// rates opus supports natively, best first; 0 means device default
var preferredRates = []uint32{48000, 24000, 16000, 12000, 8000}

var (
	ErrInputDevice  = errors.New("cannot open capture device")
	ErrOutputDevice = errors.New("cannot open playback device")
)

// Engine bridges the hardware audio device and encoded opus packet streams:
// one capture path feeding a packet sink, and one playback ring per remote
// peer mixed into a single shared output device.
type Engine struct {
	mu  sync.Mutex
	ctx *malgo.AllocatedContext

	capture     *malgo.Device
	captureQuit chan struct{}

	playback     *malgo.Device
	playbackRate int
	streams      streamTable
}

type peerStream struct {
	ring *ring
	quit chan struct{}
}

// streamTable is the per-peer ring registry. It has its own lock because
// the playback hardware callback walks it on a realtime thread and must
// never contend on the engine lock.
type streamTable struct {
	mu    sync.Mutex
	rings map[string]*peerStream
}

func (t *streamTable) put(id string, st *peerStream) (old *peerStream) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.rings == nil {
		t.rings = make(map[string]*peerStream)
	}
	old = t.rings[id]
	t.rings[id] = st
	return old
}

func (t *streamTable) remove(id string) *peerStream {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.rings[id]
	delete(t.rings, id)
	return st
}

func (t *streamTable) drain() []*peerStream {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*peerStream, 0, len(t.rings))
	for id, st := range t.rings {
		out = append(out, st)
		delete(t.rings, id)
	}
	return out
}

func (t *streamTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.rings)
}

func New() *Engine {
	return &Engine{}
}

// must be called with e.mu held
func (e *Engine) ensureContext() error {
	if e.ctx != nil {
		return nil
	}
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(msg string) {
		log.Debug().Str("msg", strings.TrimSpace(msg)).Msg("malgo context message")
	})
	if err != nil {
		return err
	}
	e.ctx = ctx
	return nil
}

// StartCapture opens the default input device at the best rate opus supports
// natively, falling back to the device default, and spawns the encode loop:
// downmix to mono, resample to TargetRate, slice 20ms frames, opus encode,
// forward packets to sink. Capture failure is fatal to a join attempt.
func (e *Engine) StartCapture(sink chan<- []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.capture != nil {
		return nil
	}
	if err := e.ensureContext(); err != nil {
		return fmt.Errorf("%w: %v", ErrInputDevice, err)
	}

	raw := make(chan []float32, rawChanSize)
	onCapture := func(_, input []byte, frameCount uint32) {
		if frameCount == 0 || len(input) == 0 {
			return
		}
		channels := len(input) / int(frameCount) / 2
		mono := convert.DownmixMono(convert.S16BytesToFloat32(input), channels)
		select {
		case raw <- mono:
		default:
			// drop if the encode loop is behind
		}
	}

	dev, rate, err := e.openCapture(onCapture)
	if err != nil {
		return err
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return fmt.Errorf("%w: %v", ErrInputDevice, err)
	}

	e.capture = dev
	e.captureQuit = make(chan struct{})
	go encodeLoop(rate, raw, e.captureQuit, sink)

	log.Info().Int("device_rate", rate).Msg("Capture device started")
	return nil
}

func (e *Engine) openCapture(cb func(out, in []byte, frameCount uint32)) (*malgo.Device, int, error) {
	for _, rate := range append(append([]uint32{}, preferredRates...), 0) {
		cfg := malgo.DefaultDeviceConfig(malgo.Capture)
		cfg.Capture.Format = malgo.FormatS16
		cfg.Capture.Channels = 0 // device native, downmixed in the callback
		cfg.SampleRate = rate
		if runtime.GOOS == "linux" {
			cfg.Alsa.NoMMap = 1
		}
		dev, err := malgo.InitDevice(e.ctx.Context, cfg, malgo.DeviceCallbacks{Data: cb})
		if err != nil {
			log.Debug().Uint32("rate", rate).Err(err).Msg("capture rate rejected")
			continue
		}
		return dev, int(dev.SampleRate()), nil
	}
	return nil, 0, ErrInputDevice
}

func encodeLoop(deviceRate int, raw <-chan []float32, quit <-chan struct{}, sink chan<- []byte) {
	enc, err := encoder.New(TargetRate, 1)
	if err != nil {
		log.Error().Err(err).Msg("failed to create opus encoder")
		return
	}
	rs := resample.New(deviceRate, TargetRate)
	buf := make([]float32, 0, FrameSamples*2)

	for {
		select {
		case <-quit:
			return
		case chunk, ok := <-raw:
			if !ok {
				return
			}
			buf = append(buf, rs.Process(chunk)...)
			for len(buf) >= FrameSamples {
				pkt, err := enc.Encode(buf[:FrameSamples])
				buf = buf[:copy(buf, buf[FrameSamples:])]
				if err != nil {
					log.Warn().Err(err).Msg("opus encode error")
					continue
				}
				if pkt == nil {
					continue // DTX, nothing worth sending
				}
				select {
				case sink <- pkt:
				default:
					// drop packets if the consumer is behind
				}
			}
		}
	}
}

// StartPlayback starts routing one peer's encoded packets to the speakers.
// The first peer opens the shared output device; every peer gets its own
// decode goroutine and ring buffer so one underrun cannot corrupt another
// peer's audio. Replacing an existing peer stream tears down the old one.
func (e *Engine) StartPlayback(peerID string, src <-chan []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ensureContext(); err != nil {
		return fmt.Errorf("%w: %v", ErrOutputDevice, err)
	}
	if e.playback == nil {
		if err := e.openPlayback(); err != nil {
			return err
		}
	}

	st := &peerStream{
		ring: newRing(ringSeconds * e.playbackRate),
		quit: make(chan struct{}),
	}
	if old := e.streams.put(peerID, st); old != nil {
		close(old.quit)
	}
	go decodeLoop(peerID, e.playbackRate, src, st)
	return nil
}

func (e *Engine) openPlayback() error {
	var (
		mix []float32
		tmp []float32
	)
	onPlayback := func(output, _ []byte, frameCount uint32) {
		frames := int(frameCount)
		if len(mix) < frames {
			mix = make([]float32, frames)
			tmp = make([]float32, frames)
		}
		for i := 0; i < frames; i++ {
			mix[i] = 0
		}

		e.streams.mu.Lock()
		for _, st := range e.streams.rings {
			n := st.ring.ReadInto(tmp[:frames])
			for i := 0; i < n; i++ {
				mix[i] += tmp[i]
			}
		}
		e.streams.mu.Unlock()

		convert.Float32ToS16Bytes(mix[:frames], output)
	}

	for _, rate := range append(append([]uint32{}, preferredRates...), 0) {
		cfg := malgo.DefaultDeviceConfig(malgo.Playback)
		cfg.Playback.Format = malgo.FormatS16
		cfg.Playback.Channels = 1
		cfg.SampleRate = rate
		if runtime.GOOS == "linux" {
			cfg.Alsa.NoMMap = 1
		}
		dev, err := malgo.InitDevice(e.ctx.Context, cfg, malgo.DeviceCallbacks{Data: onPlayback})
		if err != nil {
			log.Debug().Uint32("rate", rate).Err(err).Msg("playback rate rejected")
			continue
		}
		if err := dev.Start(); err != nil {
			dev.Uninit()
			return fmt.Errorf("%w: %v", ErrOutputDevice, err)
		}
		e.playback = dev
		e.playbackRate = int(dev.SampleRate())
		log.Info().Int("device_rate", e.playbackRate).Msg("Playback device started")
		return nil
	}
	return ErrOutputDevice
}

func decodeLoop(peerID string, deviceRate int, src <-chan []byte, st *peerStream) {
	dec, err := decoder.New(TargetRate, 1)
	if err != nil {
		log.Error().Err(err).Msg("failed to create opus decoder")
		return
	}
	rs := resample.New(TargetRate, deviceRate)

	for {
		select {
		case <-st.quit:
			return
		case pkt, ok := <-src:
			if !ok {
				return
			}
			samples, err := dec.Decode(pkt)
			if err != nil {
				log.Debug().Str("peer", peerID).Err(err).Msg("opus decode error")
				continue
			}
			if dropped := st.ring.Write(rs.Process(samples)); dropped > 0 {
				log.Debug().Str("peer", peerID).Int("dropped", dropped).Msg("playback ring overflow")
			}
		}
	}
}

// RemovePeerStream tears down exactly one peer's decode loop and ring.
// Removing an absent peer is a no-op. The shared output device is closed
// when the last stream goes away.
func (e *Engine) RemovePeerStream(peerID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if st := e.streams.remove(peerID); st != nil {
		close(st.quit)
	}
	if e.playback != nil && e.streams.size() == 0 {
		e.playback.Uninit()
		e.playback = nil
	}
}

// Reset stops the capture stream and all playback streams unconditionally.
// Safe to call when nothing is running; called before every join and on
// leave so a rejoin always starts from a clean slate.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.capture != nil {
		e.capture.Uninit()
		e.capture = nil
		close(e.captureQuit)
		e.captureQuit = nil
	}
	for _, st := range e.streams.drain() {
		close(st.quit)
	}
	if e.playback != nil {
		e.playback.Uninit()
		e.playback = nil
	}
}

// Close releases the underlying audio context. The engine is unusable after.
func (e *Engine) Close() {
	e.Reset()
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ctx != nil {
		_ = e.ctx.Uninit()
		e.ctx.Free()
		e.ctx = nil
	}
}
