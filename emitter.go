package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/asticode/go-astiav"
	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/voice"
	"github.com/disgoorg/snowflake/v2"
)

// ===========================
// Voice Emission
// ===========================

var (
	OpusSilence     = []byte{0xf8, 0xff, 0xfe}
	SilenceDuration = 1 * time.Second
)

func init() {
	astiav.SetLogLevel(astiav.LogLevelFatal)
}

// voiceEmitter plays local audio files into a guild voice connection,
// transcoding to opus on the fly.
type voiceEmitter struct {
	client  *bot.Client
	guildID snowflake.ID

	mu           sync.Mutex
	conn         voice.Conn
	provider     *frameProvider
	streamCancel context.CancelFunc
	done         chan error

	pauseMu   sync.RWMutex
	pauseChan chan struct{} // closed while playing, open while paused

	volume atomic.Int32
}

func newVoiceEmitter(client *bot.Client, guildID snowflake.ID) *voiceEmitter {
	e := &voiceEmitter{
		client:    client,
		guildID:   guildID,
		pauseChan: make(chan struct{}),
		done:      make(chan error, 1),
	}
	e.volume.Store(100)
	close(e.pauseChan)
	return e
}

func (e *voiceEmitter) Connect(ctx context.Context, channelID snowflake.ID) error {
	e.mu.Lock()
	if e.conn == nil {
		e.conn = e.client.VoiceManager.CreateConn(e.guildID)
	}
	conn := e.conn
	e.mu.Unlock()

	LogVoice(MsgVoiceJoining, channelID, e.guildID)
	return conn.Open(ctx, channelID, false, false)
}

// Play starts emitting t.Path from offset, replacing any current emission.
// The outcome lands on Done().
func (e *voiceEmitter) Play(ctx context.Context, t *Track, offset time.Duration) error {
	e.mu.Lock()
	if e.streamCancel != nil {
		e.streamCancel()
	}
	sctx, cancel := context.WithCancel(ctx)
	e.streamCancel = cancel

	done := make(chan error, 1)
	e.done = done

	p := newFrameProvider(e, sctx)
	e.provider = p
	conn := e.conn
	e.mu.Unlock()

	if conn == nil {
		cancel()
		return errors.New("not connected")
	}

	e.setPaused(false)

	tr := newOpusTranscoder(&e.volume)
	if err := tr.OpenInput(t.Path); err != nil {
		tr.Close()
		cancel()
		return fmt.Errorf("open input: %w", err)
	}
	if err := tr.SetupDecoder(); err != nil {
		tr.Close()
		cancel()
		return fmt.Errorf("setup decoder: %w", err)
	}
	if err := tr.SetupEncoder(); err != nil {
		tr.Close()
		cancel()
		return fmt.Errorf("setup encoder: %w", err)
	}
	if offset > 0 {
		tr.startOffset = int64(offset/time.Millisecond) * 48 // samples at 48kHz
	}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				LogVoice("CRITICAL: transcode panic recovered: %v", r)
			}
		}()
		defer tr.Close()
		defer p.PushFrame(nil)

		err := tr.Transcode(sctx, p.PushFrame)
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		done <- err
	}()

	e.setOpusFrameProviderSafe(conn, p)
	e.setSpeakingSafe(sctx, conn, voice.SpeakingFlagMicrophone)
	return nil
}

func (e *voiceEmitter) Done() <-chan error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.done
}

func (e *voiceEmitter) Pause()  { e.setPaused(true) }
func (e *voiceEmitter) Resume() { e.setPaused(false) }

// setPaused flips the pause gate. Closed channel means frames flow.
func (e *voiceEmitter) setPaused(paused bool) {
	e.pauseMu.Lock()
	defer e.pauseMu.Unlock()

	closed := false
	select {
	case <-e.pauseChan:
		closed = true
	default:
	}
	if paused && closed {
		e.pauseChan = make(chan struct{})
	} else if !paused && !closed {
		close(e.pauseChan)
	}
}

func (e *voiceEmitter) Stop() {
	e.mu.Lock()
	cancel := e.streamCancel
	conn := e.conn
	provider := e.provider
	e.provider = nil
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.setPaused(false)
	if conn != nil && provider != nil {
		e.setOpusFrameProviderSafe(conn, nil)
		e.setSpeakingSafe(context.Background(), conn, 0)
	}
}

func (e *voiceEmitter) SetVolume(percent int) {
	e.volume.Store(int32(percent))
}

func (e *voiceEmitter) Close(ctx context.Context) {
	e.Stop()
	e.mu.Lock()
	conn := e.conn
	e.conn = nil
	e.mu.Unlock()
	if conn != nil {
		conn.Close(ctx)
	}
}

// The gateway rejects provider changes mid-handshake; retry briefly instead
// of failing the whole playback.
func (e *voiceEmitter) setOpusFrameProviderSafe(conn voice.Conn, p voice.OpusFrameProvider) {
	for i := 0; i < 3; i++ {
		if func() (ok bool) {
			defer func() {
				if r := recover(); r != nil {
					ok = false
				}
			}()
			conn.SetOpusFrameProvider(p)
			return true
		}() {
			return
		}
		time.Sleep(150 * time.Millisecond)
	}
	LogVoice("Exhausted retries for SetOpusFrameProvider in guild %s", e.guildID)
}

func (e *voiceEmitter) setSpeakingSafe(ctx context.Context, conn voice.Conn, flags voice.SpeakingFlags) {
	for i := 0; i < 3; i++ {
		if func() (ok bool) {
			defer func() {
				if r := recover(); r != nil {
					ok = false
				}
			}()
			_ = conn.SetSpeaking(ctx, flags)
			return true
		}() {
			return
		}
		time.Sleep(150 * time.Millisecond)
	}
}

// ===========================
// Frame Provider
// ===========================

// frameProvider buffers opus frames between the transcoder and the gateway,
// injecting silence on pause gaps and draining with a silence tail at EOF.
type frameProvider struct {
	frames        chan []byte
	emitter       *voiceEmitter
	ctx           context.Context
	draining      bool
	silenceFrames int
}

func newFrameProvider(e *voiceEmitter, ctx context.Context) *frameProvider {
	return &frameProvider{
		frames:  make(chan []byte, 100),
		emitter: e,
		ctx:     ctx,
	}
}

func (p *frameProvider) PushFrame(f []byte) {
	select {
	case p.frames <- f:
	case <-p.ctx.Done():
	}
}

func (p *frameProvider) ProvideOpusFrame() ([]byte, error) {
	p.emitter.pauseMu.RLock()
	pauseChan := p.emitter.pauseChan
	p.emitter.pauseMu.RUnlock()

	select {
	case <-pauseChan:
	case <-p.ctx.Done():
		return nil, io.EOF
	}

	if p.draining {
		target := int(SilenceDuration.Milliseconds() / 20)
		if p.silenceFrames < target {
			p.silenceFrames++
			return OpusSilence, nil
		}
		return nil, io.EOF
	}

	select {
	case f := <-p.frames:
		if f == nil {
			p.draining = true
			return OpusSilence, nil
		}
		return f, nil
	case <-p.ctx.Done():
		return nil, io.EOF
	case <-time.After(500 * time.Millisecond):
		return OpusSilence, nil
	}
}

func (p *frameProvider) Close() {}

// ===========================
// Opus Transcoder
// ===========================

// opusTranscoder decodes a local audio file, resamples to 48kHz stereo S16
// and encodes 20ms opus frames.
type opusTranscoder struct {
	inputCtx               *astiav.FormatContext
	decoderCtx, encoderCtx *astiav.CodecContext
	audioStreamIndex       int
	packet                 *astiav.Packet
	frame                  *astiav.Frame
	resampleCtx            *astiav.SoftwareResampleContext
	resampleFrame          *astiav.Frame
	fifo                   *astiav.AudioFifo
	onFrame                func([]byte)
	pts                    int64
	startOffset            int64 // samples at 48kHz, applied before decoding
	volume                 *atomic.Int32
}

func newOpusTranscoder(volume *atomic.Int32) *opusTranscoder {
	return &opusTranscoder{
		packet:        astiav.AllocPacket(),
		frame:         astiav.AllocFrame(),
		resampleFrame: astiav.AllocFrame(),
		volume:        volume,
	}
}

func (t *opusTranscoder) OpenInput(in string) error {
	t.inputCtx = astiav.AllocFormatContext()
	if t.inputCtx == nil {
		return errors.New("failed to alloc ctx")
	}
	if err := t.inputCtx.OpenInput(in, nil, nil); err != nil {
		return err
	}
	if err := t.inputCtx.FindStreamInfo(nil); err != nil {
		return err
	}
	t.audioStreamIndex = -1
	for _, s := range t.inputCtx.Streams() {
		if s.CodecParameters().MediaType() == astiav.MediaTypeAudio {
			t.audioStreamIndex = s.Index()
			break
		}
	}
	if t.audioStreamIndex == -1 {
		return errors.New("no audio")
	}
	return nil
}

func (t *opusTranscoder) SetupDecoder() error {
	p := t.inputCtx.Streams()[t.audioStreamIndex].CodecParameters()
	d := astiav.FindDecoder(p.CodecID())
	if d == nil {
		return errors.New("no decoder")
	}
	t.decoderCtx = astiav.AllocCodecContext(d)
	_ = p.ToCodecContext(t.decoderCtx)
	return t.decoderCtx.Open(d, nil)
}

func (t *opusTranscoder) SetupEncoder() error {
	e := astiav.FindEncoderByName("libopus")
	if e == nil {
		e = astiav.FindEncoder(astiav.CodecIDOpus)
	}
	if e == nil {
		return errors.New("no encoder")
	}
	t.encoderCtx = astiav.AllocCodecContext(e)
	t.encoderCtx.SetBitRate(192000)
	t.encoderCtx.SetSampleRate(48000)
	t.encoderCtx.SetChannelLayout(astiav.ChannelLayoutStereo)
	t.encoderCtx.SetSampleFormat(astiav.SampleFormatS16)
	t.encoderCtx.SetTimeBase(astiav.NewRational(1, 48000))
	o := astiav.NewDictionary()
	defer o.Free()
	o.Set("vbr", "on", 0)
	o.Set("compression_level", "10", 0)
	o.Set("frame_size", "20", 0)
	if err := t.encoderCtx.Open(e, o); err != nil {
		return err
	}
	t.resampleCtx = astiav.AllocSoftwareResampleContext()
	if t.resampleCtx == nil {
		return errors.New("failed to allocate resampler")
	}
	return nil
}

func (t *opusTranscoder) Transcode(ctx context.Context, on func([]byte)) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transcoder panic: %v", r)
			LogVoice("CRITICAL: Transcoder panic recovered: %v", r)
		}
	}()

	defer t.packet.Unref()
	t.onFrame = on

	fifoSize := 960 * 2
	t.fifo = astiav.AllocAudioFifo(t.encoderCtx.SampleFormat(), t.encoderCtx.ChannelLayout().Channels(), fifoSize)
	if t.fifo == nil {
		return errors.New("failed to alloc fifo")
	}
	defer func() {
		if t.fifo != nil {
			t.fifo.Free()
			t.fifo = nil
		}
	}()

	if t.startOffset > 0 {
		if err := t.seekToOffset(t.startOffset); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		t.packet.Unref()

		if err := t.inputCtx.ReadFrame(t.packet); err != nil {
			if errors.Is(err, astiav.ErrEof) {
				break
			}
			return err
		}

		if t.packet.StreamIndex() != t.audioStreamIndex {
			continue
		}

		if err := t.decoderCtx.SendPacket(t.packet); err != nil {
			return err
		}

		for {
			if err := t.decoderCtx.ReceiveFrame(t.frame); err != nil {
				break
			}
			if err := t.pushToFifo(); err != nil {
				return err
			}
			t.frame.Unref()
		}
	}

	// Flush decoder
	if t.decoderCtx != nil {
		_ = t.decoderCtx.SendPacket(nil)
		for {
			if err := t.decoderCtx.ReceiveFrame(t.frame); err != nil {
				break
			}
			if err := t.pushToFifo(); err != nil {
				return err
			}
			t.frame.Unref()
		}
	}

	if err := t.processFifo(true); err != nil {
		return err
	}

	// Flush encoder
	if t.encoderCtx != nil {
		_ = t.encoderCtx.SendFrame(nil)
		t.emitPackets()
	}
	return nil
}

// emitPackets drains every packet the encoder has ready into onFrame.
func (t *opusTranscoder) emitPackets() {
	for {
		t.packet.Unref()
		if t.encoderCtx.ReceivePacket(t.packet) != nil {
			return
		}
		if t.onFrame != nil {
			d := t.packet.Data()
			fd := make([]byte, len(d))
			copy(fd, d)
			t.onFrame(fd)
		}
	}
}

func (t *opusTranscoder) seekToOffset(samples int64) error {
	streamTb := t.inputCtx.Streams()[t.audioStreamIndex].TimeBase()
	streamTs := astiav.RescaleQ(samples, astiav.NewRational(1, 48000), streamTb)

	err := t.inputCtx.SeekFrame(t.audioStreamIndex, streamTs, astiav.SeekFlags(astiav.SeekFlagBackward))
	if err != nil {
		return fmt.Errorf("seek failed: %w", err)
	}
	atomic.StoreInt64(&t.pts, samples)
	return nil
}

func (t *opusTranscoder) encodeAndWrite(f *astiav.Frame) error {
	if err := t.encoderCtx.SendFrame(f); err != nil {
		return err
	}
	t.emitPackets()
	return nil
}

func (t *opusTranscoder) pushToFifo() error {
	t.resampleFrame.Unref()
	t.resampleFrame.SetChannelLayout(t.encoderCtx.ChannelLayout())
	t.resampleFrame.SetSampleFormat(t.encoderCtx.SampleFormat())
	t.resampleFrame.SetSampleRate(t.encoderCtx.SampleRate())
	nb := int(astiav.RescaleQ(int64(t.frame.NbSamples()), astiav.NewRational(1, t.frame.SampleRate()), astiav.NewRational(1, t.encoderCtx.SampleRate())))
	if nb > 0 {
		t.resampleFrame.SetNbSamples(nb)
		_ = t.resampleFrame.AllocBuffer(0)
		if t.resampleCtx.ConvertFrame(t.frame, t.resampleFrame) == nil {
			_, _ = t.fifo.Write(t.resampleFrame)
			return t.processFifo(false)
		}
	}
	return nil
}

// processFifo encodes buffered samples in opus-frame chunks of 960. With
// drain set, a final short chunk is encoded too.
func (t *opusTranscoder) processFifo(drain bool) error {
	if t.fifo == nil {
		return nil
	}
	for {
		sz := min(t.fifo.Size(), 960)
		if sz == 0 || (sz < 960 && !drain) {
			return nil
		}

		t.resampleFrame.Unref()
		t.resampleFrame.SetNbSamples(sz)
		t.resampleFrame.SetChannelLayout(t.encoderCtx.ChannelLayout())
		t.resampleFrame.SetSampleFormat(t.encoderCtx.SampleFormat())
		t.resampleFrame.SetSampleRate(t.encoderCtx.SampleRate())
		_ = t.resampleFrame.AllocBuffer(0)
		_, _ = t.fifo.Read(t.resampleFrame)

		t.scaleVolume(sz)

		t.resampleFrame.SetPts(atomic.LoadInt64(&t.pts))
		atomic.AddInt64(&t.pts, int64(sz))
		if err := t.encodeAndWrite(t.resampleFrame); err != nil {
			return err
		}
	}
}

// scaleVolume rescales the frame's interleaved s16 samples in place.
func (t *opusTranscoder) scaleVolume(samples int) {
	if t.volume == nil {
		return
	}
	vol := t.volume.Load()
	if vol == 100 {
		return
	}
	data, _ := t.resampleFrame.Data().Bytes(1)
	limit := min(samples*4, len(data))
	for i := 0; i+1 < limit; i += 2 {
		sample := int16(data[i]) | int16(data[i+1])<<8
		scaled := int64(sample) * int64(vol) / 100
		if scaled > 32767 {
			scaled = 32767
		} else if scaled < -32768 {
			scaled = -32768
		}
		data[i] = byte(scaled)
		data[i+1] = byte(scaled >> 8)
	}
	_ = t.resampleFrame.Data().SetBytes(data, 1)
}

func (t *opusTranscoder) Close() {
	if t.resampleCtx != nil {
		t.resampleCtx.Free()
	}
	if t.resampleFrame != nil {
		t.resampleFrame.Free()
	}
	if t.packet != nil {
		t.packet.Free()
	}
	if t.frame != nil {
		t.frame.Free()
	}
	if t.decoderCtx != nil {
		t.decoderCtx.Free()
	}
	if t.encoderCtx != nil {
		t.encoderCtx.Free()
	}
	if t.inputCtx != nil {
		t.inputCtx.CloseInput()
		t.inputCtx.Free()
	}
}
