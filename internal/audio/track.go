// Package audio decodes a speaker's LiveKit audio track into PCM frames for
// the speech recognizer. Opus packets are decoded at 48kHz mono and resampled
// down to the recognizer rate.
package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	soxr "github.com/zaf/resample"
	opus "gopkg.in/hraban/opus.v2"

	"github.com/linguameet/caption-worker/internal/logging"
)

const trackSampleRate = 48000

// FrameFunc receives one PCM frame: little-endian int16 mono at the
// configured output rate, 20ms per frame.
type FrameFunc func(pcm []byte)

// TrackReader reads RTP from one remote audio track, decodes Opus, resamples,
// and emits fixed-size PCM frames.
type TrackReader struct {
	speakerID    string
	outRate      int
	frameSize    int // samples per emitted frame (20ms at outRate)
	onFrame      FrameFunc
	decoder      *opus.Decoder
	resampler    *soxr.Resampler
	resamplerBuf *bytes.Buffer
	resamplerMu  sync.Mutex

	// Reused buffers to avoid per-packet allocations.
	inputBytesBuf    []byte
	outputSamplesBuf []int16
	remaining        []int16

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	firstRTPLogged   bool
	firstFrameLogged bool
}

// NewTrackReader creates a reader emitting frames at outRate (e.g. 16000).
func NewTrackReader(speakerID string, outRate int, onFrame FrameFunc) (*TrackReader, error) {
	decoder, err := opus.NewDecoder(trackSampleRate, 1)
	if err != nil {
		return nil, fmt.Errorf("create opus decoder: %w", err)
	}

	// The resampler writes into the same buffer we read back from.
	resamplerBuf := &bytes.Buffer{}
	resampler, err := soxr.New(resamplerBuf, float64(trackSampleRate), float64(outRate), 1, soxr.I16, soxr.HighQ)
	if err != nil {
		return nil, fmt.Errorf("create resampler: %w", err)
	}

	frameSize := outRate / 50 // 20ms
	ctx, cancel := context.WithCancel(context.Background())
	return &TrackReader{
		speakerID:        speakerID,
		outRate:          outRate,
		frameSize:        frameSize,
		onFrame:          onFrame,
		decoder:          decoder,
		resampler:        resampler,
		resamplerBuf:     resamplerBuf,
		inputBytesBuf:    make([]byte, 0, 1920),
		outputSamplesBuf: make([]int16, 0, frameSize),
		remaining:        make([]int16, 0, frameSize),
		ctx:              ctx,
		cancel:           cancel,
	}, nil
}

// Start begins reading RTP packets from the track.
func (t *TrackReader) Start(track *webrtc.TrackRemote) {
	t.wg.Add(1)
	go t.processTrack(track)
	logging.Info(logging.CategoryAudio, "started track reader speaker=%s", t.speakerID)
}

// Stop stops the reader and releases the resampler.
func (t *TrackReader) Stop() {
	t.cancel()
	t.wg.Wait()
	if t.resampler != nil {
		t.resampler.Close()
	}
}

func (t *TrackReader) processTrack(track *webrtc.TrackRemote) {
	defer t.wg.Done()

	buf := make([]byte, 1500)
	rtpPacket := &rtp.Packet{}
	pcm48k := make([]int16, 960) // 20ms @ 48kHz

	for {
		select {
		case <-t.ctx.Done():
			return
		default:
			n, _, err := track.Read(buf)
			if err != nil {
				if t.ctx.Err() == nil {
					logging.Warning(logging.CategoryAudio, "track read failed speaker=%s: %v", t.speakerID, err)
				}
				return
			}

			if !t.firstRTPLogged {
				t.firstRTPLogged = true
				logging.Info(logging.CategoryAudio, "received first RTP packet speaker=%s size=%d", t.speakerID, n)
			}

			if err := rtpPacket.Unmarshal(buf[:n]); err != nil {
				logging.Warning(logging.CategoryAudio, "bad RTP packet speaker=%s: %v", t.speakerID, err)
				continue
			}

			payload := rtpPacket.Payload
			if len(payload) == 0 {
				continue // DTX packet
			}

			sampleCount, err := t.decoder.Decode(payload, pcm48k)
			if err != nil {
				if err.Error() == "opus: no data supplied" {
					continue // DTX packet
				}
				logging.Warning(logging.CategoryAudio, "opus decode failed speaker=%s: %v", t.speakerID, err)
				continue
			}
			if sampleCount == 0 {
				continue
			}

			resampled, err := t.resample(pcm48k[:sampleCount])
			if err != nil {
				logging.Warning(logging.CategoryAudio, "resample failed speaker=%s: %v", t.speakerID, err)
				continue
			}
			if len(resampled) == 0 {
				// Resampler is buffering; normal at stream start.
				continue
			}

			t.emitFrames(resampled)
		}
	}
}

// emitFrames chunks samples into fixed frames, carrying the remainder to the
// next packet.
func (t *TrackReader) emitFrames(samples []int16) {
	combined := append(t.remaining, samples...)
	t.remaining = t.remaining[:0]

	for len(combined) >= t.frameSize {
		chunk := combined[:t.frameSize]
		combined = combined[t.frameSize:]

		frame := make([]byte, len(chunk)*2)
		for i, sample := range chunk {
			binary.LittleEndian.PutUint16(frame[i*2:], uint16(sample))
		}
		t.onFrame(frame)

		if !t.firstFrameLogged {
			t.firstFrameLogged = true
			logging.Info(logging.CategoryAudio, "emitted first PCM frame speaker=%s samples=%d", t.speakerID, len(chunk))
		}
	}

	if len(combined) > 0 {
		t.remaining = append(t.remaining, combined...)
		// Cap the carry at one frame to bound latency.
		if len(t.remaining) > t.frameSize {
			drop := len(t.remaining) - t.frameSize
			copy(t.remaining, t.remaining[drop:])
			t.remaining = t.remaining[:t.frameSize]
		}
	}
}

func (t *TrackReader) resample(in []int16) ([]int16, error) {
	if len(in) == 0 {
		return nil, nil
	}

	t.resamplerMu.Lock()
	defer t.resamplerMu.Unlock()

	inputSize := len(in) * 2
	if cap(t.inputBytesBuf) < inputSize {
		t.inputBytesBuf = make([]byte, inputSize)
	}
	inputBytes := t.inputBytesBuf[:inputSize]
	for i, sample := range in {
		binary.LittleEndian.PutUint16(inputBytes[i*2:], uint16(sample))
	}

	t.resamplerBuf.Reset()
	if _, err := t.resampler.Write(inputBytes); err != nil {
		return nil, fmt.Errorf("resampler write: %w", err)
	}

	outputBytes := t.resamplerBuf.Bytes()
	if len(outputBytes) == 0 {
		return nil, nil
	}

	outputSize := len(outputBytes) / 2
	if cap(t.outputSamplesBuf) < outputSize {
		t.outputSamplesBuf = make([]int16, outputSize)
	}
	out := t.outputSamplesBuf[:outputSize]
	for i := 0; i < outputSize; i++ {
		out[i] = int16(binary.LittleEndian.Uint16(outputBytes[i*2:]))
	}

	result := make([]int16, outputSize)
	copy(result, out)
	return result, nil
}
