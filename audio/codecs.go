package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/go-audio/wav"
	"github.com/hajimehoshi/go-mp3"
	"github.com/jfreymuth/oggvorbis"
	"github.com/mewkiz/flac"
)

const wavFormatIEEEFloat = 3

func decodeWAV(data []byte) (*pcm, error) {
	decoder := wav.NewDecoder(bytes.NewReader(data))
	if !decoder.IsValidFile() {
		return nil, errors.New("invalid WAV file")
	}

	buf, err := decoder.FullPCMBuffer()
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to read PCM buffer: %w", err)
	}
	if buf == nil || buf.Format == nil {
		return nil, errors.New("WAV file has no PCM data")
	}

	bitDepth := int(decoder.BitDepth)
	isFloat := decoder.WavAudioFormat == wavFormatIEEEFloat

	samples := make([]float32, len(buf.Data))
	switch {
	case isFloat && bitDepth == 32:
		for i, v := range buf.Data {
			samples[i] = math.Float32frombits(uint32(int32(v)))
		}
	case bitDepth == 8:
		// 8-bit WAV is unsigned
		for i, v := range buf.Data {
			samples[i] = float32(v-128) / 128.0
		}
	case bitDepth >= 16 && bitDepth <= 32:
		scale := float32(int64(1) << (bitDepth - 1))
		for i, v := range buf.Data {
			samples[i] = float32(v) / scale
		}
	default:
		return nil, fmt.Errorf("unsupported WAV bit depth %d", bitDepth)
	}

	return &pcm{
		samples:    samples,
		sampleRate: buf.Format.SampleRate,
		channels:   buf.Format.NumChannels,
	}, nil
}

func decodeFLAC(data []byte) (*pcm, error) {
	stream, err := flac.New(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to open FLAC stream: %w", err)
	}
	defer stream.Close()

	channels := int(stream.Info.NChannels)
	bits := int(stream.Info.BitsPerSample)
	if channels < 1 || bits < 4 || bits > 32 {
		return nil, fmt.Errorf("unsupported FLAC stream: %d channels, %d bits", channels, bits)
	}
	scale := float32(int64(1) << (bits - 1))

	var samples []float32
	for {
		frame, err := stream.ParseNext()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse FLAC frame: %w", err)
		}
		if len(frame.Subframes) != channels {
			return nil, fmt.Errorf("FLAC frame has %d subframes, expected %d", len(frame.Subframes), channels)
		}

		n := len(frame.Subframes[0].Samples)
		for i := 0; i < n; i++ {
			for ch := 0; ch < channels; ch++ {
				samples = append(samples, float32(frame.Subframes[ch].Samples[i])/scale)
			}
		}
	}

	return &pcm{
		samples:    samples,
		sampleRate: int(stream.Info.SampleRate),
		channels:   channels,
	}, nil
}

func decodeOggVorbis(data []byte) (*pcm, error) {
	decoder, err := oggvorbis.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create OGG decoder: %w", err)
	}

	var samples []float32
	buffer := make([]float32, 16384)
	for {
		n, err := decoder.Read(buffer)
		samples = append(samples, buffer[:n]...)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read OGG data: %w", err)
		}
	}

	return &pcm{
		samples:    samples,
		sampleRate: decoder.SampleRate(),
		channels:   decoder.Channels(),
	}, nil
}

// decodeMP3 relies on go-mp3 always producing 16-bit little endian stereo.
func decodeMP3(data []byte) (*pcm, error) {
	decoder, err := mp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create MP3 decoder: %w", err)
	}

	raw, err := io.ReadAll(decoder)
	if err != nil {
		return nil, fmt.Errorf("failed to read MP3 data: %w", err)
	}
	if len(raw) == 0 {
		return nil, errors.New("MP3 stream has no audio frames")
	}

	count := len(raw) / 2
	samples := make([]float32, count)
	for i := 0; i < count; i++ {
		samples[i] = float32(int16(binary.LittleEndian.Uint16(raw[i*2:i*2+2]))) / 32768.0
	}

	return &pcm{
		samples:    samples,
		sampleRate: decoder.SampleRate(),
		channels:   2,
	}, nil
}
