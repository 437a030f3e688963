// Package audio turns uploaded recordings into waveforms for the embedding
// model.
//
// Decoding works in two stages:
//
//  1. Direct decode: the container is sniffed from its magic bytes and
//     decoded in-process (WAV, FLAC, Ogg Vorbis, MP3).
//  2. Transcoder fallback: anything else (or anything the direct decoders
//     reject) is handed to ffmpeg, which writes an intermediate 16-bit WAV
//     that is decoded in turn.
//
// The decoded signal is folded to mono, resampled to TargetSampleRate and
// zero-padded to MinSamples.
package audio

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnsupportedMedia is returned when neither the direct decoders nor the
// transcoder can make sense of the payload.
var ErrUnsupportedMedia = errors.New("unsupported media type")

// Transcoder converts arbitrary audio payloads to a WAV byte stream.
type Transcoder interface {
	ToWAV(ctx context.Context, data []byte, contentType string) ([]byte, error)
}

// Decoder decodes uploaded audio. A nil Transcoder disables the fallback.
type Decoder struct {
	Transcoder Transcoder
}

// NewDecoder creates a decoder that falls back to transcoder.
func NewDecoder(transcoder Transcoder) *Decoder {
	return &Decoder{Transcoder: transcoder}
}

// Decode produces a normalized waveform from data. Errors caused by the
// payload itself wrap ErrUnsupportedMedia.
func (d *Decoder) Decode(ctx context.Context, data []byte, contentType string) (*Waveform, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrUnsupportedMedia)
	}

	p, format, directErr := decodeDirect(data)
	if directErr == nil {
		return normalizeOrUnsupported(p, format)
	}

	if d.Transcoder == nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedMedia, directErr)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	wavData, err := d.Transcoder.ToWAV(ctx, data, contentType)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: direct decode: %v; transcode: %v", ErrUnsupportedMedia, directErr, err)
	}

	p, err = decodeWAV(wavData)
	if err != nil {
		return nil, fmt.Errorf("%w: transcoded output: %v", ErrUnsupportedMedia, err)
	}
	return normalizeOrUnsupported(p, FormatFFmpeg)
}

func decodeDirect(data []byte) (*pcm, string, error) {
	kind := sniffContainer(data)

	var (
		p   *pcm
		err error
	)
	switch kind {
	case containerWAV:
		p, err = decodeWAV(data)
	case containerFLAC:
		p, err = decodeFLAC(data)
	case containerOgg:
		p, err = decodeOggVorbis(data)
	case containerMP3:
		p, err = decodeMP3(data)
	default:
		return nil, "", errors.New("unrecognized container")
	}
	if err != nil {
		return nil, "", fmt.Errorf("%s: %w", kind, err)
	}
	return p, kind.String(), nil
}

func normalizeOrUnsupported(p *pcm, format string) (*Waveform, error) {
	if p.channels < 1 || p.sampleRate <= 0 {
		return nil, fmt.Errorf("%w: %s stream reports %d channels at %d Hz", ErrUnsupportedMedia, format, p.channels, p.sampleRate)
	}
	return normalize(p, format)
}
