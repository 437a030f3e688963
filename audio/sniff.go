package audio

import "bytes"

type container int

const (
	containerUnknown container = iota
	containerWAV
	containerFLAC
	containerOgg
	containerMP3
)

func (c container) String() string {
	switch c {
	case containerWAV:
		return "wav"
	case containerFLAC:
		return "flac"
	case containerOgg:
		return "ogg"
	case containerMP3:
		return "mp3"
	default:
		return "unknown"
	}
}

// sniffContainer inspects magic bytes only; the declared content type is
// not trusted.
func sniffContainer(data []byte) container {
	switch {
	case len(data) >= 12 && bytes.Equal(data[0:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WAVE")):
		return containerWAV
	case len(data) >= 4 && bytes.Equal(data[0:4], []byte("fLaC")):
		return containerFLAC
	case len(data) >= 4 && bytes.Equal(data[0:4], []byte("OggS")):
		return containerOgg
	case len(data) >= 3 && bytes.Equal(data[0:3], []byte("ID3")):
		return containerMP3
	case len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0 && data[1]&0x06 != 0:
		// MPEG audio frame sync with a non-reserved layer.
		return containerMP3
	}
	return containerUnknown
}
