package voice

import (
	"bytes"
	"encoding/binary"
	"strings"

	"github.com/vango-go/vai-order/pkg/core"
)

// Audio formats accepted by ValidateAudio.
const (
	FormatWAV  = "wav"
	FormatMP3  = "mp3"
	FormatOGG  = "ogg"
	FormatWebM = "webm"
	FormatFLAC = "flac"
	FormatPCM  = "pcm_s16le"
)

// FormatFromMediaType maps a Content-Type to an audio format hint.
func FormatFromMediaType(mediaType string) string {
	mt := strings.ToLower(strings.TrimSpace(mediaType))
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	switch mt {
	case "audio/wav", "audio/wave", "audio/x-wav", "audio/vnd.wave":
		return FormatWAV
	case "audio/mpeg", "audio/mp3":
		return FormatMP3
	case "audio/ogg", "application/ogg":
		return FormatOGG
	case "audio/webm", "video/webm":
		return FormatWebM
	case "audio/flac", "audio/x-flac":
		return FormatFLAC
	case "audio/pcm", "audio/l16":
		return FormatPCM
	default:
		return ""
	}
}

// SniffFormat identifies an encoded audio container from its magic bytes.
// It returns "" when the bytes match no supported container.
func SniffFormat(data []byte) string {
	switch {
	case len(data) >= 12 && bytes.Equal(data[:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WAVE")):
		return FormatWAV
	case len(data) >= 4 && bytes.Equal(data[:4], []byte("OggS")):
		return FormatOGG
	case len(data) >= 4 && bytes.Equal(data[:4], []byte("fLaC")):
		return FormatFLAC
	case len(data) >= 4 && bytes.Equal(data[:4], []byte{0x1A, 0x45, 0xDF, 0xA3}):
		return FormatWebM
	case len(data) >= 3 && bytes.Equal(data[:3], []byte("ID3")):
		return FormatMP3
	case len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0:
		return FormatMP3
	}
	return ""
}

// ValidateAudio checks size bounds and container format. hint may be empty;
// raw PCM is accepted only when the hint says so. It returns the detected
// format.
func ValidateAudio(data []byte, hint string, minBytes, maxBytes int) (string, error) {
	if len(data) == 0 {
		return "", core.ErrInvalidAudio.With("audio is empty")
	}
	if minBytes > 0 && len(data) < minBytes {
		return "", core.ErrInvalidAudio.With("audio is too short (%d bytes, minimum %d)", len(data), minBytes)
	}
	if maxBytes > 0 && len(data) > maxBytes {
		return "", core.ErrInvalidAudio.With("audio is too large (%d bytes, maximum %d)", len(data), maxBytes)
	}
	if hint == FormatPCM || hint == "pcm" {
		if len(data)%2 != 0 {
			return "", core.ErrInvalidAudio.With("pcm_s16le audio has an odd byte length")
		}
		return FormatPCM, nil
	}
	format := SniffFormat(data)
	if format == "" {
		return "", core.ErrInvalidAudio.With("unsupported audio format")
	}
	return format, nil
}

// EncodeWAV wraps little-endian 16-bit PCM samples in a RIFF/WAVE header.
func EncodeWAV(pcm []byte, sampleRate, channels int) []byte {
	if channels <= 0 {
		channels = 1
	}
	const bitsPerSample = 16
	blockAlign := channels * bitsPerSample / 8
	byteRate := sampleRate * blockAlign

	buf := bytes.NewBuffer(make([]byte, 0, 44+len(pcm)))
	buf.WriteString("RIFF")
	_ = binary.Write(buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	_ = binary.Write(buf, binary.LittleEndian, uint32(16))
	_ = binary.Write(buf, binary.LittleEndian, uint16(1)) // PCM
	_ = binary.Write(buf, binary.LittleEndian, uint16(channels))
	_ = binary.Write(buf, binary.LittleEndian, uint32(sampleRate))
	_ = binary.Write(buf, binary.LittleEndian, uint32(byteRate))
	_ = binary.Write(buf, binary.LittleEndian, uint16(blockAlign))
	_ = binary.Write(buf, binary.LittleEndian, uint16(bitsPerSample))
	buf.WriteString("data")
	_ = binary.Write(buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)
	return buf.Bytes()
}
