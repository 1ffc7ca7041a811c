package audio

import (
	"bytes"
	"encoding/binary"
)

// EncodeWAVPCM16LE wraps raw PCM16LE mono audio bytes in a WAV container.
func EncodeWAVPCM16LE(pcm []byte, sampleRate int) ([]byte, error) {
	const (
		numChannels   = 1
		bitsPerSample = 16
		audioFormat   = 1 // PCM
	)
	if sampleRate <= 0 {
		sampleRate = 16000
	}

	dataSize := uint32(len(pcm))
	byteRate := uint32(sampleRate * numChannels * bitsPerSample / 8)
	blockAlign := uint16(numChannels * bitsPerSample / 8)

	buf := bytes.NewBuffer(make([]byte, 0, 44+len(pcm)))
	buf.WriteString("RIFF")
	le := binary.LittleEndian
	var u4 [4]byte
	var u2 [2]byte

	le.PutUint32(u4[:], 36+dataSize)
	buf.Write(u4[:])
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	le.PutUint32(u4[:], 16)
	buf.Write(u4[:])
	le.PutUint16(u2[:], audioFormat)
	buf.Write(u2[:])
	le.PutUint16(u2[:], numChannels)
	buf.Write(u2[:])
	le.PutUint32(u4[:], uint32(sampleRate))
	buf.Write(u4[:])
	le.PutUint32(u4[:], byteRate)
	buf.Write(u4[:])
	le.PutUint16(u2[:], blockAlign)
	buf.Write(u2[:])
	le.PutUint16(u2[:], bitsPerSample)
	buf.Write(u2[:])

	buf.WriteString("data")
	le.PutUint32(u4[:], dataSize)
	buf.Write(u4[:])
	buf.Write(pcm)

	return buf.Bytes(), nil
}
