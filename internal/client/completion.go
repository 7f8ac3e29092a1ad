package client

import (
	"context"
	"encoding/binary"
	stderrors "errors"
	"fmt"

	"github.com/windfall/kaiwa/internal/errors"
	"github.com/windfall/kaiwa/pkg/api"
)

// Completion is one chat-completion call against a language model.
type Completion struct {
	Model  string
	System string

	// Messages may itself start with a system message; System is sent first.
	Messages []api.Message

	// JSON asks the provider for a single JSON object as the reply.
	JSON bool
}

// upstreamError classifies a provider SDK failure.
func upstreamError(provider string, err error) error {
	if err == nil {
		return nil
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return errors.Wrap(errors.ErrTimeout, fmt.Sprintf("%s request timed out", provider), err)
	}
	return errors.AIService(fmt.Sprintf("%s request failed", provider), err)
}

// PCM parameters of the speech models that return raw samples.
const (
	ttsSampleRate    = 24000
	ttsBitsPerSample = 16
	ttsChannels      = 1
)

// wavFromPCM prefixes little-endian 16-bit PCM with a RIFF/WAVE header.
func wavFromPCM(pcm []byte, sampleRate, bitsPerSample, channels int) []byte {
	dataLen := len(pcm)
	byteRate := sampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8

	header := make([]byte, 44)
	copy(header[0:4], "RIFF")
	binary.LittleEndian.PutUint32(header[4:8], uint32(36+dataLen))
	copy(header[8:12], "WAVE")

	copy(header[12:16], "fmt ")
	binary.LittleEndian.PutUint32(header[16:20], 16)
	binary.LittleEndian.PutUint16(header[20:22], 1)
	binary.LittleEndian.PutUint16(header[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(header[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(header[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(header[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(header[34:36], uint16(bitsPerSample))

	copy(header[36:40], "data")
	binary.LittleEndian.PutUint32(header[40:44], uint32(dataLen))

	return append(header, pcm...)
}
