package commsutil

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"

	"github.com/morezero/islandgate/pkg/protocol"
	"github.com/morezero/islandgate/pkg/security"
)

const codecLogPrefix = "commsutil:codec"

// EncodingZstd marks envelope data compressed with zstd and base64-wrapped.
const EncodingZstd = "zstd"

// DefaultCompressionThreshold is the data size above which payloads are compressed.
const DefaultCompressionThreshold = 1024

// maxDecodedBytes caps decompressed payloads.
const maxDecodedBytes = 8 << 20

var (
	// ErrBadSignature is returned by Open for envelopes that fail verification.
	ErrBadSignature = errors.New("commsutil: envelope signature rejected")
	// ErrUnknownEncoding is returned by Open for an unsupported Enc value.
	ErrUnknownEncoding = errors.New("commsutil: unknown payload encoding")
)

var (
	zstdEncoder, _ = zstd.NewWriter(nil)
	zstdDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecodedBytes))
)

// EncodePayload marshals v as envelope data. A nil v yields no data, so the
// field is left off the wire.
func EncodePayload(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// DecodePayload unmarshals envelope data into v. Empty data leaves v as is.
func DecodePayload(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

// Codec turns envelopes into wire bytes and back. Sealing compresses large
// payloads first and signs afterwards, so verification always covers the
// exact bytes on the wire.
type Codec struct {
	signer    *security.Signer
	threshold int
}

// NewCodec creates a Codec. A non-positive threshold disables compression.
func NewCodec(signer *security.Signer, threshold int) *Codec {
	return &Codec{signer: signer, threshold: threshold}
}

// Signer returns the signer used by the codec.
func (c *Codec) Signer() *security.Signer {
	return c.signer
}

// Seal compacts and compresses (when over threshold) the data, then signs
// and encodes env. env is modified in place and must be treated as immutable
// afterwards.
func (c *Codec) Seal(env *protocol.Envelope) ([]byte, error) {
	// Data is signed in the compact form json.Marshal puts on the wire.
	if len(env.Data) > 0 {
		var buf bytes.Buffer
		if err := json.Compact(&buf, env.Data); err != nil {
			return nil, fmt.Errorf("%s - invalid payload: %w", codecLogPrefix, err)
		}
		env.Data = buf.Bytes()
	}
	if c.threshold > 0 && env.Enc == "" && len(env.Data) > c.threshold {
		packed, err := compress(env.Data)
		if err != nil {
			return nil, fmt.Errorf("%s - failed to compress payload: %w", codecLogPrefix, err)
		}
		env.Data = packed
		env.Enc = EncodingZstd
	}
	c.signer.Sign(env)
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to encode envelope: %w", codecLogPrefix, err)
	}
	return data, nil
}

// Open decodes raw, verifies the signature and restores compressed data.
// Signature failures return ErrBadSignature and nothing else about the envelope.
func (c *Codec) Open(raw []byte) (*protocol.Envelope, error) {
	var env protocol.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%s - failed to decode envelope: %w", codecLogPrefix, err)
	}
	if !c.signer.Verify(&env) {
		return nil, ErrBadSignature
	}
	switch env.Enc {
	case "":
	case EncodingZstd:
		plain, err := decompress(env.Data)
		if err != nil {
			return nil, fmt.Errorf("%s - failed to decompress payload: %w", codecLogPrefix, err)
		}
		env.Data = plain
		env.Enc = ""
	default:
		return nil, ErrUnknownEncoding
	}
	if err := env.Validate(); err != nil {
		return nil, fmt.Errorf("%s - invalid envelope: %w", codecLogPrefix, err)
	}
	return &env, nil
}

// compress returns data zstd-compressed and wrapped as a JSON string so the
// envelope's data field stays valid JSON.
func compress(data []byte) (json.RawMessage, error) {
	packed := zstdEncoder.EncodeAll(data, nil)
	return json.Marshal(base64.StdEncoding.EncodeToString(packed))
}

func decompress(data json.RawMessage) (json.RawMessage, error) {
	var wrapped string
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, err
	}
	packed, err := base64.StdEncoding.DecodeString(wrapped)
	if err != nil {
		return nil, err
	}
	plain, err := zstdDecoder.DecodeAll(packed, nil)
	if err != nil {
		return nil, err
	}
	return plain, nil
}
