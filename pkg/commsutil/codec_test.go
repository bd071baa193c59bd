package commsutil

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/morezero/islandgate/pkg/protocol"
	"github.com/morezero/islandgate/pkg/security"
)

const codecTestPrefix = "commsutil:codec_test"

func testCodec(secret string, threshold int) *Codec {
	return NewCodec(security.NewSigner([]byte(secret), security.DefaultWindow), threshold)
}

func TestEncodePayload(t *testing.T) {
	tests := []struct {
		name    string
		input   any
		want    string
		wantErr bool
	}{
		{
			name:  "invite payload",
			input: map[string]string{"target": "P2"},
			want:  `{"target":"P2"}`,
		},
		{
			name:  "nil leaves data off",
			input: nil,
			want:  "",
		},
		{
			name:    "channel is not serializable",
			input:   make(chan int),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := EncodePayload(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("%s - expected error but got nil", codecTestPrefix)
				}
				return
			}
			if err != nil {
				t.Fatalf("%s - unexpected error: %v", codecTestPrefix, err)
			}
			if string(data) != tt.want {
				t.Errorf("%s - EncodePayload() = %q, want %q", codecTestPrefix, data, tt.want)
			}
		})
	}
}

func TestDecodePayload(t *testing.T) {
	target := map[string]string{"kept": "yes"}
	if err := DecodePayload(nil, &target); err != nil || target["kept"] != "yes" {
		t.Errorf("%s - empty data changed target: %v, %v", codecTestPrefix, target, err)
	}
	if err := DecodePayload(json.RawMessage(`{"target":"P2"}`), &target); err != nil || target["target"] != "P2" {
		t.Errorf("%s - DecodePayload() = %v, %v", codecTestPrefix, target, err)
	}
	if err := DecodePayload(json.RawMessage(`{invalid}`), &target); err == nil {
		t.Fatalf("%s - expected error for invalid json", codecTestPrefix)
	}
}

func TestCodec_SealOpen(t *testing.T) {
	c := testCodec("secret", DefaultCompressionThreshold)
	env := protocol.NewRequest("lobby.01J", "invite.create", "P1", json.RawMessage(`{"target":"P2"}`))

	raw, err := c.Seal(env)
	if err != nil {
		t.Fatalf("%s - Seal failed: %v", codecTestPrefix, err)
	}
	opened, err := c.Open(raw)
	if err != nil {
		t.Fatalf("%s - Open failed: %v", codecTestPrefix, err)
	}
	if opened.ID != "lobby.01J" || opened.Op != "invite.create" || opened.Actor != "P1" {
		t.Errorf("%s - opened envelope mismatch: %+v", codecTestPrefix, opened)
	}
	if string(opened.Data) != `{"target":"P2"}` {
		t.Errorf("%s - data = %s", codecTestPrefix, opened.Data)
	}
	if opened.Enc != "" {
		t.Errorf("%s - small payload should not be compressed, enc=%q", codecTestPrefix, opened.Enc)
	}
}

func TestCodec_CompressesLargePayloads(t *testing.T) {
	c := testCodec("secret", 64)
	members := make([]string, 200)
	for i := range members {
		members[i] = "player-with-a-long-name"
	}
	data, _ := json.Marshal(map[string]any{"members": members})

	env := protocol.NewResponse("lobby.01J", protocol.Result{Ok: true, Data: data})
	raw, err := c.Seal(env)
	if err != nil {
		t.Fatalf("%s - Seal failed: %v", codecTestPrefix, err)
	}
	if !strings.Contains(string(raw), `"enc":"zstd"`) {
		t.Fatalf("%s - expected zstd encoding on the wire", codecTestPrefix)
	}
	if len(raw) >= len(data) {
		t.Errorf("%s - wire size %d not smaller than payload %d", codecTestPrefix, len(raw), len(data))
	}

	opened, err := c.Open(raw)
	if err != nil {
		t.Fatalf("%s - Open failed: %v", codecTestPrefix, err)
	}
	if !bytes.Equal(opened.Data, data) {
		t.Errorf("%s - decompressed data differs from original", codecTestPrefix)
	}
}

func TestCodec_SealCompactsData(t *testing.T) {
	c := testCodec("secret", DefaultCompressionThreshold)
	// Data as a JSONB column renders it.
	spaced := json.RawMessage(`{"inviteId": "I1", "membersLimit": 4, "membersCount": 1}`)

	raw, err := c.Seal(protocol.NewResponse("lobby.01J", protocol.Result{Ok: true, Data: spaced}))
	if err != nil {
		t.Fatalf("%s - Seal failed: %v", codecTestPrefix, err)
	}
	opened, err := c.Open(raw)
	if err != nil {
		t.Fatalf("%s - Open failed: %v", codecTestPrefix, err)
	}
	want := `{"inviteId":"I1","membersLimit":4,"membersCount":1}`
	if string(opened.Data) != want {
		t.Errorf("%s - data = %s, want %s", codecTestPrefix, opened.Data, want)
	}

	if _, err := c.Seal(protocol.NewResponse("lobby.01K", protocol.Result{Ok: true, Data: json.RawMessage(`{broken`)})); err == nil {
		t.Errorf("%s - expected Seal to reject invalid data", codecTestPrefix)
	}
}

func TestCodec_RejectsForeignSignature(t *testing.T) {
	a := testCodec("secret-a", 0)
	b := testCodec("secret-b", 0)

	raw, err := a.Seal(protocol.NewRequest("lobby.01J", "ping", "", nil))
	if err != nil {
		t.Fatalf("%s - Seal failed: %v", codecTestPrefix, err)
	}
	if _, err := b.Open(raw); !errors.Is(err, ErrBadSignature) {
		t.Errorf("%s - Open() err = %v, want ErrBadSignature", codecTestPrefix, err)
	}
}

func TestCodec_RejectsTamperedCompressedData(t *testing.T) {
	c := testCodec("secret", 16)
	env := protocol.NewRequest("lobby.01J", "invite.create", "P1",
		json.RawMessage(`{"target":"P2","note":"aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"}`))
	raw, err := c.Seal(env)
	if err != nil {
		t.Fatalf("%s - Seal failed: %v", codecTestPrefix, err)
	}

	var wire protocol.Envelope
	if err := json.Unmarshal(raw, &wire); err != nil {
		t.Fatalf("%s - unmarshal failed: %v", codecTestPrefix, err)
	}
	wire.Data = json.RawMessage(`"AAAA"`)
	tampered, _ := json.Marshal(&wire)

	if _, err := c.Open(tampered); !errors.Is(err, ErrBadSignature) {
		t.Errorf("%s - Open() err = %v, want ErrBadSignature", codecTestPrefix, err)
	}
}

func TestCodec_OpenGarbage(t *testing.T) {
	c := testCodec("secret", 0)
	if _, err := c.Open([]byte("not json")); err == nil {
		t.Errorf("%s - expected decode error", codecTestPrefix)
	}
}
