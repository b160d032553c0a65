package wire

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pcsoni007/syft-node/dispatch"
)

func newKey(t *testing.T) (dispatch.VerifyKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return dispatch.VerifyKey(pub), priv
}

func TestCodecsForContentType(t *testing.T) {
	codecs, err := NewCodecs("json")
	require.NoError(t, err)

	tests := []struct {
		contentType string
		want        string
		wantErr     bool
	}{
		{"", "json", false},
		{"application/json", "json", false},
		{"application/json; charset=utf-8", "json", false},
		{"Application/CBOR", "cbor", false},
		{"text/xml", "", true},
	}
	for _, tc := range tests {
		c, err := codecs.ForContentType(tc.contentType)
		if tc.wantErr {
			assert.Error(t, err, tc.contentType)
			continue
		}
		require.NoError(t, err, tc.contentType)
		assert.Equal(t, tc.want, c.Name(), tc.contentType)
	}

	_, err = NewCodecs("protobuf")
	assert.Error(t, err)

	cborDefault, err := NewCodecs("cbor")
	require.NoError(t, err)
	assert.Equal(t, ContentTypeCBOR, cborDefault.Default().ContentType())
	_, ok := cborDefault.ByName("json")
	assert.True(t, ok)
}

func TestCBOREnvelopePreservesSignature(t *testing.T) {
	codec, err := NewCBORCodec()
	require.NoError(t, err)
	key, priv := newKey(t)

	msg := dispatch.NewMessage("PutObject", "Client.inbox", dispatch.Args{
		"key":   "k",
		"value": []byte{1, 2, 3},
		"meta":  map[string]any{"rows": 3, "tags": []any{"a", "b"}},
	})
	require.NoError(t, dispatch.Sign(msg, priv))
	data, err := codec.Marshal(Envelope{Message: msg, VerifyKey: key.String()})
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, codec.Unmarshal(data, &env))
	require.NotNil(t, env.Message)
	_, nested := env.Message.Payload["meta"].(map[string]any)
	assert.True(t, nested, "nested maps decode with string keys")

	// The decoded message still verifies, so signing bytes are codec neutral.
	assert.NoError(t, dispatch.Ed25519Verifier{}.Verify(key, env.Message))
}

func TestSealOpen(t *testing.T) {
	cb, err := NewCBORCodec()
	require.NoError(t, err)
	nodeKey, nodePriv := newKey(t)
	otherKey, _ := newKey(t)

	for _, codec := range []Codec{JSONCodec{}, cb} {
		t.Run(codec.Name(), func(t *testing.T) {
			body := &ReplyBody{InResponseTo: "m-1", Address: "Client.inbox", Error: &Error{Code: "unknown_kind", Message: "no"}}
			data, err := Seal(codec, body, nodePriv)
			require.NoError(t, err)

			got, signer, err := Open(codec, data, nil)
			require.NoError(t, err)
			assert.Equal(t, nodeKey.String(), signer.String())
			assert.Equal(t, body, got)

			_, _, err = Open(codec, data, nodeKey)
			assert.NoError(t, err)

			_, _, err = Open(codec, data, otherKey)
			assert.ErrorIs(t, err, ErrBadReplySignature)
		})
	}
}

func TestOpenRejectsTamperedBody(t *testing.T) {
	codec := JSONCodec{}
	_, nodePriv := newKey(t)

	data, err := Seal(codec, &ReplyBody{InResponseTo: "m-1", Address: "a"}, nodePriv)
	require.NoError(t, err)

	var signed SignedReply
	require.NoError(t, codec.Unmarshal(data, &signed))
	signed.Body, err = codec.Marshal(&ReplyBody{InResponseTo: "m-2", Address: "a"})
	require.NoError(t, err)
	tampered, err := codec.Marshal(signed)
	require.NoError(t, err)

	_, _, err = Open(codec, tampered, nil)
	assert.ErrorIs(t, err, ErrBadReplySignature)

	_, _, err = Open(codec, []byte("{"), nil)
	assert.Error(t, err)
}
