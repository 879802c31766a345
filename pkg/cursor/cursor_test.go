package cursor

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	ts := time.Date(2024, 3, 15, 10, 30, 0, 123456000, time.UTC)
	token := Encode(Position{Key: ts, ID: "01HV3ZJXK8YQW5T2M9R4N6P7E1"})

	pos, err := Decode(token)
	require.NoError(t, err)
	assert.True(t, pos.Key.Equal(ts), "timestamp should round-trip to microsecond precision")
	assert.Equal(t, "01HV3ZJXK8YQW5T2M9R4N6P7E1", pos.ID)
}

func TestEncodeIsOpaque(t *testing.T) {
	token := Encode(Position{Key: time.Now(), ID: "abc"})
	assert.NotContains(t, token, ":")
	assert.NotContains(t, token, "=")
	assert.NotContains(t, token, "+")
	assert.NotContains(t, token, "/")
}

func TestDecodeInvalid(t *testing.T) {
	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"not base64", "!!!not-base64!!!"},
		{"no separator", base64.RawURLEncoding.EncodeToString([]byte("12345"))},
		{"missing id", base64.RawURLEncoding.EncodeToString([]byte("12345:"))},
		{"non-numeric timestamp", base64.RawURLEncoding.EncodeToString([]byte("abc:id1"))},
		{"garbage", "dGhpcyBpcyBub3QgYSBjdXJzb3I"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.token)
			require.ErrorIs(t, err, ErrInvalidCursor)
		})
	}
}

func TestDecodeIDWithSeparator(t *testing.T) {
	// ids never contain ':' in practice, but the codec splits on the first one
	token := base64.RawURLEncoding.EncodeToString([]byte("1000000:id:with:colons"))
	pos, err := Decode(token)
	require.NoError(t, err)
	assert.Equal(t, "id:with:colons", pos.ID)
	assert.Equal(t, int64(1000000), pos.Key.UnixMicro())
}
