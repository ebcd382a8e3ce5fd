package mls

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodePrivateMessageContentRejectsNonZeroPadding(t *testing.T) {
	content := PrivateMessageContent{
		Content: Content{Type: ContentTypeApplication, Application: []byte("hello")},
		Auth:    FramedContentAuthData{Signature: []byte{1, 2, 3}},
		Padding: make([]byte, 8),
	}
	data, err := marshal(content)
	require.NoError(t, err)

	decoded, err := decodePrivateMessageContent(data)
	require.NoError(t, err)
	require.Equal(t, content.Content.Application, decoded.Content.Application)

	tampered := dup(data)
	tampered[len(tampered)-1] ^= 0x01
	_, err = decodePrivateMessageContent(tampered)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrSentinelDecode)
}
