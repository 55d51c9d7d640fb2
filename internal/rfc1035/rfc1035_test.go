package rfc1035

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildQueryAndParseRoundTrip(t *testing.T) {
	query, err := BuildQuery(0x1234, "example.com", TypeA)
	require.NoError(t, err)

	msg, err := ParseMessage(query)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x1234), msg.Header.ID)
	assert.False(t, msg.Header.QR)
	assert.True(t, msg.Header.RD)
	require.Len(t, msg.Questions, 1)
	assert.Equal(t, "example.com", msg.Questions[0].Name)
	assert.Equal(t, TypeA, msg.Questions[0].Type)
}

func TestDecodeNameWithCompressionPointer(t *testing.T) {
	// A minimal reply: header, one question (example.com), one answer whose
	// name is a compression pointer back to the question's name.
	query, err := BuildQuery(0xabcd, "example.com", TypeA)
	require.NoError(t, err)

	reply := make([]byte, len(query))
	copy(reply, query)
	reply[2] |= 0x80 // QR=1
	reply[7] = 1     // ANCount = 1

	questionNameLen := len(reply) - 12 - 4 // minus header, minus qtype/qclass
	pointer := []byte{0xc0, 0x0c}          // pointer to offset 12 (start of question name)
	rdata := []byte{127, 0, 0, 1}
	answer := append(append(pointer, 0x00, byte(TypeA), 0x00, 0x01, 0, 0, 0, 60, 0, 4), rdata...)
	_ = questionNameLen
	reply = append(reply, answer...)

	msg, err := ParseMessage(reply)
	require.NoError(t, err)
	require.Len(t, msg.Answers, 1)
	assert.Equal(t, "example.com", msg.Answers[0].Name)
	a, ok := msg.Answers[0].Data.(A)
	require.True(t, ok)
	assert.Equal(t, [4]byte{127, 0, 0, 1}, a.Addr)
}

func TestIsValidName(t *testing.T) {
	assert.True(t, IsValidName("matrix.org"))
	assert.True(t, IsValidName("matrix.org:8448"))
	assert.True(t, IsValidName("a.b.c"))
	assert.False(t, IsValidName(""))
	assert.False(t, IsValidName("-bad.example.com"))
	assert.False(t, IsValidName("has space.com"))
}
