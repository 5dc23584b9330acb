package rpc

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cargocap/cargocap/internal/linkinfo"
)

func TestRequestRoundTripsThroughWireFormat(t *testing.T) {
	var buf bytes.Buffer
	req := NewRustcRequest(&linkinfo.LinkInfo{OutputFile: "target/debug/deps/foo"})

	require.NoError(t, WriteRequest(&buf, req))

	decoded, err := ReadRequest(bufio.NewReader(&buf))
	require.NoError(t, err)
	assert.Equal(t, req.ID, decoded.ID)
	assert.Equal(t, RequestRustc, decoded.Kind)
	require.NotNil(t, decoded.LinkInfo)
	assert.Equal(t, "target/debug/deps/foo", decoded.LinkInfo.OutputFile)
}

func TestResponseRoundTripsThroughWireFormat(t *testing.T) {
	var buf bytes.Buffer
	req := NewRustcRequest(nil)
	resp := Response{ID: req.ID, Result: Deny}

	require.NoError(t, WriteResponse(&buf, resp))

	decoded, err := ReadResponse(bufio.NewReader(&buf))
	require.NoError(t, err)
	assert.Equal(t, resp.ID, decoded.ID)
	assert.Equal(t, Deny, decoded.Result)
}

func TestReadRequestOversizedFrameIsRejected(t *testing.T) {
	var buf bytes.Buffer
	// A length prefix claiming an implausibly large frame should error
	// immediately rather than attempting to allocate it.
	buf.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF})
	_, err := ReadRequest(bufio.NewReader(&buf))
	assert.Error(t, err)
}

func TestMultipleFramesReadSequentially(t *testing.T) {
	var buf bytes.Buffer
	req1 := NewRustcRequest(nil)
	req2 := NewRustcRequest(nil)
	require.NoError(t, WriteRequest(&buf, req1))
	require.NoError(t, WriteRequest(&buf, req2))

	r := bufio.NewReader(&buf)
	got1, err := ReadRequest(r)
	require.NoError(t, err)
	got2, err := ReadRequest(r)
	require.NoError(t, err)
	assert.Equal(t, req1.ID, got1.ID)
	assert.Equal(t, req2.ID, got2.ID)
}
