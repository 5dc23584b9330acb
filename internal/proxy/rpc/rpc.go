// Package rpc defines the length-prefixed, JSON-encoded wire protocol
// spoken over the Unix domain socket between the driver and the
// rustc/linker/build-script subprocess handlers it spawns.
package rpc

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/cargocap/cargocap/internal/crateindex"
	"github.com/cargocap/cargocap/internal/linkinfo"
	"github.com/cargocap/cargocap/internal/problem"
)

// RequestKind discriminates the three request shapes a subprocess can send.
type RequestKind string

const (
	RequestRustc               RequestKind = "rustc"
	RequestBuildScriptComplete RequestKind = "build_script_complete"
	RequestUnsafeUsage         RequestKind = "unsafe_usage"
)

// Request is one IPC request from a subprocess to the driver. Exactly the
// fields relevant to Kind are populated.
type Request struct {
	ID   uuid.UUID   `json:"id"`
	Kind RequestKind `json:"kind"`

	LinkInfo *linkinfo.LinkInfo `json:"link_info,omitempty"` // RequestRustc

	BuildScriptOutput *problem.BuildScriptOutput `json:"build_script_output,omitempty"` // RequestBuildScriptComplete

	CrateSel *crateindex.CrateSel    `json:"crate_sel,omitempty"` // RequestUnsafeUsage
	Usages   []problem.Usage         `json:"usages,omitempty"`    // RequestUnsafeUsage
}

// NewRustcRequest builds a Rustc-variant request carrying li, with a fresh
// correlation ID.
func NewRustcRequest(li *linkinfo.LinkInfo) Request {
	return Request{ID: uuid.New(), Kind: RequestRustc, LinkInfo: li}
}

// NewBuildScriptCompleteRequest builds a BuildScriptComplete-variant request.
func NewBuildScriptCompleteRequest(out *problem.BuildScriptOutput) Request {
	return Request{ID: uuid.New(), Kind: RequestBuildScriptComplete, BuildScriptOutput: out}
}

// NewUnsafeUsageRequest builds an UnsafeUsage-variant request.
func NewUnsafeUsageRequest(sel crateindex.CrateSel, usages []problem.Usage) Request {
	return Request{ID: uuid.New(), Kind: RequestUnsafeUsage, CrateSel: &sel, Usages: usages}
}

// CanContinue is the driver's verdict on a Request.
type CanContinue string

const (
	// Proceed tells the subprocess to exec the real tool.
	Proceed CanContinue = "proceed"
	// Deny tells the subprocess to exit non-zero; the violation has
	// already been recorded in the problem store.
	Deny CanContinue = "deny"
	// GiveUp tells the subprocess the run is being torn down (abort was
	// signalled) and it should exit immediately without further work.
	GiveUp CanContinue = "give_up"
)

// Response wraps the driver's verdict for one Request.
type Response struct {
	ID     uuid.UUID   `json:"id"`
	Result CanContinue `json:"result"`
}

// writeFrame writes a 4-byte big-endian length prefix followed by the JSON
// encoding of v.
func writeFrame(w io.Writer, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("writing frame length: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("writing frame body: %w", err)
	}
	return nil
}

// readFrame reads one length-prefixed JSON frame from r into v.
func readFrame(r *bufio.Reader, v interface{}) error {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return err
	}
	size := binary.BigEndian.Uint32(lenBuf[:])
	const maxFrameSize = 64 * 1024 * 1024
	if size > maxFrameSize {
		return fmt.Errorf("frame size %d exceeds maximum %d", size, maxFrameSize)
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return fmt.Errorf("reading frame body: %w", err)
	}
	if err := json.Unmarshal(buf, v); err != nil {
		return fmt.Errorf("decoding frame: %w", err)
	}
	return nil
}

// WriteRequest writes req to w in wire format.
func WriteRequest(w io.Writer, req Request) error { return writeFrame(w, req) }

// ReadRequest reads one Request from r.
func ReadRequest(r *bufio.Reader) (Request, error) {
	var req Request
	err := readFrame(r, &req)
	return req, err
}

// WriteResponse writes resp to w in wire format.
func WriteResponse(w io.Writer, resp Response) error { return writeFrame(w, resp) }

// ReadResponse reads one Response from r.
func ReadResponse(r *bufio.Reader) (Response, error) {
	var resp Response
	err := readFrame(r, &resp)
	return resp, err
}
