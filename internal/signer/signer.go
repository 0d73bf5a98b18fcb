// Package signer implements the out-of-process signer bridge (C5). The
// connector never holds a private key: it hashes the canonical order
// action, sends the hash plus a reserved nonce to an external signer
// process over line-delimited JSON on stdin/stdout, and waits for a
// signature triplet back. One request is outstanding at a time — the
// bridge is a strict request/reply pipe, not a duplex channel like C4.
package signer

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signature is the (r, s, v) triplet an external signer returns.
type Signature struct {
	R hexutil.Bytes `json:"r"`
	S hexutil.Bytes `json:"s"`
	V byte          `json:"v"`
}

// Hex formats the signature as a single 0x-prefixed 65-byte string, the
// shape most venue wire formats expect.
func (s Signature) Hex() string {
	buf := make([]byte, 65)
	copy(buf[:32], common.LeftPadBytes(s.R, 32))
	copy(buf[32:64], common.LeftPadBytes(s.S, 32))
	buf[64] = s.V
	return hexutil.Encode(buf)
}

type signRequest struct {
	ID        uint64 `json:"id"`
	ActionHex string `json:"action_hash"`
	Nonce     uint64 `json:"nonce"`
}

type signResponse struct {
	ID    uint64 `json:"id"`
	R     string `json:"r"`
	S     string `json:"s"`
	V     byte   `json:"v"`
	Error string `json:"error,omitempty"`
}

// NonceSource reserves strictly increasing nonces for signed actions.
type NonceSource interface {
	Next(ctx context.Context) (uint64, error)
}

// Process is a line-delimited JSON request/reply pipe to a child process.
// It is the transport NonceSource-agnostic half of the bridge; Bridge
// composes it with a NonceSource to produce full signatures.
type Process struct {
	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	reader *bufio.Reader
	nextID atomic.Uint64
}

// StartProcess launches the signer executable with args and wires its
// stdin/stdout as a line-delimited JSON pipe.
func StartProcess(name string, args ...string) (*Process, error) {
	cmd := exec.Command(name, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("signer: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("signer: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("signer: start: %w", err)
	}
	return &Process{cmd: cmd, stdin: stdin, reader: bufio.NewReader(stdout)}, nil
}

// Close terminates the child process.
func (p *Process) Close() error {
	p.stdin.Close()
	return p.cmd.Wait()
}

// roundTrip sends one request line and blocks for the matching reply
// line. The mutex enforces the one-outstanding-request-at-a-time
// discipline the protocol requires.
func (p *Process) roundTrip(req signRequest) (signResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	line, err := json.Marshal(req)
	if err != nil {
		return signResponse{}, fmt.Errorf("signer: marshal request: %w", err)
	}
	line = append(line, '\n')
	if _, err := p.stdin.Write(line); err != nil {
		return signResponse{}, fmt.Errorf("signer: write request: %w", err)
	}

	respLine, err := p.reader.ReadBytes('\n')
	if err != nil {
		return signResponse{}, fmt.Errorf("signer: read response: %w", err)
	}
	var resp signResponse
	if err := json.Unmarshal(respLine, &resp); err != nil {
		return signResponse{}, fmt.Errorf("signer: unmarshal response: %w", err)
	}
	if resp.ID != req.ID {
		return signResponse{}, fmt.Errorf("signer: response id %d does not match request id %d", resp.ID, req.ID)
	}
	return resp, nil
}

// Bridge is the full C5 surface: hash, reserve a nonce, round-trip to the
// child process, return a Signature.
type Bridge struct {
	proc  *Process
	nonce NonceSource
}

// NewBridge composes a process pipe with a nonce source.
func NewBridge(proc *Process, nonce NonceSource) *Bridge {
	return &Bridge{proc: proc, nonce: nonce}
}

// HashAction canonicalizes an order action to bytes and returns its
// Keccak-256 digest — the same hash primitive the venue's signature
// scheme is built on. encoding/json sorts map keys and preserves struct
// field order, so a given action value always hashes the same way.
func HashAction(action any) ([]byte, error) {
	body, err := json.Marshal(action)
	if err != nil {
		return nil, fmt.Errorf("signer: marshal action: %w", err)
	}
	return crypto.Keccak256(body), nil
}

// Sign reserves a nonce and obtains a signature for action from the
// external signer process.
func (b *Bridge) Sign(ctx context.Context, action any) (Signature, uint64, error) {
	hash, err := HashAction(action)
	if err != nil {
		return Signature{}, 0, err
	}

	nonce, err := b.nonce.Next(ctx)
	if err != nil {
		return Signature{}, 0, fmt.Errorf("signer: reserve nonce: %w", err)
	}

	req := signRequest{
		ID:        b.proc.nextID.Add(1),
		ActionHex: hexutil.Encode(hash),
		Nonce:     nonce,
	}

	resp, err := b.proc.roundTrip(req)
	if err != nil {
		return Signature{}, nonce, err
	}
	if resp.Error != "" {
		return Signature{}, nonce, fmt.Errorf("signer: remote signing failed: %s", resp.Error)
	}

	r, err := hexutil.Decode(resp.R)
	if err != nil {
		return Signature{}, nonce, fmt.Errorf("signer: decode r: %w", err)
	}
	s, err := hexutil.Decode(resp.S)
	if err != nil {
		return Signature{}, nonce, fmt.Errorf("signer: decode s: %w", err)
	}
	return Signature{R: r, S: s, V: resp.V}, nonce, nil
}
