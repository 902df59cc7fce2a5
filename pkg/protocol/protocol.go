// Package protocol implements the daemon's wire format: a length-prefixed,
// snappy-compressed cbor encoding of request/response envelopes, plus the
// connect-time version and shared-secret handshakes. Grounded on the pack's
// cbor/snappy reference manifests (the teacher's own cross-node traffic is
// gRPC+protobuf, which this spec explicitly avoids in favor of a bespoke
// framed binary protocol).
package protocol

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/golang/snappy"
)

// Version is the protocol's handshake version string. A client and daemon
// with differing major versions (the portion before the first dot) refuse
// to proceed.
const Version = "1.0"

const maxFrameSize = 64 << 20 // 64MiB; guards against a corrupt length prefix

// WriteFrame encodes v as cbor, compresses it, and writes a big-endian
// uint64 byte-count prefix followed by the compressed payload.
func WriteFrame(w io.Writer, v interface{}) error {
	encoded, err := cbor.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode frame payload: %w", err)
	}
	compressed := snappy.Encode(nil, encoded)

	var lenPrefix [8]byte
	binary.BigEndian.PutUint64(lenPrefix[:], uint64(len(compressed)))
	if _, err := w.Write(lenPrefix[:]); err != nil {
		return fmt.Errorf("failed to write frame length: %w", err)
	}
	if _, err := w.Write(compressed); err != nil {
		return fmt.Errorf("failed to write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame and decodes it into v.
func ReadFrame(r io.Reader, v interface{}) error {
	var lenPrefix [8]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		return fmt.Errorf("failed to read frame length: %w", err)
	}
	size := binary.BigEndian.Uint64(lenPrefix[:])
	if size > maxFrameSize {
		return fmt.Errorf("frame size %d exceeds maximum %d", size, maxFrameSize)
	}

	compressed := make([]byte, size)
	if _, err := io.ReadFull(r, compressed); err != nil {
		return fmt.Errorf("failed to read frame payload: %w", err)
	}

	decoded, err := snappy.Decode(nil, compressed)
	if err != nil {
		return fmt.Errorf("failed to decompress frame payload: %w", err)
	}
	if err := cbor.Unmarshal(decoded, v); err != nil {
		return fmt.Errorf("failed to decode frame payload: %w", err)
	}
	return nil
}

// ClientHandshake performs the connect-time version and shared-secret
// exchange from the client's side: send our version, read the daemon's
// one-line reply ("OK" on accept; on reject, a REJECT line that names the
// daemon's version), then send the secret and read the daemon's "OK" or
// REJECT line. The daemon's version is not sent on accept. r must be the same *bufio.Reader the caller goes on to use
// for ReadFrame on this connection, since a fresh bufio.Reader would
// silently swallow any bytes it read ahead of the handshake lines.
func ClientHandshake(r *bufio.Reader, w io.Writer, secret string) error {
	if err := writeLine(w, Version); err != nil {
		return fmt.Errorf("failed to send version: %w", err)
	}
	line, err := readLine(r)
	if err != nil {
		return fmt.Errorf("failed to read daemon version reply: %w", err)
	}
	if line != "OK" {
		return fmt.Errorf("daemon rejected client version: %s", line)
	}

	if err := writeLine(w, secret); err != nil {
		return fmt.Errorf("failed to send secret: %w", err)
	}
	line, err = readLine(r)
	if err != nil {
		return fmt.Errorf("failed to read daemon secret reply: %w", err)
	}
	if line != "OK" {
		return fmt.Errorf("daemon rejected shared secret")
	}
	return nil
}

// ServerHandshake performs the daemon's side of the same exchange,
// rejecting on a major-version mismatch or a bad secret. See ClientHandshake
// for why r must be shared with subsequent frame reads.
func ServerHandshake(r *bufio.Reader, w io.Writer, secret string) error {
	clientVersion, err := readLine(r)
	if err != nil {
		return fmt.Errorf("failed to read client version: %w", err)
	}
	if majorVersion(clientVersion) != majorVersion(Version) {
		_ = writeLine(w, "REJECT incompatible version "+Version)
		return fmt.Errorf("client version %q incompatible with daemon version %q", clientVersion, Version)
	}
	if err := writeLine(w, "OK"); err != nil {
		return fmt.Errorf("failed to ack client version: %w", err)
	}

	clientSecret, err := readLine(r)
	if err != nil {
		return fmt.Errorf("failed to read client secret: %w", err)
	}
	if clientSecret != secret {
		_ = writeLine(w, "REJECT bad secret")
		return fmt.Errorf("client presented an invalid shared secret")
	}
	if err := writeLine(w, "OK"); err != nil {
		return fmt.Errorf("failed to ack client secret: %w", err)
	}
	return nil
}

func majorVersion(v string) string {
	if i := strings.IndexByte(v, '.'); i >= 0 {
		return v[:i]
	}
	return v
}

func writeLine(w io.Writer, s string) error {
	_, err := w.Write([]byte(s + "\n"))
	return err
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\n"), nil
}
