package rcon

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	ilog "mcctl/internal/log"
)

const (
	DefaultReadTimeout = 5 * time.Second

	authRequestID    int32 = 1
	commandRequestID int32 = 2

	// id + type + two NUL terminators
	minPacketLength = 10
	maxPacketLength = 1 << 16
)

type Client struct {
	dialer      Dialer
	readTimeout time.Duration
}

func NewClient(dialer Dialer, readTimeout time.Duration) *Client {
	if dialer == nil {
		dialer = &net.Dialer{Timeout: 10 * time.Second}
	}
	if readTimeout <= 0 {
		readTimeout = DefaultReadTimeout
	}
	return &Client{dialer: dialer, readTimeout: readTimeout}
}

// Send performs one auth + command round trip and always closes the
// connection. The returned error is nil only when Result.Success is true.
func (c *Client) Send(ctx context.Context, host string, port int, password, command string) (Result, error) {
	logger := ilog.Component("rcon")
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	conn, err := c.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return failed(&ConnectionError{Err: err})
	}
	defer conn.Close()

	if err := c.write(conn, Packet{ID: authRequestID, Type: TypeAuth, Body: password}); err != nil {
		return failed(&ConnectionError{Err: err})
	}
	auth, ok, err := c.readAuth(ctx, conn)
	if err != nil {
		return failed(&ConnectionError{Err: err})
	}
	if !ok {
		logger.Warnf("no auth response from %s", addr)
		return failed(ErrNoAuthResponse)
	}
	if auth.ID == -1 {
		logger.Warnf("auth rejected by %s", addr)
		return failed(ErrAuthFailed)
	}

	if err := c.write(conn, Packet{ID: commandRequestID, Type: TypeCommand, Body: command}); err != nil {
		return failed(&ConnectionError{Err: err})
	}
	resp, ok, err := c.read(ctx, conn)
	if err != nil {
		return failed(&ConnectionError{Err: err})
	}
	if !ok {
		logger.Debugf("command %q produced no response within %s", Verb(command), c.readTimeout)
		return Result{Success: true, Response: ""}, nil
	}
	logger.Infof("command %q ok response_bytes=%d", Verb(command), len(resp.Body))
	return Result{Success: true, Response: resp.Body}, nil
}

func failed(err error) (Result, error) {
	return Result{Success: false, Error: err.Error()}, err
}

// readAuth skips the empty response-value packet some servers send ahead
// of the auth response.
func (c *Client) readAuth(ctx context.Context, conn net.Conn) (Packet, bool, error) {
	for {
		p, ok, err := c.read(ctx, conn)
		if err != nil || !ok {
			return p, ok, err
		}
		if p.Type == TypeResponseValue && p.ID != -1 {
			continue
		}
		return p, true, nil
	}
}

func (c *Client) write(conn net.Conn, p Packet) error {
	buf, err := EncodePacket(p)
	if err != nil {
		return err
	}
	_, err = conn.Write(buf)
	return err
}

// read returns ok=false when the deadline expires before a packet arrives.
func (c *Client) read(ctx context.Context, conn net.Conn) (Packet, bool, error) {
	deadline := time.Now().Add(c.readTimeout)
	if d, has := ctx.Deadline(); has && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return Packet{}, false, err
	}
	p, err := ReadPacket(conn)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return Packet{}, false, nil
		}
		if errors.Is(err, io.EOF) {
			return Packet{}, false, nil
		}
		return Packet{}, false, err
	}
	return p, true, nil
}

// EncodePacket lays out [len][id][type][body][0][0], little-endian.
func EncodePacket(p Packet) ([]byte, error) {
	length := minPacketLength + len(p.Body)
	if length > maxPacketLength {
		return nil, fmt.Errorf("rcon packet too large: %d bytes", length)
	}
	buf := make([]byte, 4+length)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(length))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(p.ID))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(p.Type))
	copy(buf[12:], p.Body)
	return buf, nil
}

// DecodePacket parses one complete packet including its length prefix.
func DecodePacket(buf []byte) (Packet, error) {
	if len(buf) < 4+minPacketLength {
		return Packet{}, fmt.Errorf("rcon packet truncated: %d bytes", len(buf))
	}
	length := int(int32(binary.LittleEndian.Uint32(buf[0:4])))
	if length < minPacketLength || length > maxPacketLength {
		return Packet{}, fmt.Errorf("rcon packet length out of range: %d", length)
	}
	if len(buf) < 4+length {
		return Packet{}, fmt.Errorf("rcon packet truncated: have %d want %d", len(buf), 4+length)
	}
	body := buf[12 : 4+length-2]
	return Packet{
		ID:   int32(binary.LittleEndian.Uint32(buf[4:8])),
		Type: int32(binary.LittleEndian.Uint32(buf[8:12])),
		Body: string(bytes.TrimRight(body, "\x00")),
	}, nil
}

// ReadPacket reads exactly one length-prefixed packet from r.
func ReadPacket(r io.Reader) (Packet, error) {
	var head [4]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return Packet{}, err
	}
	length := int(int32(binary.LittleEndian.Uint32(head[:])))
	if length < minPacketLength || length > maxPacketLength {
		return Packet{}, fmt.Errorf("rcon packet length out of range: %d", length)
	}
	buf := make([]byte, 4+length)
	copy(buf, head[:])
	if _, err := io.ReadFull(r, buf[4:]); err != nil {
		return Packet{}, err
	}
	return DecodePacket(buf)
}
