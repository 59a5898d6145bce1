package rcon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Packet types. Auth responses reuse the command type value.
const (
	TypeResponseValue int32 = 0
	TypeCommand       int32 = 2
	TypeAuthResponse  int32 = 2
	TypeAuth          int32 = 3
)

var (
	ErrAuthFailed     = errors.New("rcon authentication failed")
	ErrNoAuthResponse = errors.New("no auth response from server")
)

// ConnectionError reports a transport-level fault during a round trip.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("rcon connection failed: %v", e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// IsAuthFailure reports whether err came from the auth step.
func IsAuthFailure(err error) bool {
	return errors.Is(err, ErrAuthFailed) || errors.Is(err, ErrNoAuthResponse)
}

// Dialer is satisfied by *net.Dialer.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Result mirrors what the admin API reports for a console command.
type Result struct {
	Success  bool   `json:"success"`
	Response string `json:"response,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Sender is the single-round-trip contract consumed by the orchestrator
// and the whitelist relay.
type Sender interface {
	Send(ctx context.Context, host string, port int, password, command string) (Result, error)
}

type Packet struct {
	ID   int32
	Type int32
	Body string
}

type CommandBuilder struct {
	tokens []string
}

func NewCommandBuilder(base string) *CommandBuilder {
	base = strings.TrimSpace(base)
	if base == "" {
		return &CommandBuilder{tokens: []string{}}
	}
	return &CommandBuilder{tokens: []string{base}}
}

func (b *CommandBuilder) Arg(value string) *CommandBuilder {
	b.tokens = append(b.tokens, quoteIfNeeded(value))
	return b
}

func (b *CommandBuilder) RawArg(value string) *CommandBuilder {
	b.tokens = append(b.tokens, strings.TrimSpace(value))
	return b
}

func (b *CommandBuilder) Build() string {
	return strings.TrimSpace(strings.Join(b.tokens, " "))
}

// quoteIfNeeded uses the double-quoted string form the game's command
// parser accepts.
func quoteIfNeeded(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return `""`
	}
	if !strings.ContainsAny(trimmed, " \t\"'\\") {
		return trimmed
	}
	escaped := strings.ReplaceAll(trimmed, `\`, `\\`)
	escaped = strings.ReplaceAll(escaped, `"`, `\"`)
	return `"` + escaped + `"`
}

// Verb returns the lower-cased first word of a console command, without a
// leading slash.
func Verb(command string) string {
	fields := strings.Fields(strings.TrimSpace(command))
	if len(fields) == 0 {
		return ""
	}
	return strings.ToLower(strings.TrimPrefix(fields[0], "/"))
}
