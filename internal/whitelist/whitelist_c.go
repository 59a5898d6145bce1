// Package whitelist keeps the cached player whitelist and mirrors changes to
// the running game server.
package whitelist

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"mcctl/internal/apierr"
	"mcctl/internal/log"
	"mcctl/internal/pgsql"
	"mcctl/internal/rcon"
)

var usernameRegex = regexp.MustCompile(`^[a-zA-Z0-9_]{3,16}$`)

// Resolver maps a player name to its account UUID.
type Resolver interface {
	LookupUUID(ctx context.Context, username string) (string, error)
}

type Entry struct {
	Name    string    `json:"name"`
	UUID    *string   `json:"uuid"`
	AddedAt time.Time `json:"added_at"`
	AddedBy *string   `json:"added_by"`
}

type Change struct {
	Success   bool     `json:"success"`
	Message   string   `json:"message"`
	Whitelist []string `json:"whitelist"`
}

type Service struct {
	repos    pgsql.Repos
	resolver Resolver
	console  rcon.Sender
	rconPort int
	logger   interface {
		Infof(string, ...any)
		Warnf(string, ...any)
	}
}

// NewService wires the whitelist cache. resolver and console may be nil, in
// which case UUIDs stay empty and no command is relayed.
func NewService(repos pgsql.Repos, resolver Resolver, console rcon.Sender, rconPort int) *Service {
	return &Service{
		repos:    repos,
		resolver: resolver,
		console:  console,
		rconPort: rconPort,
		logger:   log.Component("whitelist"),
	}
}

func ValidateUsername(username string) error {
	if !usernameRegex.MatchString(username) {
		return apierr.Validation("invalid_username",
			"Username must be 3-16 characters, alphanumeric and underscores only")
	}
	return nil
}

func (s *Service) List(ctx context.Context) ([]Entry, error) {
	rows, err := s.repos.Whitelist.List(ctx)
	if err != nil {
		return nil, apierr.Internal(fmt.Errorf("list whitelist: %w", err))
	}
	out := make([]Entry, 0, len(rows))
	for _, r := range rows {
		e := Entry{Name: r.Username, AddedAt: r.AddedAt}
		if r.UUID.Valid {
			v := r.UUID.String
			e.UUID = &v
		}
		if r.AddedBy.Valid {
			v := r.AddedBy.String
			e.AddedBy = &v
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *Service) Add(ctx context.Context, username, addedBy string) (Change, error) {
	username = strings.TrimSpace(username)
	if err := ValidateUsername(username); err != nil {
		return Change{}, err
	}

	var uuid string
	if s.resolver != nil {
		id, err := s.resolver.LookupUUID(ctx, username)
		if err != nil {
			s.logger.Warnf("uuid lookup for %s failed: %v", username, err)
		}
		uuid = id
	}
	entry := pgsql.WhitelistEntry{Username: username}
	if uuid != "" {
		entry.UUID.String, entry.UUID.Valid = uuid, true
	}
	if addedBy != "" {
		entry.AddedBy.String, entry.AddedBy.Valid = addedBy, true
	}
	if err := s.repos.Whitelist.Upsert(ctx, entry); err != nil {
		return Change{}, apierr.Internal(fmt.Errorf("add %s to whitelist: %w", username, err))
	}

	s.relay(ctx, rcon.NewCommandBuilder("whitelist").RawArg("add").Arg(username).Build())
	return s.change(ctx, fmt.Sprintf("Added %s to whitelist", username))
}

func (s *Service) Remove(ctx context.Context, username string) (Change, error) {
	username = strings.TrimSpace(username)
	if err := ValidateUsername(username); err != nil {
		return Change{}, err
	}
	removed, err := s.repos.Whitelist.Remove(ctx, username)
	if err != nil {
		return Change{}, apierr.Internal(fmt.Errorf("remove %s from whitelist: %w", username, err))
	}
	if !removed {
		return Change{}, apierr.NotFound("not_found", fmt.Sprintf("%s is not on the whitelist", username))
	}

	s.relay(ctx, rcon.NewCommandBuilder("whitelist").RawArg("remove").Arg(username).Build())
	return s.change(ctx, fmt.Sprintf("Removed %s from whitelist", username))
}

// relay mirrors a change onto the live server. The cache is authoritative
// for this service, so failures are only logged.
func (s *Service) relay(ctx context.Context, command string) {
	if s.console == nil {
		return
	}
	st, err := s.repos.ServerState.Get(ctx)
	if err != nil {
		s.logger.Warnf("skip relay of %q: read state: %v", command, err)
		return
	}
	if st.State != "RUNNING" && st.State != "IDLE" {
		return
	}
	if !st.VPSIP.Valid || !st.RCONPassword.Valid {
		s.logger.Warnf("skip relay of %q: server ip or rcon password missing", command)
		return
	}
	res, err := s.console.Send(ctx, st.VPSIP.String, s.rconPort, st.RCONPassword.String, command)
	if err != nil {
		s.logger.Warnf("relay %q failed: %v", command, err)
		return
	}
	s.logger.Infof("relayed %q: %s", command, strings.TrimSpace(res.Response))
}

func (s *Service) change(ctx context.Context, message string) (Change, error) {
	rows, err := s.repos.Whitelist.List(ctx)
	if err != nil {
		return Change{}, apierr.Internal(fmt.Errorf("list whitelist: %w", err))
	}
	names := make([]string, 0, len(rows))
	for _, r := range rows {
		names = append(names, r.Username)
	}
	return Change{Success: true, Message: message, Whitelist: names}, nil
}
