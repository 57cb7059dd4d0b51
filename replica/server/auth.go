package server

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/creativeprojects/mailsync/lib"
	"github.com/creativeprojects/mailsync/metrics"
	"github.com/creativeprojects/mailsync/replica/protocol"
	"github.com/emersion/go-sasl"
	"golang.org/x/crypto/bcrypt"
)

var errBadCredentials = errors.New("invalid credentials")

func (s *session) cmdNoop(args *protocol.Args) error {
	if err := args.End(); err != nil {
		return err
	}
	return s.conn.WriteOK("Noop completed")
}

func (s *session) cmdExit(args *protocol.Args) error {
	if err := args.End(); err != nil {
		return err
	}
	err := s.conn.WriteOK("Finished")
	if err != nil {
		return err
	}
	return errExit
}

// cmdRestart drops the user lock and every reservation, the connection stays authenticated
func (s *session) cmdRestart(args *protocol.Args) error {
	if err := args.End(); err != nil {
		return err
	}
	s.unlockUser()
	s.clearReserved()
	return s.conn.WriteOK("Restarting")
}

func (s *session) cmdStartTLS(args *protocol.Args) error {
	if err := args.End(); err != nil {
		return err
	}
	if s.tlsDone || s.conn.IsTLS() {
		return fmt.Errorf("%w: already in TLS mode", lib.ErrProtocol)
	}
	if s.state != stateNotAuthenticated && len(s.server.options.Users) > 0 {
		return fmt.Errorf("%w: STARTTLS after authentication", lib.ErrProtocol)
	}
	if s.server.options.TLSConfig == nil {
		return fmt.Errorf("%w: TLS not available", lib.ErrPermissionDenied)
	}
	s.tlsDone = true
	err := s.conn.WriteOK("Begin TLS negotiation now")
	if err != nil {
		return err
	}
	err = s.conn.AcceptTLS(s.server.options.TLSConfig)
	if err != nil {
		// the stream is in an unknown state
		return fmt.Errorf("TLS negotiation: %w", err)
	}
	s.log.Printf("TLS negotiated")
	return nil
}

// cmdAuthenticate accepts the PLAIN mechanism with its initial response:
// AUTHENTICATE PLAIN base64(identity \0 user \0 password)
func (s *session) cmdAuthenticate(args *protocol.Args) error {
	if s.state != stateNotAuthenticated {
		return fmt.Errorf("%w: already authenticated", lib.ErrProtocol)
	}
	mechanism, err := args.String()
	if err != nil {
		return err
	}
	encoded, err := args.String()
	if err != nil {
		return err
	}
	if err = args.End(); err != nil {
		return err
	}
	mechanism = strings.ToUpper(mechanism)
	if mechanism != sasl.Plain {
		metrics.AuthenticationInc(mechanism, "error")
		return fmt.Errorf("%w: unsupported mechanism %s", lib.ErrProtocol, mechanism)
	}
	response, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		metrics.AuthenticationInc(mechanism, "error")
		return fmt.Errorf("%w: invalid base64 response", lib.ErrProtocol)
	}

	var user string
	server := sasl.NewPlainServer(func(identity, username, password string) error {
		if identity != "" && identity != username {
			return errBadCredentials
		}
		hash, found := s.server.options.Users[username]
		if !found || bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
			return errBadCredentials
		}
		user = username
		return nil
	})
	_, done, err := server.Next(response)
	if err != nil || !done {
		metrics.AuthenticationInc(mechanism, "badcreds")
		s.log.Printf("authentication failed: %v", err)
		return fmt.Errorf("%w: authentication failed", lib.ErrPermissionDenied)
	}
	metrics.AuthenticationInc(mechanism, "ok")
	s.authUser = user
	s.state = stateAuthenticated
	s.log.Printf("authenticated as %s", user)
	return s.conn.WriteOK("Success (%s)", tlsStatus(s.conn.IsTLS()))
}

func tlsStatus(tls bool) string {
	if tls {
		return "tls protection"
	}
	return "no protection"
}
