package server

import (
	"github.com/creativeprojects/mailsync/lib"
	"github.com/creativeprojects/mailsync/replica/protocol"
)

// cmdListSieve: LIST_SIEVE
// Reply: * name modified active, for every script of the locked user
func (s *session) cmdListSieve(args *protocol.Args) error {
	if err := args.End(); err != nil {
		return err
	}
	scripts, err := s.server.list.State().ListSieve(s.user)
	if err != nil {
		return err
	}
	for _, script := range scripts {
		if err = s.writeSieve("", script); err != nil {
			return err
		}
	}
	return s.conn.WriteOK("List_Sieve completed")
}

// cmdGetSieve: GET_SIEVE name
// Reply: * {content}
func (s *session) cmdGetSieve(args *protocol.Args) error {
	name, err := sieveName(args)
	if err != nil {
		return err
	}
	script, err := s.server.list.State().GetSieve(s.user, name)
	if err != nil {
		return err
	}
	if err = s.conn.WriteData(protocol.Literal(script.Content)); err != nil {
		return err
	}
	return s.conn.WriteOK("Get_Sieve completed")
}

// cmdUploadSieve: UPLOAD_SIEVE name modified {content}
func (s *session) cmdUploadSieve(args *protocol.Args) error {
	name, err := args.String()
	if err != nil {
		return err
	}
	modified, err := args.Unix()
	if err != nil {
		return err
	}
	content, err := args.Bytes()
	if err != nil {
		return err
	}
	if err = args.End(); err != nil {
		return err
	}
	err = s.server.list.State().PutSieve(s.user, lib.NormalizeName(name), modified, content)
	if err != nil {
		return err
	}
	return s.conn.WriteOK("Upload_Sieve completed")
}

func (s *session) cmdActivateSieve(args *protocol.Args) error {
	name, err := sieveName(args)
	if err != nil {
		return err
	}
	err = s.server.list.State().ActivateSieve(s.user, name)
	if err != nil {
		return err
	}
	return s.conn.WriteOK("Activate_Sieve completed")
}

func (s *session) cmdDeactivateSieve(args *protocol.Args) error {
	if err := args.End(); err != nil {
		return err
	}
	err := s.server.list.State().DeactivateSieve(s.user)
	if err != nil {
		return err
	}
	return s.conn.WriteOK("Deactivate_Sieve completed")
}

func (s *session) cmdDeleteSieve(args *protocol.Args) error {
	name, err := sieveName(args)
	if err != nil {
		return err
	}
	err = s.server.list.State().DeleteSieve(s.user, name)
	if err != nil {
		return err
	}
	return s.conn.WriteOK("Delete_Sieve completed")
}

func sieveName(args *protocol.Args) (string, error) {
	name, err := args.String()
	if err != nil {
		return "", err
	}
	return lib.NormalizeName(name), args.End()
}
