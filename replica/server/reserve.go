package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/creativeprojects/mailsync/lib"
	"github.com/creativeprojects/mailsync/mailbox"
	"github.com/creativeprojects/mailsync/metrics"
	"github.com/creativeprojects/mailsync/replica/protocol"
)

// reservation is a message already on the server which can be copied by UPLOAD
type reservation struct {
	path   string
	record mailbox.IndexRecord
	cache  []byte
}

// reservations are kept in a staging directory for the lifetime of the session
type reservations struct {
	dir     string
	entries map[mailbox.GUID]reservation
	next    int
	log     lib.Logger
}

func newReservations(dir string, logger lib.Logger) *reservations {
	return &reservations{
		dir:     dir,
		entries: make(map[mailbox.GUID]reservation),
		log:     logger,
	}
}

func (r *reservations) has(guid mailbox.GUID) bool {
	_, found := r.entries[guid]
	return found
}

func (r *reservations) get(guid mailbox.GUID) (reservation, bool) {
	entry, found := r.entries[guid]
	return entry, found
}

func (r *reservations) len() int {
	return len(r.entries)
}

// add links the message file into the staging directory
func (r *reservations) add(source string, record mailbox.IndexRecord, cache []byte) error {
	r.next++
	path := filepath.Join(r.dir, strconv.Itoa(r.next))
	err := lib.LinkOrCopy(r.log, path, source, false)
	if err != nil {
		return err
	}
	r.entries[record.GUID] = reservation{
		path:   path,
		record: record,
		cache:  cache,
	}
	return nil
}

func (r *reservations) remove() error {
	r.entries = nil
	err := os.RemoveAll(r.dir)
	if err != nil {
		return fmt.Errorf("%w: %s", lib.ErrIO, err)
	}
	return nil
}

// cmdReserve: RESERVE name (guid...)
// Every message of the mailbox with one of the identities is reserved and its identity sent back.
func (s *session) cmdReserve(args *protocol.Args) error {
	name, err := args.String()
	if err != nil {
		return err
	}
	list, err := args.Strings()
	if err != nil {
		return err
	}
	if err = args.End(); err != nil {
		return err
	}
	wanted := make(map[mailbox.GUID]bool, len(list))
	for _, text := range list {
		guid, err := mailbox.ParseGUID(text)
		if err != nil {
			return fmt.Errorf("%w: %s", lib.ErrProtocol, err)
		}
		if !guid.IsNull() {
			wanted[guid] = true
		}
	}

	reserved, err := s.staging()
	if err != nil {
		return err
	}
	m, err := s.server.list.Open(name)
	if err != nil {
		return err
	}
	defer m.Close()
	records, err := m.Records()
	if err != nil {
		return err
	}
	count := 0
	for _, record := range records {
		if !wanted[record.GUID] || reserved.has(record.GUID) {
			continue
		}
		cache, err := m.CacheBlob(record)
		if err != nil {
			s.log.Printf("IOERROR: reading cache of %s uid %d: %s", name, record.UID, err)
			continue
		}
		err = reserved.add(m.MessagePath(record.UID), record, cache)
		if err != nil {
			s.log.Printf("IOERROR: reserving %s uid %d: %s", name, record.UID, err)
			continue
		}
		count++
		err = s.conn.WriteData(protocol.FormatGUID(record.GUID))
		if err != nil {
			return err
		}
	}
	metrics.ReservationAdd(count)
	return s.conn.WriteOK("Reserve complete")
}
