package server

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/creativeprojects/mailsync/lib"
	"github.com/creativeprojects/mailsync/mailbox"
	"github.com/creativeprojects/mailsync/metrics"
	"github.com/creativeprojects/mailsync/replica/protocol"
	"github.com/creativeprojects/mailsync/spool"
	"github.com/creativeprojects/mailsync/store"
)

// Kinds of UPLOAD items
const (
	UploadSimple = "SIMPLE"
	UploadParsed = "PARSED"
	UploadCopy   = "COPY"
)

// uploadItem is a message read from an UPLOAD command
type uploadItem struct {
	kind    string
	message store.NewMessage
	body    []byte
}

// cmdUpload: UPLOAD lastuid lastappend item...
//
// Each item is: kind guid uid internaldate sentdate lastupdated (flags), followed by
// "hdrsize lines cacheversion {cache} {body}" for PARSED, "{body}" for SIMPLE and nothing for COPY.
// Every item is appended in a single transaction.
func (s *session) cmdUpload(args *protocol.Args) error {
	lastUID, err := args.Number()
	if err != nil {
		return err
	}
	lastAppend, err := args.Unix()
	if err != nil {
		return err
	}
	items := make([]uploadItem, 0)
	for !args.Done() {
		item, err := s.readUploadItem(args)
		if err != nil {
			return err
		}
		items = append(items, item)
	}

	if len(items) > 0 {
		messages := make([]store.NewMessage, len(items))
		for i, item := range items {
			messages[i] = item.message
		}
		records, err := s.selected.Append(messages, store.AppendOptions{IgnoreQuota: true, Sync: true})
		if err != nil {
			return err
		}
		s.reserveUploaded(items, records)
	}
	err = s.selected.SetLastUID(lastUID, lastAppend)
	if err != nil {
		return err
	}
	return s.conn.WriteOK("Upload %d messages completed", len(items))
}

func (s *session) readUploadItem(args *protocol.Args) (uploadItem, error) {
	item := uploadItem{}
	kind, err := args.String()
	if err != nil {
		return item, err
	}
	item.kind = strings.ToUpper(kind)
	record := mailbox.IndexRecord{}
	if record.GUID, err = args.GUID(); err != nil {
		return item, err
	}
	if record.UID, err = args.Number(); err != nil {
		return item, err
	}
	if record.UID == 0 {
		return item, fmt.Errorf("%w: invalid uid 0", lib.ErrProtocol)
	}
	for _, date := range []*uint32{&record.InternalDate, &record.SentDate, &record.LastUpdated} {
		value, err := args.Unix()
		if err != nil {
			return item, err
		}
		if !value.IsZero() {
			*date = uint32(value.Unix())
		}
	}
	if item.message.Flags, err = args.Flags(); err != nil {
		return item, err
	}

	switch item.kind {
	case UploadParsed:
		if record.HeaderSize, err = args.Number(); err != nil {
			return item, err
		}
		if record.ContentLines, err = args.Number(); err != nil {
			return item, err
		}
		if record.CacheVersion, err = args.Number(); err != nil {
			return item, err
		}
		if item.message.Cache, err = args.Bytes(); err != nil {
			return item, err
		}
		if item.body, err = args.Bytes(); err != nil {
			return item, err
		}
		record.ContentOffset = record.HeaderSize

	case UploadSimple:
		if item.body, err = args.Bytes(); err != nil {
			return item, err
		}
		parsed, err := spool.Parse(item.body)
		if err != nil {
			return item, fmt.Errorf("%w: message uid %d: %s", lib.ErrProtocol, record.UID, err)
		}
		derived := parsed.Record()
		record.HeaderSize = derived.HeaderSize
		record.ContentOffset = derived.ContentOffset
		record.ContentLines = derived.ContentLines
		record.CacheVersion = derived.CacheVersion
		if record.SentDate == 0 {
			record.SentDate = derived.SentDate
		}
		item.message.Cache = parsed.Cache

	case UploadCopy:
		reserved, found := s.reservation(record.GUID)
		if !found {
			return item, fmt.Errorf("%w: %s", lib.ErrUnknownReservation, record.GUID)
		}
		record.HeaderSize = reserved.record.HeaderSize
		record.ContentOffset = reserved.record.ContentOffset
		record.ContentLines = reserved.record.ContentLines
		record.CacheVersion = reserved.record.CacheVersion
		record.Size = reserved.record.Size
		item.message.Cache = reserved.cache
		item.message.File = reserved.path

	default:
		return item, fmt.Errorf("%w: unknown upload kind %q", lib.ErrProtocol, kind)
	}

	if item.body != nil {
		guid := mailbox.ComputeGUID(item.body)
		if !record.GUID.IsNull() && record.GUID != guid {
			return item, fmt.Errorf("%w: message uid %d does not match its identity %s", lib.ErrProtocol, record.UID, record.GUID)
		}
		record.GUID = guid
		item.message.Body = bytes.NewReader(item.body)
	}
	item.message.Record = record
	return item, nil
}

func (s *session) reservation(guid mailbox.GUID) (reservation, bool) {
	if s.reserved == nil || guid.IsNull() {
		return reservation{}, false
	}
	return s.reserved.get(guid)
}

// reserveUploaded keeps the messages received in full, so the client can COPY them
// to another mailbox without sending them again
func (s *session) reserveUploaded(items []uploadItem, records []mailbox.IndexRecord) {
	reserved, err := s.staging()
	if err != nil {
		s.log.Printf("%s", err)
		return
	}
	for i, item := range items {
		metrics.UploadInc(strings.ToLower(item.kind), uint64(len(item.body)))
		if item.kind == UploadCopy || i >= len(records) || reserved.has(records[i].GUID) {
			continue
		}
		cache := item.message.Cache
		err = reserved.add(s.selected.MessagePath(records[i].UID), records[i], cache)
		if err != nil {
			s.log.Printf("IOERROR: reserving uploaded message %d: %s", records[i].UID, err)
		}
	}
}
