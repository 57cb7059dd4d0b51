package store

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/creativeprojects/mailsync/lib"
	"github.com/creativeprojects/mailsync/mailbox"
)

// OpenOptions change how a mailbox is opened
type OpenOptions struct {
	// Reconstruct tolerates a missing header, a generation mismatch or a truncated index.
	// It is only meant for repair tooling.
	Reconstruct bool
}

// Mailbox is an open handle on the files of one mailbox.
// A handle is not safe for concurrent use: other goroutines and processes
// are kept consistent by the file locks, so each of them opens its own handle.
type Mailbox struct {
	store       *Store
	name        string
	partition   string
	path        string
	reconstruct bool
	log         lib.Logger

	headerFile *os.File
	header     mailbox.Header

	indexFile *os.File
	cacheFile *os.File
	index     mailbox.IndexHeader
	indexData []byte
	cacheSize int64
	guids     map[mailbox.GUID]uint32

	headerLocks int
	indexLocks  int
	quotaLocks  int
	popLocks    int
	quota       *QuotaLock
}

// Open opens an existing mailbox
func (s *Store) Open(name, partition string) (*Mailbox, error) {
	return s.OpenWithOptions(name, partition, OpenOptions{})
}

func (s *Store) OpenWithOptions(name, partition string, options OpenOptions) (*Mailbox, error) {
	path, err := s.Path(name, partition)
	if err != nil {
		return nil, err
	}
	if partition == "" {
		partition = s.defaultPartition
	}
	m := &Mailbox{
		store:       s,
		name:        name,
		partition:   partition,
		path:        path,
		reconstruct: options.Reconstruct,
		log:         s.log,
	}
	err = m.openHeader()
	if err != nil {
		return nil, err
	}
	err = m.openIndex()
	if err != nil {
		m.Close()
		return nil, err
	}
	if m.index.NeedsUpgrade {
		err = m.upgradeIndex()
		if err != nil {
			m.Close()
			return nil, err
		}
	}
	if m.header.UniqueID == "" && m.headerFile == nil {
		m.header.UniqueID = mailbox.MakeUniqueID(m.name, m.index.UIDValidity)
	} else if m.header.UniqueID == "" {
		err = m.generateUniqueID()
		if err != nil {
			m.Close()
			return nil, err
		}
	}
	return m, nil
}

func (m *Mailbox) openHeader() error {
	file, err := os.OpenFile(m.file(HeaderFile), os.O_RDWR, 0)
	if errors.Is(err, os.ErrNotExist) {
		if m.reconstruct {
			m.log.Printf("mailbox %s: no header file, using an empty header", m.name)
			m.header = mailbox.Header{}
			return nil
		}
		return fmt.Errorf("%w: %s", lib.ErrMailboxNotFound, m.name)
	}
	if err != nil {
		return fmt.Errorf("%w: opening header of %s: %s", lib.ErrIO, m.name, err)
	}
	m.headerFile = file
	return m.readHeader()
}

func (m *Mailbox) readHeader() error {
	data, err := readAll(m.headerFile)
	if err != nil {
		return err
	}
	header, err := mailbox.ParseHeader(data)
	if err != nil {
		if m.reconstruct {
			m.log.Printf("mailbox %s: %s, using an empty header", m.name, err)
			m.header = mailbox.Header{}
			return nil
		}
		return fmt.Errorf("mailbox %s: %w", m.name, err)
	}
	m.header = *header
	return nil
}

// openIndex opens index and cache files until both carry the same generation number
func (m *Mailbox) openIndex() error {
	for attempt := 1; ; attempt++ {
		err := m.openIndexFiles()
		if err != nil {
			return err
		}
		indexGeneration, cacheGeneration, err := m.generations()
		if err != nil {
			m.closeIndexFiles()
			return err
		}
		if indexGeneration == cacheGeneration {
			return m.refresh()
		}
		if attempt >= m.store.retries {
			if m.reconstruct {
				m.log.Printf("mailbox %s: index generation %d does not match cache generation %d, continuing", m.name, indexGeneration, cacheGeneration)
				return m.refresh()
			}
			m.closeIndexFiles()
			return fmt.Errorf("%w: mailbox %s: index generation %d does not match cache generation %d", lib.ErrBadFormat, m.name, indexGeneration, cacheGeneration)
		}
		m.log.Printf("mailbox %s: generation mismatch (index %d, cache %d), retrying", m.name, indexGeneration, cacheGeneration)
		m.closeIndexFiles()
		m.store.sleep()
	}
}

func (m *Mailbox) openIndexFiles() error {
	index, err := os.OpenFile(m.file(IndexFile), os.O_RDWR, 0)
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s has no index", lib.ErrMailboxNotFound, m.name)
	}
	if err != nil {
		return fmt.Errorf("%w: opening index of %s: %s", lib.ErrIO, m.name, err)
	}
	cache, err := os.OpenFile(m.file(CacheFile), os.O_RDWR, 0)
	if err != nil {
		_ = index.Close()
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s has no cache", lib.ErrBadFormat, m.name)
		}
		return fmt.Errorf("%w: opening cache of %s: %s", lib.ErrIO, m.name, err)
	}
	m.indexFile = index
	m.cacheFile = cache
	return nil
}

func (m *Mailbox) closeIndexFiles() {
	if m.indexFile != nil {
		_ = m.indexFile.Close()
		m.indexFile = nil
	}
	if m.cacheFile != nil {
		_ = m.cacheFile.Close()
		m.cacheFile = nil
	}
}

func (m *Mailbox) generations() (uint32, uint32, error) {
	buf := make([]byte, mailbox.GenerationSize)
	_, err := m.indexFile.ReadAt(buf, 0)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: mailbox %s: reading index generation: %s", lib.ErrBadFormat, m.name, err)
	}
	indexGeneration, _ := mailbox.DecodeGeneration(buf)
	_, err = m.cacheFile.ReadAt(buf, 0)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: mailbox %s: reading cache generation: %s", lib.ErrBadFormat, m.name, err)
	}
	cacheGeneration, _ := mailbox.DecodeGeneration(buf)
	return indexGeneration, cacheGeneration, nil
}

// refresh reloads the snapshot of the index file
func (m *Mailbox) refresh() error {
	data, err := readAll(m.indexFile)
	if err != nil {
		return err
	}
	header, err := mailbox.DecodeIndexHeader(data)
	if err != nil {
		return fmt.Errorf("mailbox %s: %w", m.name, err)
	}
	if int64(len(data)) < header.IndexLength() {
		if !m.reconstruct {
			return fmt.Errorf("%w: mailbox %s: index holds %d bytes, %d expected", lib.ErrBadFormat, m.name, len(data), header.IndexLength())
		}
		available := (int64(len(data)) - int64(header.StartOffset)) / int64(header.RecordSize)
		m.log.Printf("mailbox %s: index truncated, keeping %d of %d records", m.name, available, header.Exists)
		header.Exists = uint32(max(available, 0))
	}
	info, err := m.cacheFile.Stat()
	if err != nil {
		return fmt.Errorf("%w: mailbox %s: stat cache: %s", lib.ErrIO, m.name, err)
	}
	m.index = header
	m.indexData = data
	m.cacheSize = info.Size()
	m.guids = nil
	return nil
}

func (m *Mailbox) generateUniqueID() error {
	hl, err := m.LockHeader()
	if err != nil {
		return err
	}
	defer hl.Unlock()
	if m.header.UniqueID != "" {
		return nil
	}
	m.header.UniqueID = mailbox.MakeUniqueID(m.name, m.index.UIDValidity)
	m.log.Printf("mailbox %s: generated unique id %s", m.name, m.header.UniqueID)
	return hl.WriteHeader()
}

// Close releases every lock still held and closes the files
func (m *Mailbox) Close() {
	if m.quota != nil {
		m.quota.release()
	}
	if m.popLocks > 0 && m.cacheFile != nil {
		lib.Check(m.log, lib.UnlockFile(m.cacheFile), "mailbox %s: releasing pop lock", m.name)
	}
	if m.indexLocks > 0 && m.indexFile != nil {
		lib.Check(m.log, lib.UnlockFile(m.indexFile), "mailbox %s: releasing index lock", m.name)
	}
	if m.headerLocks > 0 && m.headerFile != nil {
		lib.Check(m.log, lib.UnlockFile(m.headerFile), "mailbox %s: releasing header lock", m.name)
	}
	m.headerLocks, m.indexLocks, m.quotaLocks, m.popLocks = 0, 0, 0, 0
	m.closeIndexFiles()
	if m.headerFile != nil {
		_ = m.headerFile.Close()
		m.headerFile = nil
	}
}

// Name returns the mailbox name
func (m *Mailbox) Name() string {
	return m.name
}

// Partition returns the partition holding the mailbox
func (m *Mailbox) Partition() string {
	return m.partition
}

// Path returns the mailbox directory
func (m *Mailbox) Path() string {
	return m.path
}

// Header returns a copy of the mailbox header as last read
func (m *Mailbox) Header() mailbox.Header {
	return m.header
}

// UniqueID returns the identifier of the mailbox, stable across renames
func (m *Mailbox) UniqueID() string {
	return m.header.UniqueID
}

// IndexHeader returns the index header of the current snapshot
func (m *Mailbox) IndexHeader() mailbox.IndexHeader {
	return m.index
}

// Status returns the counters of the mailbox in the current snapshot
func (m *Mailbox) Status() mailbox.Status {
	return mailbox.Status{
		Name:        m.name,
		Flags:       m.header.Flags.Names(allUserFlags),
		Messages:    m.index.Exists,
		UidValidity: m.index.UIDValidity,
		LastUID:     m.index.LastUID,
	}
}

var allUserFlags = func() mailbox.UserFlags {
	var all mailbox.UserFlags
	for i := range all {
		all[i] = ^uint32(0)
	}
	return all
}()

// Record returns the record at position msgno (starting at 1)
func (m *Mailbox) Record(msgno uint32) (mailbox.IndexRecord, error) {
	if msgno == 0 || msgno > m.index.Exists {
		return mailbox.IndexRecord{}, fmt.Errorf("%w: mailbox %s: message number %d out of range 1-%d", lib.ErrBadFormat, m.name, msgno, m.index.Exists)
	}
	offset := m.index.RecordOffset(msgno)
	end := offset + int64(m.index.RecordSize)
	if end > int64(len(m.indexData)) {
		return mailbox.IndexRecord{}, fmt.Errorf("%w: mailbox %s: record %d beyond end of index", lib.ErrBadFormat, m.name, msgno)
	}
	return mailbox.DecodeIndexRecord(m.indexData[offset:end])
}

// Records returns every record of the current snapshot, in UID order
func (m *Mailbox) Records() ([]mailbox.IndexRecord, error) {
	records := make([]mailbox.IndexRecord, 0, m.index.Exists)
	for msgno := uint32(1); msgno <= m.index.Exists; msgno++ {
		record, err := m.Record(msgno)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

// UIDs returns the UIDs of the current snapshot, in increasing order
func (m *Mailbox) UIDs() ([]uint32, error) {
	records, err := m.Records()
	if err != nil {
		return nil, err
	}
	uids := make([]uint32, len(records))
	for i, record := range records {
		uids[i] = record.UID
	}
	return uids, nil
}

// FindUID returns the message number and the record of uid
func (m *Mailbox) FindUID(uid uint32) (uint32, mailbox.IndexRecord, bool) {
	var record mailbox.IndexRecord
	var failed bool
	index := sort.Search(int(m.index.Exists), func(i int) bool {
		current, err := m.Record(uint32(i + 1))
		if err != nil {
			failed = true
			return true
		}
		return current.UID >= uid
	})
	if failed || index >= int(m.index.Exists) {
		return 0, record, false
	}
	record, err := m.Record(uint32(index + 1))
	if err != nil || record.UID != uid {
		return 0, record, false
	}
	return uint32(index + 1), record, true
}

// FindGUID returns a record holding the message content identified by guid
func (m *Mailbox) FindGUID(guid mailbox.GUID) (mailbox.IndexRecord, bool) {
	if guid.IsNull() {
		return mailbox.IndexRecord{}, false
	}
	if m.guids == nil {
		m.guids = make(map[mailbox.GUID]uint32, m.index.Exists)
		for msgno := uint32(1); msgno <= m.index.Exists; msgno++ {
			record, err := m.Record(msgno)
			if err != nil || record.GUID.IsNull() {
				continue
			}
			if _, found := m.guids[record.GUID]; !found {
				m.guids[record.GUID] = msgno
			}
		}
	}
	msgno, found := m.guids[guid]
	if !found {
		return mailbox.IndexRecord{}, false
	}
	record, err := m.Record(msgno)
	if err != nil {
		return mailbox.IndexRecord{}, false
	}
	return record, true
}

// CacheBlob returns the cached metadata of a record
func (m *Mailbox) CacheBlob(record mailbox.IndexRecord) ([]byte, error) {
	if record.CacheSize == 0 {
		return []byte{}, nil
	}
	if record.CacheOffset < mailbox.GenerationSize || int64(record.CacheEnd()) > m.cacheSize {
		return nil, fmt.Errorf("%w: mailbox %s: cache range %d-%d of uid %d outside of the cache file (%d bytes)",
			lib.ErrBadFormat, m.name, record.CacheOffset, record.CacheEnd(), record.UID, m.cacheSize)
	}
	blob := make([]byte, record.CacheSize)
	_, err := m.cacheFile.ReadAt(blob, int64(record.CacheOffset))
	if err != nil {
		return nil, fmt.Errorf("%w: mailbox %s: reading cache: %s", lib.ErrIO, m.name, err)
	}
	return blob, nil
}

// MessagePath returns the file holding the content of message uid
func (m *Mailbox) MessagePath(uid uint32) string {
	return filepath.Join(m.path, mailbox.MessageFilename(uid))
}

// OpenMessage opens the content of message uid
func (m *Mailbox) OpenMessage(uid uint32) (*os.File, error) {
	file, err := os.Open(m.MessagePath(uid))
	if err != nil {
		return nil, fmt.Errorf("%w: mailbox %s: opening message %d: %s", lib.ErrIO, m.name, uid, err)
	}
	return file, nil
}

func (m *Mailbox) file(name string) string {
	return filepath.Join(m.path, name)
}

func readAll(file *os.File) ([]byte, error) {
	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("%w: stat %s: %s", lib.ErrIO, file.Name(), err)
	}
	data, err := io.ReadAll(io.NewSectionReader(file, 0, info.Size()))
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %s", lib.ErrIO, file.Name(), err)
	}
	return data, nil
}

// Refresh brings the snapshot up to date with the files on disk
func (m *Mailbox) Refresh() error {
	il, err := m.LockIndex()
	if err != nil {
		return err
	}
	il.Unlock()
	return nil
}
