package state

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/creativeprojects/mailsync/lib"
	bolt "go.etcd.io/bbolt"
)

// SeenState is the read marker of one user on one mailbox
type SeenState struct {
	LastRead   time.Time
	LastUID    uint32
	LastChange time.Time
	// SeenUIDs is a compact UID set such as "1:3,5"
	SeenUIDs string
}

// ReadSeen returns the seen state of user for the mailbox with the given unique id.
// A missing entry is returned as a zero SeenState.
func (s *State) ReadSeen(user, uniqueID string) (SeenState, error) {
	var seen SeenState
	err := s.db.View(func(tx *bolt.Tx) error {
		bucket, err := userBucket(tx, seenBucket, user, false)
		if err != nil || bucket == nil {
			return err
		}
		data := bucket.Get([]byte(uniqueID))
		if data == nil {
			return nil
		}
		entry, err := DeserializeObject[SeenState](data)
		if err != nil {
			return fmt.Errorf("%w: seen state of %s on %s: %s", lib.ErrBadFormat, user, uniqueID, err)
		}
		seen = *entry
		return nil
	})
	return seen, err
}

// WriteSeen replaces the seen state of user for a mailbox
func (s *State) WriteSeen(user, uniqueID string, seen SeenState) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket, err := userBucket(tx, seenBucket, user, true)
		if err != nil {
			return err
		}
		return putSeen(bucket, uniqueID, seen)
	})
	if err != nil {
		return err
	}
	s.notify(ChangeSeen, user, uniqueID)
	return nil
}

func putSeen(bucket *bolt.Bucket, uniqueID string, seen SeenState) error {
	data, err := SerializeObject(&seen)
	if err != nil {
		return err
	}
	return bucket.Put([]byte(uniqueID), data)
}

// CreateSeen starts an empty seen state for a new mailbox
func (s *State) CreateSeen(user, uniqueID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket, err := userBucket(tx, seenBucket, user, true)
		if err != nil {
			return err
		}
		if bucket.Get([]byte(uniqueID)) != nil {
			return nil
		}
		return putSeen(bucket, uniqueID, SeenState{})
	})
}

// CopySeen copies the seen state of a mailbox from one user to another
func (s *State) CopySeen(fromUser, toUser, uniqueID string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		from, err := userBucket(tx, seenBucket, fromUser, false)
		if err != nil {
			return err
		}
		if from == nil || from.Get([]byte(uniqueID)) == nil {
			return nil
		}
		data := slices.Clone(from.Get([]byte(uniqueID)))
		to, err := userBucket(tx, seenBucket, toUser, true)
		if err != nil {
			return err
		}
		return to.Put([]byte(uniqueID), data)
	})
	if err != nil {
		return err
	}
	s.notify(ChangeSeen, toUser, uniqueID)
	return nil
}

// DeleteSeen removes the seen state of user for a mailbox
func (s *State) DeleteSeen(user, uniqueID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket, err := userBucket(tx, seenBucket, user, false)
		if err != nil || bucket == nil {
			return err
		}
		return bucket.Delete([]byte(uniqueID))
	})
}

// DeleteUserSeen removes every seen state of user
func (s *State) DeleteUserSeen(user string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return deleteUserBucket(tx, seenBucket, user)
	})
}

// ParseUIDSet expands a set like "1:3,5" into sorted unique UIDs
func ParseUIDSet(set string) ([]uint32, error) {
	uids := make([]uint32, 0)
	if set == "" {
		return uids, nil
	}
	for _, part := range strings.Split(set, ",") {
		low, high, isRange := strings.Cut(part, ":")
		first, err := parseUID(low)
		if err != nil {
			return nil, err
		}
		last := first
		if isRange {
			last, err = parseUID(high)
			if err != nil {
				return nil, err
			}
		}
		if last < first {
			first, last = last, first
		}
		for uid := first; ; uid++ {
			uids = append(uids, uid)
			if uid == last {
				break
			}
		}
	}
	slices.Sort(uids)
	return slices.Compact(uids), nil
}

func parseUID(text string) (uint32, error) {
	uid, err := strconv.ParseUint(text, 10, 32)
	if err != nil || uid == 0 {
		return 0, fmt.Errorf("%w: invalid uid %q in set", lib.ErrBadFormat, text)
	}
	return uint32(uid), nil
}

// FormatUIDSet compresses sorted UIDs into ranges
func FormatUIDSet(uids []uint32) string {
	builder := &strings.Builder{}
	for i := 0; i < len(uids); {
		j := i
		for j+1 < len(uids) && uids[j+1] == uids[j]+1 {
			j++
		}
		if builder.Len() > 0 {
			builder.WriteByte(',')
		}
		builder.WriteString(strconv.FormatUint(uint64(uids[i]), 10))
		if j > i {
			builder.WriteByte(':')
			builder.WriteString(strconv.FormatUint(uint64(uids[j]), 10))
		}
		i = j + 1
	}
	return builder.String()
}
