package state

import (
	"fmt"
	"time"

	"github.com/creativeprojects/mailsync/lib"
	bolt "go.etcd.io/bbolt"
)

type SieveScript struct {
	Name     string
	Modified time.Time
	Active   bool
	Content  []byte
}

// ListSieve returns the scripts of user sorted by name
func (s *State) ListSieve(user string) ([]SieveScript, error) {
	list := make([]SieveScript, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		bucket, err := userBucket(tx, sieveBucket, user, false)
		if err != nil || bucket == nil {
			return err
		}
		return bucket.ForEach(func(key, value []byte) error {
			script, err := DeserializeObject[SieveScript](value)
			if err != nil {
				return fmt.Errorf("%w: sieve script %s of %s: %s", lib.ErrBadFormat, key, user, err)
			}
			list = append(list, *script)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return list, nil
}

// GetSieve returns a script, or ErrMailboxNotFound when user has no script of that name
func (s *State) GetSieve(user, name string) (SieveScript, error) {
	name = lib.NormalizeName(name)
	var script *SieveScript
	err := s.db.View(func(tx *bolt.Tx) error {
		bucket, err := userBucket(tx, sieveBucket, user, false)
		if err != nil {
			return err
		}
		script, err = getSieve(bucket, user, name)
		return err
	})
	if err != nil {
		return SieveScript{}, err
	}
	return *script, nil
}

func getSieve(bucket *bolt.Bucket, user, name string) (*SieveScript, error) {
	var data []byte
	if bucket != nil {
		data = bucket.Get([]byte(name))
	}
	if data == nil {
		return nil, fmt.Errorf("%w: sieve script %s of %s", lib.ErrMailboxNotFound, name, user)
	}
	script, err := DeserializeObject[SieveScript](data)
	if err != nil {
		return nil, fmt.Errorf("%w: sieve script %s of %s: %s", lib.ErrBadFormat, name, user, err)
	}
	return script, nil
}

func putSieve(bucket *bolt.Bucket, script *SieveScript) error {
	data, err := SerializeObject(script)
	if err != nil {
		return err
	}
	return bucket.Put([]byte(script.Name), data)
}

// PutSieve stores a script. An existing script keeps its active state.
func (s *State) PutSieve(user, name string, modified time.Time, content []byte) error {
	name = lib.NormalizeName(name)
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket, err := userBucket(tx, sieveBucket, user, true)
		if err != nil {
			return err
		}
		script := &SieveScript{Name: name}
		if existing, err := getSieve(bucket, user, name); err == nil {
			script.Active = existing.Active
		}
		script.Modified = modified
		script.Content = content
		return putSieve(bucket, script)
	})
	if err != nil {
		return err
	}
	s.notify(ChangeMeta, user)
	return nil
}

// ActivateSieve makes name the only active script of user
func (s *State) ActivateSieve(user, name string) error {
	name = lib.NormalizeName(name)
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket, err := userBucket(tx, sieveBucket, user, false)
		if err != nil {
			return err
		}
		if _, err = getSieve(bucket, user, name); err != nil {
			return err
		}
		return setActive(bucket, user, name)
	})
	if err != nil {
		return err
	}
	s.notify(ChangeMeta, user)
	return nil
}

func (s *State) DeactivateSieve(user string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket, err := userBucket(tx, sieveBucket, user, false)
		if err != nil || bucket == nil {
			return err
		}
		return setActive(bucket, user, "")
	})
	if err != nil {
		return err
	}
	s.notify(ChangeMeta, user)
	return nil
}

// setActive flags name as active and every other script as inactive
func setActive(bucket *bolt.Bucket, user, name string) error {
	scripts := make([]*SieveScript, 0)
	err := bucket.ForEach(func(key, _ []byte) error {
		script, err := getSieve(bucket, user, string(key))
		if err != nil {
			return err
		}
		if script.Active != (script.Name == name) {
			script.Active = script.Name == name
			scripts = append(scripts, script)
		}
		return nil
	})
	if err != nil {
		return err
	}
	// bbolt does not allow changes while iterating
	for _, script := range scripts {
		if err = putSieve(bucket, script); err != nil {
			return err
		}
	}
	return nil
}

func (s *State) DeleteSieve(user, name string) error {
	name = lib.NormalizeName(name)
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket, err := userBucket(tx, sieveBucket, user, false)
		if err != nil {
			return err
		}
		if _, err = getSieve(bucket, user, name); err != nil {
			return err
		}
		return bucket.Delete([]byte(name))
	})
	if err != nil {
		return err
	}
	s.notify(ChangeMeta, user)
	return nil
}

func (s *State) DeleteUserSieve(user string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return deleteUserBucket(tx, sieveBucket, user)
	})
}
