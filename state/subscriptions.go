package state

import (
	"github.com/creativeprojects/mailsync/lib"
	bolt "go.etcd.io/bbolt"
)

func (s *State) Subscribe(user, mailbox string) error {
	mailbox = lib.NormalizeName(mailbox)
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket, err := userBucket(tx, subscriptionBucket, user, true)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(mailbox), []byte{})
	})
	if err != nil {
		return err
	}
	s.notify(ChangeMeta, user)
	return nil
}

func (s *State) Unsubscribe(user, mailbox string) error {
	mailbox = lib.NormalizeName(mailbox)
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket, err := userBucket(tx, subscriptionBucket, user, false)
		if err != nil || bucket == nil {
			return err
		}
		return bucket.Delete([]byte(mailbox))
	})
	if err != nil {
		return err
	}
	s.notify(ChangeMeta, user)
	return nil
}

// Subscriptions returns the mailboxes user is subscribed to, sorted
func (s *State) Subscriptions(user string) ([]string, error) {
	list := make([]string, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		bucket, err := userBucket(tx, subscriptionBucket, user, false)
		if err != nil || bucket == nil {
			return err
		}
		return bucket.ForEach(func(key, _ []byte) error {
			list = append(list, string(key))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return list, nil
}

func (s *State) DeleteSubscriptions(user string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return deleteUserBucket(tx, subscriptionBucket, user)
	})
}
