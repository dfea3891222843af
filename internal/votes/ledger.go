// Package votes persists which requesters have already liked a given image.
// Identities are never stored raw: the ledger keeps a truncated one-way hash,
// enough to stop casual double-voting without holding personal data. The
// truncation is deliberate; the threat model is repeat clicks, not
// adversarial hash collisions.
package votes

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"

	bolt "go.etcd.io/bbolt"
)

// identityHashLength is the number of hex characters kept from the SHA-256
// digest of an identity.
const identityHashLength = 16

var votesBucket = []byte("votes")

var errMissingDatabase = errors.New("votes: database handle is required")

// Ledger records artifact-id to voter-hash membership in bbolt.
// Key format: "artifactID:identityHash" -> "1". Every accepted vote is
// flushed to disk before RegisterVote returns.
type Ledger struct {
	db *bolt.DB
}

// Open opens (or creates) the ledger file at path.
func Open(path string) (*Ledger, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, err
	}
	return NewLedger(db)
}

// NewLedger creates a Ledger over a shared bbolt handle. The caller is
// responsible for closing the database.
func NewLedger(db *bolt.DB) (*Ledger, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(votesBucket)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &Ledger{db: db}, nil
}

// Close closes the underlying database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// HasVoted reports whether the identity has already voted for the artifact.
func (l *Ledger) HasVoted(artifactID, identity string) bool {
	key := voteKey(artifactID, identity)
	var voted bool
	l.db.View(func(tx *bolt.Tx) error {
		voted = tx.Bucket(votesBucket).Get(key) != nil
		return nil
	})
	return voted
}

// RegisterVote records the vote. It returns false without writing when the
// identity has already voted for the artifact, true after a durable write
// otherwise.
func (l *Ledger) RegisterVote(artifactID, identity string) (bool, error) {
	key := voteKey(artifactID, identity)
	registered := false
	err := l.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(votesBucket)
		if bucket.Get(key) != nil {
			return nil
		}
		registered = true
		return bucket.Put(key, []byte("1"))
	})
	if err != nil {
		return false, err
	}
	return registered, nil
}

// HashIdentity returns the truncated hex SHA-256 of an identity string.
func HashIdentity(identity string) string {
	sum := sha256.Sum256([]byte(identity))
	return hex.EncodeToString(sum[:])[:identityHashLength]
}

func voteKey(artifactID, identity string) []byte {
	return []byte(artifactID + ":" + HashIdentity(identity))
}
