// Package storage keeps opaque, expiring records grouped into buckets. It
// backs the persistence of in-flight workflow sessions, which must survive
// across requests and, with a shared backend, across nodes.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by Load for records that were never stored,
	// were removed or have expired.
	ErrNotFound = errors.New("storage: record not found")
	// ErrBadTTL is returned by Store for negative lifetimes.
	ErrBadTTL = errors.New("storage: negative ttl")
	// ErrNoBucket is returned when an operation names no bucket.
	ErrNoBucket = errors.New("storage: bucket is required")
	// ErrConflict is returned by Swap when the record's revision is not the
	// expected one.
	ErrConflict = errors.New("storage: revision conflict")
)

// Storage is implemented by record backends. Implementations are safe for
// concurrent use.
type Storage interface {
	// Load returns the live record at key in bucket, or ErrNotFound.
	Load(ctx context.Context, bucket, key string) (*Record, error)
	// Store writes value at key in bucket, replacing any previous record. A
	// zero ttl keeps the record until it is removed.
	Store(ctx context.Context, bucket, key string, value []byte, ttl time.Duration) error
	// Swap is Store guarded by the record's revision: it writes only when
	// the live record at key has revision rev, where 0 stands for no record.
	// It returns the new revision, or ErrConflict.
	Swap(ctx context.Context, bucket, key string, value []byte, ttl time.Duration, rev uint64) (uint64, error)
	// Remove drops the named keys from bucket. With no keys it empties the
	// whole bucket. Missing keys are not an error.
	Remove(ctx context.Context, bucket string, keys ...string) error
	Close() error
}

// Record is a stored value and its bookkeeping.
type Record struct {
	Value   []byte
	Written time.Time
	// Revision counts the writes since the key was last absent, starting
	// at 1.
	Revision uint64
	// Deadline is zero for records that never expire.
	Deadline time.Time
}

// Live reports whether r is still readable at now.
func (r *Record) Live(now time.Time) bool {
	return r.Deadline.IsZero() || now.Before(r.Deadline)
}

// NewRecord stamps value written at now with a deadline ttl later.
func NewRecord(value []byte, now time.Time, ttl time.Duration) (*Record, error) {
	if ttl < 0 {
		return nil, ErrBadTTL
	}
	r := &Record{Value: value, Written: now}
	if ttl > 0 {
		r.Deadline = now.Add(ttl)
	}
	return r, nil
}
