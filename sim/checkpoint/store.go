// Package checkpoint persists solver checkpoints in blob stores: a local
// directory, process memory or an S3-compatible bucket.
package checkpoint

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kprocsim/kprocsim/sim"
)

// ErrNotFound is returned when a key does not exist in a store.
var ErrNotFound = errors.New("checkpoint not found")

// Info describes one stored checkpoint.
type Info struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// Store is a flat key/blob store. Put replaces an existing blob.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader) (Info, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]Info, error)
	Delete(ctx context.Context, key string) (bool, error)
}

// Key names the checkpoint of run taken at simulation time t. Keys of one run
// sort by time.
func Key(run string, t float64) string {
	return fmt.Sprintf("%s/t%020.9f.kpck", run, t)
}

// Save checkpoints s into store under key.
func Save(ctx context.Context, store Store, key string, s *sim.Solver) (Info, error) {
	var buf bytes.Buffer
	if err := s.Checkpoint(&buf); err != nil {
		return Info{}, err
	}
	info, err := store.Put(ctx, key, &buf)
	if err != nil {
		return Info{}, fmt.Errorf("store checkpoint %s: %w", key, err)
	}
	logrus.Infof("checkpoint %s saved (%d bytes, t=%g)", key, info.Size, s.Time())
	return info, nil
}

// Load restores s from the checkpoint stored under key.
func Load(ctx context.Context, store Store, key string, s *sim.Solver) error {
	rc, err := store.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("load checkpoint %s: %w", key, err)
	}
	defer rc.Close()
	if err := s.Restore(rc); err != nil {
		return fmt.Errorf("restore checkpoint %s: %w", key, err)
	}
	logrus.Infof("checkpoint %s restored (t=%g)", key, s.Time())
	return nil
}

// Inspect reads only the header of the checkpoint stored under key.
func Inspect(ctx context.Context, store Store, key string) (sim.CheckpointHeader, error) {
	rc, err := store.Get(ctx, key)
	if err != nil {
		return sim.CheckpointHeader{}, fmt.Errorf("inspect checkpoint %s: %w", key, err)
	}
	defer rc.Close()
	return sim.ReadCheckpointHeader(rc)
}

// Latest returns the key of the most recent checkpoint of run, by key order.
func Latest(ctx context.Context, store Store, run string) (string, error) {
	infos, err := store.List(ctx, run+"/")
	if err != nil {
		return "", err
	}
	if len(infos) == 0 {
		return "", fmt.Errorf("%w: no checkpoints for run %q", ErrNotFound, run)
	}
	return infos[len(infos)-1].Key, nil
}

// Open selects a store from a location string:
//
//	mem://                         in-memory store
//	s3://bucket[/prefix]?region=r&endpoint=url&path-style=true
//	any other value                filesystem root directory (file:// accepted)
func Open(ctx context.Context, location string) (Store, error) {
	switch {
	case location == "mem://":
		return NewMemory(), nil
	case strings.HasPrefix(location, "s3://"):
		u, err := url.Parse(location)
		if err != nil {
			return nil, fmt.Errorf("parse store location: %w", err)
		}
		q := u.Query()
		return OpenS3(ctx, S3Config{
			Bucket:    u.Host,
			Prefix:    strings.TrimPrefix(u.Path, "/"),
			Region:    q.Get("region"),
			Endpoint:  q.Get("endpoint"),
			PathStyle: strings.EqualFold(q.Get("path-style"), "true"),
		})
	default:
		return NewFilesystem(strings.TrimPrefix(location, "file://"))
	}
}
