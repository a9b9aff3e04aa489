// Package results records sampled molecule counts and process extents of a
// run into an SQLite database.
package results

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite" // pure go sqlite driver

	"github.com/kprocsim/kprocsim/sim"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		run     TEXT PRIMARY KEY,
		seed    INTEGER NOT NULL,
		method  TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS counts (
		run     TEXT NOT NULL,
		t       REAL NOT NULL,
		elem    INTEGER NOT NULL,
		region  TEXT NOT NULL,
		species TEXT NOT NULL,
		count   INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS counts_species ON counts(run, species, t)`,
	`CREATE TABLE IF NOT EXISTS extents (
		run     TEXT NOT NULL,
		t       REAL NOT NULL,
		kproc   INTEGER NOT NULL,
		kind    TEXT NOT NULL,
		rule    TEXT NOT NULL,
		elem    INTEGER NOT NULL,
		extent  INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS extents_rule ON extents(run, rule, t)`,
}

// Options restricts what Record samples.
type Options struct {
	Species []string // species names to sample; empty samples all
	Extents bool     // also sample per-process extents
}

// Recorder appends samples of one run to an SQLite database.
type Recorder struct {
	db      *sql.DB
	run     string
	opts    Options
	species map[string]bool
	samples int
}

// Open creates or opens the database at path and registers run. Recording
// into an existing run appends to it.
func Open(path, run string, seed int64, method sim.Method, opts Options) (*Recorder, error) {
	if path == "" {
		path = "results.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("create tables: %w", err)
		}
	}
	if _, err := db.Exec(`INSERT OR REPLACE INTO runs(run, seed, method) VALUES (?, ?, ?)`, run, seed, string(method)); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("register run: %w", err)
	}
	r := &Recorder{db: db, run: run, opts: opts}
	if len(opts.Species) > 0 {
		r.species = make(map[string]bool, len(opts.Species))
		for _, name := range opts.Species {
			r.species[name] = true
		}
	}
	return r, nil
}

// Record samples the solver's present state in one transaction: the count of
// every selected species in every locally owned element and, when enabled,
// the extent of every process.
func (r *Recorder) Record(ctx context.Context, s *sim.Solver) (retErr error) {
	sys := s.System()
	t := s.Time()
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()

	counts, err := tx.PrepareContext(ctx, `INSERT INTO counts(run, t, elem, region, species, count) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare counts: %w", err)
	}
	defer counts.Close()
	rank := sys.LocalRank()
	for i := range sys.Elements {
		e := &sys.Elements[i]
		if !e.Local(rank) {
			continue
		}
		for j := 0; j < e.Region.CountSpecies(); j++ {
			name := sys.Model.Species[e.Region.Species(j)].Name
			if r.species != nil && !r.species[name] {
				continue
			}
			if _, err := counts.ExecContext(ctx, r.run, t, int64(e.ID), e.Region.Name, name, int64(e.Count(j))); err != nil {
				return fmt.Errorf("insert count: %w", err)
			}
		}
	}

	if r.opts.Extents {
		extents, err := tx.PrepareContext(ctx, `INSERT INTO extents(run, t, kproc, kind, rule, elem, extent) VALUES (?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare extents: %w", err)
		}
		defer extents.Close()
		for pid := range sys.KProcs {
			k := &sys.KProcs[pid]
			if _, err := extents.ExecContext(ctx, r.run, t, pid, k.Kind.String(), sys.RuleName(sim.KProcID(pid)), int64(k.Elem), int64(k.Extent)); err != nil {
				return fmt.Errorf("insert extent: %w", err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	r.samples++
	logrus.Debugf("recorded sample %d at t=%g", r.samples, t)
	return nil
}

// Sample is a species total at one recorded time.
type Sample struct {
	T     float64
	Count int64
}

// SpeciesTotals returns the count of species summed over elements at every
// recorded time, in time order.
func (r *Recorder) SpeciesTotals(ctx context.Context, species string) ([]Sample, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT t, SUM(count) FROM counts WHERE run = ? AND species = ? GROUP BY t ORDER BY t`, r.run, species)
	if err != nil {
		return nil, fmt.Errorf("select totals: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []Sample
	for rows.Next() {
		var s Sample
		if err := rows.Scan(&s.T, &s.Count); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// RuleExtents returns the summed extent of every process instantiating rule
// at each recorded time.
func (r *Recorder) RuleExtents(ctx context.Context, rule string) ([]Sample, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT t, SUM(extent) FROM extents WHERE run = ? AND rule = ? GROUP BY t ORDER BY t`, r.run, rule)
	if err != nil {
		return nil, fmt.Errorf("select extents: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []Sample
	for rows.Next() {
		var s Sample
		if err := rows.Scan(&s.T, &s.Count); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Samples returns the number of Record calls on this recorder.
func (r *Recorder) Samples() int { return r.samples }

// Close closes the database.
func (r *Recorder) Close() error { return r.db.Close() }
