package attendance

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/MrCodeEU/rollcall/pkg/logging"
	"github.com/MrCodeEU/rollcall/pkg/recognition"
	"github.com/MrCodeEU/rollcall/pkg/storage"
)

// Scope selects which users a roll call scans.
type Scope int

const (
	// ScopeAbsentees scans users not yet marked today and drops them from
	// the roster once matched.
	ScopeAbsentees Scope = iota
	// ScopeAll scans every enrolled user and keeps the roster intact.
	ScopeAll
)

// Recognition is one user matched by a roll call.
type Recognition struct {
	UserID     string  `json:"user_id"`
	Name       string  `json:"name"`
	Similarity float64 `json:"similarity"`
	// Marked is false when the user already had a record for the day.
	Marked bool `json:"marked"`
}

// RollCall matches faces against a roster snapshot. The snapshot is
// refreshed on request and whenever the calendar day changes.
type RollCall struct {
	engine *Engine
	scope  Scope

	mu     sync.Mutex
	day    string
	roster []storage.User
}

// NewRollCall loads the roster for scope.
func (e *Engine) NewRollCall(ctx context.Context, scope Scope) (*RollCall, error) {
	r := &RollCall{engine: e, scope: scope}
	if err := r.Refresh(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// Refresh reloads the roster from the store.
func (r *RollCall) Refresh(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refreshLocked(ctx)
}

func (r *RollCall) refreshLocked(ctx context.Context) error {
	day := r.engine.Today()

	var (
		users []storage.User
		err   error
	)
	if r.scope == ScopeAll {
		users, err = r.engine.Users(ctx)
	} else {
		users, err = r.engine.AbsenteesOn(ctx, day)
	}
	if err != nil {
		return err
	}

	r.day = day
	r.roster = users
	logging.Component("attendance").WithFields(logging.Fields{"day": day, "users": len(users)}).Debug("roster loaded")
	return nil
}

// Remaining returns the number of users left on the roster.
func (r *RollCall) Remaining() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.roster)
}

// Roster returns a copy of the current roster.
func (r *RollCall) Roster() []storage.User {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]storage.User(nil), r.roster...)
}

type candidate struct {
	user storage.User
	sim  float64
}

// Match compares a captured embedding with every user on the roster in
// roster order. Each matching user is marked present and, for
// ScopeAbsentees, removed from the roster; the scan does not stop at the
// first match. Users whose stored embeddings cannot be decoded are skipped.
func (r *RollCall) Match(ctx context.Context, captured recognition.Embedding) ([]Recognition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	log := logging.Component("attendance")

	if r.engine.Today() != r.day {
		log.Info("Day changed, reloading roster")
		if err := r.refreshLocked(ctx); err != nil {
			return nil, err
		}
	}

	var matched []candidate
	for _, u := range r.roster {
		stored, err := recognition.DecodeEmbeddings(u.Embeddings)
		if err != nil {
			log.WithError(err).WithField("user", u.Name).Warn("skipping user with undecodable embeddings")
			continue
		}
		ok, sim := recognition.MatchAny(captured, stored, r.engine.threshold)
		log.WithFields(logging.Fields{"user": u.Name, "similarity": sim}).Debug("compared")
		if ok {
			matched = append(matched, candidate{user: u, sim: sim})
		}
	}

	if r.engine.bestMatchOnly && len(matched) > 1 {
		sort.SliceStable(matched, func(i, j int) bool { return matched[i].sim > matched[j].sim })
		matched = matched[:1]
	}

	results := []Recognition{}
	removed := make(map[string]bool, len(matched))
	var markErr error
	for _, c := range matched {
		marked, err := r.engine.MarkAttendanceOn(ctx, c.user.ID, r.day)
		if err != nil {
			markErr = errors.Join(markErr, err)
			continue
		}
		log.WithFields(logging.Fields{"user": c.user.Name, "similarity": c.sim}).Info("Match found")
		results = append(results, Recognition{UserID: c.user.ID, Name: c.user.Name, Similarity: c.sim, Marked: marked})
		removed[c.user.ID] = true
	}

	if r.scope == ScopeAbsentees && len(removed) > 0 {
		kept := r.roster[:0:0]
		for _, u := range r.roster {
			if !removed[u.ID] {
				kept = append(kept, u)
			}
		}
		r.roster = kept
	}

	return results, markErr
}
