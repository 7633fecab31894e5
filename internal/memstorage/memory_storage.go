// Package memstorage provides an in-process, non-persistent Storage
// implementation, suitable for tests and for embedders who don't need
// delivery status to survive a restart.
package memstorage

import (
	"sync"

	"github.com/posthorn/posthorn/internal/model"
)

type record struct {
	email      model.PreparedEmail
	status     model.InternalMessageStatus
	retrieved  bool
}

// Store is a mutex-guarded, map-backed model.Storage implementation.
type Store struct {
	mu      sync.Mutex
	records map[string]*record
}

// New returns an empty Store.
func New() *Store {
	return &Store{records: make(map[string]*record)}
}

func (s *Store) Store(email model.PreparedEmail, status model.InternalMessageStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[status.MessageID] = &record{email: email, status: status}
	return nil
}

func (s *Store) UpdateStatus(status model.InternalMessageStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[status.MessageID]
	if !ok {
		return model.ErrNotFound
	}
	r.status = status
	return nil
}

func (s *Store) Retrieve(messageID string) (model.PreparedEmail, model.InternalMessageStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[messageID]
	if !ok {
		return model.PreparedEmail{}, model.InternalMessageStatus{}, model.ErrNotFound
	}
	return r.email, r.status, nil
}

func (s *Store) RetrieveStatus(messageID string) (model.InternalMessageStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[messageID]
	if !ok {
		return model.InternalMessageStatus{}, model.ErrNotFound
	}
	return r.status, nil
}

func (s *Store) RetrieveAllIncomplete() ([]model.InternalMessageStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.InternalMessageStatus
	for _, r := range s.records {
		if r.status.AttemptsRemaining > 0 {
			out = append(out, r.status)
		}
	}
	return out, nil
}

// RetrieveAllRecent returns every incomplete record plus every completed
// record that has not previously been returned, flipping the latter's
// retrieved flag so a second call does not repeat them.
func (s *Store) RetrieveAllRecent() ([]model.InternalMessageStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.InternalMessageStatus
	for _, r := range s.records {
		if r.status.AttemptsRemaining > 0 {
			out = append(out, r.status)
			continue
		}
		if !r.retrieved {
			r.retrieved = true
			out = append(out, r.status)
		}
	}
	return out, nil
}
