package campaign

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

var ErrNotFound = errors.New("campaign: not found")

// Store is the persistence surface the dialer drives. Implementations must
// be safe for concurrent use: batches dial in parallel and the provider's
// status callbacks land on separate requests.
type Store interface {
	GetCampaign(ctx context.Context, id string) (Campaign, error)
	SetCampaignStatus(ctx context.Context, id string, status Status) error
	AddCounters(ctx context.Context, id string, delta CounterDelta) error

	// EligibleContacts returns dialable contacts in creation order.
	EligibleContacts(ctx context.Context, cmp Campaign, now time.Time) ([]Contact, error)
	// Outstanding counts the work left: pending, in-flight, and failed
	// contacts that still have retry attempts remaining.
	Outstanding(ctx context.Context, cmp Campaign) (Outstanding, error)

	MarkCalling(ctx context.Context, contactID, callID string, now time.Time) error
	MarkCompleted(ctx context.Context, contactID string) error
	// MarkFailed records the failure reason, stamps the attempt time and
	// increments the retry counter.
	MarkFailed(ctx context.Context, contactID, reason string, now time.Time) error

	ContactByCallID(ctx context.Context, callID string) (Contact, error)
	SetRecordingURL(ctx context.Context, contactID, url string) error
	// SetCallResult stores what the finished call produced: the rendered
	// conversation transcript and the captured intent.
	SetCallResult(ctx context.Context, contactID, transcript, intent string) error
}

// MemoryStore is the in-memory Store used by tests and local development.
type MemoryStore struct {
	mu        sync.Mutex
	campaigns map[string]*Campaign
	contacts  map[string]*Contact
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		campaigns: make(map[string]*Campaign),
		contacts:  make(map[string]*Contact),
	}
}

func (s *MemoryStore) PutCampaign(c Campaign) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := c
	s.campaigns[c.ID] = &cp
}

func (s *MemoryStore) PutContact(c Contact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := c
	s.contacts[c.ID] = &cp
}

func (s *MemoryStore) GetCampaign(_ context.Context, id string) (Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return Campaign{}, ErrNotFound
	}
	return *c, nil
}

func (s *MemoryStore) SetCampaignStatus(_ context.Context, id string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return ErrNotFound
	}
	c.Status = status
	return nil
}

func (s *MemoryStore) AddCounters(_ context.Context, id string, delta CounterDelta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return ErrNotFound
	}
	c.CompletedCalls += delta.CompletedCalls
	c.SuccessfulCalls += delta.SuccessfulCalls
	c.FailedCalls += delta.FailedCalls
	c.TotalCostMinor += delta.CostMinor
	return nil
}

func (s *MemoryStore) EligibleContacts(_ context.Context, cmp Campaign, now time.Time) ([]Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Contact
	for _, c := range s.contacts {
		if c.CampaignID != cmp.ID {
			continue
		}
		if c.Dialable(cmp, now) {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) Outstanding(_ context.Context, cmp Campaign) (Outstanding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var o Outstanding
	for _, c := range s.contacts {
		if c.CampaignID != cmp.ID {
			continue
		}
		switch c.Status {
		case ContactPending:
			o.Pending++
		case ContactCalling:
			o.Calling++
		case ContactFailed:
			if c.RetryCount < cmp.MaxRetryAttempts {
				o.Retryable++
			}
		}
	}
	return o, nil
}

func (s *MemoryStore) MarkCalling(_ context.Context, contactID, callID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contacts[contactID]
	if !ok {
		return ErrNotFound
	}
	c.Status = ContactCalling
	c.CallID = callID
	t := now
	c.LastAttemptAt = &t
	c.ErrorMessage = ""
	return nil
}

func (s *MemoryStore) MarkCompleted(_ context.Context, contactID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contacts[contactID]
	if !ok {
		return ErrNotFound
	}
	c.Status = ContactCompleted
	return nil
}

func (s *MemoryStore) MarkFailed(_ context.Context, contactID, reason string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contacts[contactID]
	if !ok {
		return ErrNotFound
	}
	c.Status = ContactFailed
	c.ErrorMessage = reason
	c.RetryCount++
	t := now
	c.LastAttemptAt = &t
	return nil
}

func (s *MemoryStore) ContactByCallID(_ context.Context, callID string) (Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.contacts {
		if c.CallID == callID {
			return *c, nil
		}
	}
	return Contact{}, ErrNotFound
}

func (s *MemoryStore) SetRecordingURL(_ context.Context, contactID, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contacts[contactID]
	if !ok {
		return ErrNotFound
	}
	c.RecordingURL = url
	return nil
}

func (s *MemoryStore) SetCallResult(_ context.Context, contactID, transcript, intent string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contacts[contactID]
	if !ok {
		return ErrNotFound
	}
	c.Transcript = transcript
	c.Intent = intent
	return nil
}

// Snapshot returns a copy of one contact for test assertions.
func (s *MemoryStore) Snapshot(contactID string) (Contact, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contacts[contactID]
	if !ok {
		return Contact{}, false
	}
	return *c, true
}
