package store

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/adred-codev/wasend/internal/domain"
)

// Memory is the in-process Store used by tests and development runs. All
// methods take the one lock; the dataset is small enough that contention is
// irrelevant next to the network work around it.
type Memory struct {
	mu sync.Mutex

	messages   map[uuid.UUID]*domain.Message
	byUpstream map[string]uuid.UUID

	campaigns map[uuid.UUID]*domain.Campaign
	audiences map[uuid.UUID][]uuid.UUID // campaign -> contact ids

	contacts   map[uuid.UUID]*domain.Contact
	contactKey map[string]uuid.UUID // workspace/waID -> contact id

	phones map[string]*domain.PhoneNumber // by upstream id

	templates map[string]string // workspace/name/language -> status

	secrets map[uuid.UUID]string // workspace -> webhook secret
	tokens  map[string]string    // token ref -> bearer token
}

// NewMemory builds an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		messages:   make(map[uuid.UUID]*domain.Message),
		byUpstream: make(map[string]uuid.UUID),
		campaigns:  make(map[uuid.UUID]*domain.Campaign),
		audiences:  make(map[uuid.UUID][]uuid.UUID),
		contacts:   make(map[uuid.UUID]*domain.Contact),
		contactKey: make(map[string]uuid.UUID),
		phones:     make(map[string]*domain.PhoneNumber),
		templates:  make(map[string]string),
		secrets:    make(map[uuid.UUID]string),
		tokens:     make(map[string]string),
	}
}

// --- messages ---

func (s *Memory) CreateMessage(_ context.Context, m *domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.messages[m.ID]; exists {
		return nil
	}
	cp := *m
	s.messages[m.ID] = &cp
	if cp.UpstreamMessageID != "" {
		s.byUpstream[cp.UpstreamMessageID] = cp.ID
	}
	return nil
}

func (s *Memory) GetMessage(_ context.Context, id uuid.UUID) (*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *Memory) GetMessageByUpstreamID(_ context.Context, upstreamID string) (*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byUpstream[upstreamID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s.messages[id]
	return &cp, nil
}

func (s *Memory) MarkQueued(_ context.Context, id uuid.UUID, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return false, ErrNotFound
	}
	if m.Status != domain.StatusPending {
		return false, nil
	}
	m.StampStatus(domain.StatusQueued, at)
	return true, nil
}

func (s *Memory) ClaimSending(_ context.Context, id uuid.UUID, workerID string, leaseDeadline time.Time) (*domain.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, false, ErrNotFound
	}
	now := time.Now()
	claimable := m.Status == domain.StatusQueued && !now.Before(m.AvailableAt)
	// A lease past its deadline belongs to a crashed worker; reclaim it.
	expired := m.Status == domain.StatusSending && now.After(m.LeaseDeadline)
	if !claimable && !expired {
		return nil, false, nil
	}
	m.Status = domain.StatusSending
	m.AttemptCount++
	m.WorkerID = workerID
	m.LeaseDeadline = leaseDeadline
	cp := *m
	return &cp, true, nil
}

func (s *Memory) ReleaseToQueued(_ context.Context, id uuid.UUID, availableAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return ErrNotFound
	}
	if m.Status != domain.StatusSending {
		return nil
	}
	m.Status = domain.StatusQueued
	m.AttemptCount-- // the attempt never reached the wire
	m.WorkerID = ""
	m.LeaseDeadline = time.Time{}
	m.AvailableAt = availableAt
	return nil
}

func (s *Memory) RequeueAfterFailure(_ context.Context, id uuid.UUID, availableAt time.Time, sendErr *domain.SendError) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return ErrNotFound
	}
	if m.Status != domain.StatusSending {
		return nil
	}
	m.Status = domain.StatusQueued
	m.WorkerID = ""
	m.LeaseDeadline = time.Time{}
	m.AvailableAt = availableAt
	m.LastError = sendErr
	return nil
}

func (s *Memory) MarkSent(_ context.Context, id uuid.UUID, upstreamID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return false, ErrNotFound
	}
	if m.Status != domain.StatusSending {
		return false, nil
	}
	m.UpstreamMessageID = upstreamID
	if upstreamID != "" {
		s.byUpstream[upstreamID] = id
	}
	m.WorkerID = ""
	m.LeaseDeadline = time.Time{}
	m.LastError = nil
	m.StampStatus(domain.StatusSent, at)
	return true, nil
}

func (s *Memory) MarkFailed(_ context.Context, id uuid.UUID, sendErr *domain.SendError, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return false, ErrNotFound
	}
	if m.Status.Terminal() {
		return false, nil
	}
	m.LastError = sendErr
	m.WorkerID = ""
	m.LeaseDeadline = time.Time{}
	m.StampStatus(domain.StatusFailed, at)
	return true, nil
}

func (s *Memory) AdvanceStatus(_ context.Context, upstreamID string, to domain.MessageStatus, at time.Time) (*domain.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byUpstream[upstreamID]
	if !ok {
		return nil, false, ErrNotFound
	}
	m := s.messages[id]
	if to.Rank() <= m.Status.Rank() {
		cp := *m
		return &cp, false, nil
	}
	m.StampStatus(to, at)
	cp := *m
	return &cp, true, nil
}

func (s *Memory) MessageStatuses(_ context.Context, ids []uuid.UUID) (map[uuid.UUID]domain.MessageStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[uuid.UUID]domain.MessageStatus, len(ids))
	for _, id := range ids {
		if m, ok := s.messages[id]; ok {
			out[id] = m.Status
		}
	}
	return out, nil
}

// --- campaigns ---

func (s *Memory) CreateCampaign(_ context.Context, c *domain.Campaign) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.campaigns[c.ID] = &cp
	return nil
}

func (s *Memory) GetCampaign(_ context.Context, id uuid.UUID) (*domain.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *Memory) TransitionCampaign(_ context.Context, id uuid.UUID, from []domain.CampaignStatus, to domain.CampaignStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return false, ErrNotFound
	}
	for _, f := range from {
		if c.Status == f {
			c.Status = to
			now := time.Now()
			switch to {
			case domain.CampaignSending:
				if c.StartedAt.IsZero() {
					c.StartedAt = now
				}
			case domain.CampaignCompleted, domain.CampaignCancelled, domain.CampaignFailed:
				c.CompletedAt = now
			}
			return true, nil
		}
	}
	return false, nil
}

func (s *Memory) CampaignCancelled(_ context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return false, ErrNotFound
	}
	return c.Status == domain.CampaignCancelled, nil
}

func (s *Memory) AddCampaignCounters(_ context.Context, id uuid.UUID, delta CounterDelta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return ErrNotFound
	}
	c.Sent += delta.Sent
	c.Delivered += delta.Delivered
	c.Read += delta.Read
	c.Failed += delta.Failed
	return nil
}

func (s *Memory) SetCampaignTotal(_ context.Context, id uuid.UUID, total int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return ErrNotFound
	}
	c.Total = total
	return nil
}

// --- contacts ---

func contactKey(workspaceID uuid.UUID, waID string) string {
	return workspaceID.String() + "/" + waID
}

func (s *Memory) UpsertContact(_ context.Context, workspaceID uuid.UUID, waID, phone, name string) (*domain.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := contactKey(workspaceID, waID)
	if id, ok := s.contactKey[key]; ok {
		c := s.contacts[id]
		if name != "" && c.Name == "" {
			c.Name = name
		}
		cp := *c
		return &cp, nil
	}
	c := &domain.Contact{
		ID:          uuid.New(),
		WorkspaceID: workspaceID,
		WaID:        waID,
		PhoneNumber: phone,
		Name:        name,
		OptedIn:     true,
		CreatedAt:   time.Now(),
	}
	s.contacts[c.ID] = c
	s.contactKey[key] = c.ID
	cp := *c
	return &cp, nil
}

func (s *Memory) TouchContactSession(_ context.Context, workspaceID uuid.UUID, waID string, receivedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.contactKey[contactKey(workspaceID, waID)]
	if !ok {
		return ErrNotFound
	}
	s.contacts[id].SessionExpiresAt = receivedAt.Add(24 * time.Hour)
	return nil
}

func (s *Memory) CampaignAudience(_ context.Context, campaignID uuid.UUID, after uuid.UUID, limit int) ([]*domain.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := append([]uuid.UUID(nil), s.audiences[campaignID]...)
	sort.Slice(ids, func(i, j int) bool {
		return bytes.Compare(ids[i][:], ids[j][:]) < 0
	})
	out := make([]*domain.Contact, 0, limit)
	for _, id := range ids {
		if bytes.Compare(id[:], after[:]) <= 0 {
			continue
		}
		if c, ok := s.contacts[id]; ok {
			cp := *c
			out = append(out, &cp)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *Memory) AddToAudience(_ context.Context, campaignID uuid.UUID, contactIDs []uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audiences[campaignID] = append(s.audiences[campaignID], contactIDs...)
	return nil
}

func (s *Memory) CampaignAudienceCount(_ context.Context, campaignID uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.audiences[campaignID])), nil
}

// --- phone numbers ---

func (s *Memory) CreatePhoneNumber(_ context.Context, p *domain.PhoneNumber) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.phones[p.UpstreamID] = &cp
	return nil
}

func (s *Memory) GetPhoneNumberByUpstreamID(_ context.Context, upstreamID string) (*domain.PhoneNumber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.phones[upstreamID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *Memory) UpdatePhoneQuality(_ context.Context, upstreamID string, q domain.QualityRating, tier string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.phones[upstreamID]
	if !ok {
		return ErrNotFound
	}
	p.QualityRating = q
	if tier != "" {
		p.MessagingTier = tier
		p.DailyCap = domain.TierCap(tier)
	}
	p.UpdatedAt = at
	return nil
}

// --- templates ---

func templateKey(workspaceID uuid.UUID, name, language string) string {
	return workspaceID.String() + "/" + name + "/" + language
}

func (s *Memory) UpdateTemplateStatus(_ context.Context, workspaceID uuid.UUID, name, language, status, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.templates[templateKey(workspaceID, name, language)] = status
	return nil
}

func (s *Memory) TemplateStatus(_ context.Context, workspaceID uuid.UUID, name, language string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	status, ok := s.templates[templateKey(workspaceID, name, language)]
	if !ok {
		return "", ErrNotFound
	}
	return status, nil
}

// --- workspace credentials ---

// SetWebhookSecret registers a tenant's webhook signing secret.
func (s *Memory) SetWebhookSecret(workspaceID uuid.UUID, secret string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets[workspaceID] = secret
}

func (s *Memory) WebhookSecret(_ context.Context, workspaceID uuid.UUID) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	secret, ok := s.secrets[workspaceID]
	if !ok {
		return "", ErrNotFound
	}
	return secret, nil
}

// SetAccessToken registers a bearer token behind an opaque handle.
func (s *Memory) SetAccessToken(tokenRef, token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[tokenRef] = token
}

func (s *Memory) AccessToken(_ context.Context, tokenRef string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	token, ok := s.tokens[tokenRef]
	if !ok {
		return "", ErrNotFound
	}
	return token, nil
}
