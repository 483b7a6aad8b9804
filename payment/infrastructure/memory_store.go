package infrastructure

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/btree"

	"github.com/akriventsev/furnel/framework/core"
	"github.com/akriventsev/furnel/payment/application"
	"github.com/akriventsev/furnel/payment/domain"
)

// WebhookEntry сохраненный webhook
type WebhookEntry struct {
	ID        string          `json:"id"`
	Provider  string          `json:"provider"`
	EventType string          `json:"eventType"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"createdAt"`
}

type recencyKey struct {
	updatedAt time.Time
	id        string
}

func recencyLess(a, b recencyKey) bool {
	if !a.updatedAt.Equal(b.updatedAt) {
		return a.updatedAt.Before(b.updatedAt)
	}
	return a.id < b.id
}

// MemoryStore хранилище статусов в памяти для разработки и тестов.
// Порядок по времени обновления держит B-дерево.
type MemoryStore struct {
	mu       sync.RWMutex
	records  map[string]domain.PaymentRecord
	recency  *btree.BTreeG[recencyKey]
	webhooks []WebhookEntry
}

var (
	_ application.StatusStore = (*MemoryStore)(nil)
	_ application.WebhookLog  = (*MemoryStore)(nil)
)

// NewMemoryStore создает пустое хранилище
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]domain.PaymentRecord),
		recency: btree.NewBTreeGOptions(recencyLess, btree.Options{NoLocks: true}),
	}
}

// Name возвращает имя компонента
func (s *MemoryStore) Name() string {
	return "memory-payment-store"
}

// Type возвращает тип компонента
func (s *MemoryStore) Type() core.ComponentType {
	return core.ComponentTypeAdapter
}

// Save вставка или обновление строки по id
func (s *MemoryStore) Save(_ context.Context, r domain.PaymentRecord) error {
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.records[r.ID]; ok {
		s.recency.Delete(recencyKey{updatedAt: prev.UpdatedAt, id: prev.ID})
		r = mergeRecord(prev, r)
	} else if r.CreatedAt.IsZero() {
		r.CreatedAt = r.UpdatedAt
	}
	s.records[r.ID] = r
	s.recency.Set(recencyKey{updatedAt: r.UpdatedAt, id: r.ID})
	return nil
}

// Get строка статуса по id
func (s *MemoryStore) Get(_ context.Context, id string) (domain.PaymentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return domain.PaymentRecord{}, application.ErrRecordNotFound
	}
	return r, nil
}

// FindByDepositAddress последний платеж на адрес, еще ожидающий депозит
func (s *MemoryStore) FindByDepositAddress(_ context.Context, address string) (domain.PaymentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		found domain.PaymentRecord
		ok    bool
	)
	for _, r := range s.records {
		if r.DepositAddress != address || !r.AwaitingDeposit() {
			continue
		}
		if !ok || r.CreatedAt.After(found.CreatedAt) {
			found, ok = r, true
		}
	}
	if !ok {
		return domain.PaymentRecord{}, application.ErrRecordNotFound
	}
	return found, nil
}

// ListRecent платежи по убыванию времени обновления
func (s *MemoryStore) ListRecent(_ context.Context, limit int) ([]domain.PaymentRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]domain.PaymentRecord, 0, min(limit, len(s.records)))
	s.recency.Reverse(func(k recencyKey) bool {
		records = append(records, s.records[k.id])
		return len(records) < limit
	})
	return records, nil
}

// RecordWebhook сохраняет тело webhook
func (s *MemoryStore) RecordWebhook(_ context.Context, provider, eventType string, payload json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.webhooks = append(s.webhooks, WebhookEntry{
		ID:        uuid.NewString(),
		Provider:  provider,
		EventType: eventType,
		Payload:   append(json.RawMessage(nil), payload...),
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

// Webhooks копия журнала webhook в порядке поступления
func (s *MemoryStore) Webhooks() []WebhookEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]WebhookEntry(nil), s.webhooks...)
}

// mergeRecord повторяет семантику upsert в PostgreSQL:
// пустые ссылки не затирают уже записанные
func mergeRecord(prev, next domain.PaymentRecord) domain.PaymentRecord {
	next.CreatedAt = prev.CreatedAt
	if next.DepositTxRef == "" {
		next.DepositTxRef = prev.DepositTxRef
	}
	if next.FXRate == nil {
		next.FXRate = prev.FXRate
	}
	if next.QuoteID == "" {
		next.QuoteID = prev.QuoteID
	}
	if next.OrderID == "" {
		next.OrderID = prev.OrderID
	}
	return next
}
