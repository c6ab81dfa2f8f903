package status

import (
	"strings"

	"github.com/LupusDei/adjutant/internal/store"
)

// MailTransport abstracts the message surface so mode-specific transports
// (gastown mail, swarm channels) can swap in behind the same capability set.
type MailTransport interface {
	ListMail(agentID string, limit int) ([]*store.Message, error)
	GetMessage(id string) (*store.Message, error)
	SendMessage(from, to, body, threadID string) (*store.Message, error)
	MarkRead(id string) error
	SenderIdentity(raw string) string
}

// StoreTransport is the canonical transport over the message store.
type StoreTransport struct {
	Store *store.Store
}

// NewStoreTransport creates the store-backed transport.
func NewStoreTransport(s *store.Store) *StoreTransport {
	return &StoreTransport{Store: s}
}

func (t *StoreTransport) ListMail(agentID string, limit int) ([]*store.Message, error) {
	return t.Store.Read(store.ReadFilter{AgentID: agentID, Limit: limit})
}

func (t *StoreTransport) GetMessage(id string) (*store.Message, error) {
	return t.Store.Get(id)
}

func (t *StoreTransport) SendMessage(from, to, body, threadID string) (*store.Message, error) {
	role := store.RoleAgent
	if t.SenderIdentity(from) == "user" {
		role = store.RoleUser
	}
	return t.Store.Insert(t.SenderIdentity(from), t.SenderIdentity(to), role, body, store.InsertOptions{
		ThreadID: threadID,
	})
}

func (t *StoreTransport) MarkRead(id string) error {
	return t.Store.MarkRead(id)
}

// SenderIdentity normalizes an address: trailing slashes are insignificant
// ("mayor/" and "mayor" are the same identity).
func (t *StoreTransport) SenderIdentity(raw string) string {
	return strings.TrimSuffix(strings.TrimSpace(raw), "/")
}
