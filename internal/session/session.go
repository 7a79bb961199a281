package session

import (
	"context"
	"sync"

	"github.com/sandwichfarm/nostatus/internal/account"
	"github.com/sandwichfarm/nostatus/internal/model"
	"github.com/sandwichfarm/nostatus/internal/nostr"
	"github.com/sandwichfarm/nostatus/internal/ops"
	"github.com/sandwichfarm/nostatus/internal/status"
)

// Session is one logged-in account. Each account or relay change starts a
// new generation of relay operations; the previous one is cancelled first.
type Session struct {
	ID     string
	Pubkey string

	signer    nostr.Signer
	boot      *account.Bootstrapper
	publisher *status.Publisher
	logger    *ops.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	account model.AccountMetadata

	genMu     sync.Mutex
	genCancel context.CancelFunc
	wg        sync.WaitGroup
}

// CanSign reports whether the session can publish
func (s *Session) CanSign() bool {
	return s.signer != nil
}

// Account returns the current account snapshot
func (s *Session) Account() model.AccountMetadata {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.account
}

func (s *Session) setAccount(acc model.AccountMetadata) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.account = acc
}

// ReadRelays returns the relays statuses and profiles are read from
func (s *Session) ReadRelays() []string {
	return s.Account().RelayList.ReadRelays()
}

// WriteRelays returns the relays statuses are published to
func (s *Session) WriteRelays() []string {
	return s.Account().RelayList.WriteRelays()
}

// Done is closed when the session is logged out
func (s *Session) Done() <-chan struct{} {
	return s.ctx.Done()
}

func (s *Session) stop() {
	s.cancel()
	s.genMu.Lock()
	defer s.genMu.Unlock()
	s.wg.Wait()
}
