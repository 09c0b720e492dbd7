package device

import (
	"context"
	"sync"

	"github.com/example/driver-agent/internal/models"
	"github.com/example/driver-agent/internal/telemetry"
)

// PushProvider is a location provider fed by the device shell: the UI layer
// delivers fixes through Push (wired to the local HTTP surface) and the
// telemetry loop consumes them through the Watch contract.
type PushProvider struct {
	mu      sync.Mutex
	granted bool
	fn      func(models.Location)
}

// NewPushProvider reports permission as granted; shells that own the real
// permission prompt construct it only after the prompt succeeds.
func NewPushProvider() *PushProvider {
	return &PushProvider{granted: true}
}

// Deny marks location permission as refused; Watch never starts.
func (p *PushProvider) Deny() {
	p.mu.Lock()
	p.granted = false
	p.mu.Unlock()
}

func (p *PushProvider) RequestPermission(context.Context) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.granted, nil
}

func (p *PushProvider) Watch(_ telemetry.WatchOptions, fn func(models.Location)) (telemetry.Subscription, error) {
	p.mu.Lock()
	p.fn = fn
	p.mu.Unlock()
	return &pushSub{p: p}, nil
}

// Push delivers one device fix to the active watcher, if any.
func (p *PushProvider) Push(loc models.Location) {
	p.mu.Lock()
	fn := p.fn
	p.mu.Unlock()
	if fn != nil {
		fn(loc)
	}
}

type pushSub struct {
	p    *PushProvider
	once sync.Once
}

func (s *pushSub) Cancel() {
	s.once.Do(func() {
		s.p.mu.Lock()
		s.p.fn = nil
		s.p.mu.Unlock()
	})
}
