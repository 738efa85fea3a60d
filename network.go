package syncengine

import (
	"context"
	"sync"
)

// NetworkState is a connectivity snapshot.
type NetworkState struct {
	IsConnected         bool   `json:"isConnected"`
	IsInternetReachable bool   `json:"isInternetReachable"`
	Type                string `json:"type"`
}

// Online reports whether traffic can reach the backend.
func (s NetworkState) Online() bool {
	return s.IsConnected && s.IsInternetReachable
}

// NetworkProvider reports connectivity. It is polled.
type NetworkProvider interface {
	NetworkState(ctx context.Context) (NetworkState, error)
}

// StaticNetwork is a NetworkProvider whose state is set by the host.
type StaticNetwork struct {
	mu    sync.RWMutex
	state NetworkState
}

// NewStaticNetwork creates a provider that starts online or offline.
func NewStaticNetwork(online bool) *StaticNetwork {
	return &StaticNetwork{state: NetworkState{IsConnected: online, IsInternetReachable: online, Type: "unknown"}}
}

func (n *StaticNetwork) NetworkState(context.Context) (NetworkState, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state, nil
}

// Set replaces the reported state.
func (n *StaticNetwork) Set(state NetworkState) {
	n.mu.Lock()
	n.state = state
	n.mu.Unlock()
}

// SetOnline is shorthand for Set with both flags equal to online.
func (n *StaticNetwork) SetOnline(online bool) {
	n.mu.Lock()
	n.state.IsConnected = online
	n.state.IsInternetReachable = online
	n.mu.Unlock()
}

// TokenSource supplies the bearer credential for handshakes and requests.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource with a fixed token.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) {
	return string(t), nil
}

// isOnline treats a nil provider as always online and errors as offline.
func isOnline(ctx context.Context, p NetworkProvider) bool {
	if p == nil {
		return true
	}
	st, err := p.NetworkState(ctx)
	if err != nil {
		return false
	}
	return st.Online()
}
