package syncengine

// Winner names the side whose version survives a conflict.
type Winner int

const (
	WinnerRemote Winner = iota
	WinnerLocal
)

func (w Winner) String() string {
	if w == WinnerLocal {
		return "local"
	}
	return "remote"
}

// Resolver decides conflicts reported by the remote.
type Resolver interface {
	Resolve(local QueuedOperation, remote RemoteRecord) Winner
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(local QueuedOperation, remote RemoteRecord) Winner

func (f ResolverFunc) Resolve(local QueuedOperation, remote RemoteRecord) Winner {
	return f(local, remote)
}

// ComparatorResolver keeps the local operation when Compare returns a
// positive value and the remote record otherwise.
type ComparatorResolver struct {
	Compare func(local QueuedOperation, remote RemoteRecord) int
}

func (r ComparatorResolver) Resolve(local QueuedOperation, remote RemoteRecord) Winner {
	if r.Compare != nil && r.Compare(local, remote) > 0 {
		return WinnerLocal
	}
	return WinnerRemote
}

// LastWriteWins keeps whichever side changed last. Ties go to the remote.
func LastWriteWins() Resolver {
	return ComparatorResolver{Compare: func(local QueuedOperation, remote RemoteRecord) int {
		at := local.UpdatedAt
		if at.IsZero() {
			at = local.CreatedAt
		}
		return at.Compare(remote.UpdatedAt)
	}}
}
