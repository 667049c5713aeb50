// Package socket moves a storage behind a Unix domain socket so that several
// processes share one cache. It holds the server with its single-instance
// lock, the client with its reconnect policy and the storage proxy.
package socket

const (
	DefaultSocketPath  = "mcache.sock"
	DefaultPIDFilePath = "mcache-server.pid"
	DefaultServerName  = "mcache-server"
)

// Options describes where a shared cache server lives and how to bring one up
// when nobody is listening.
type Options struct {
	SocketPath  string
	PIDFilePath string
	// AutoStart spawns a server when the socket refuses connections.
	AutoStart bool
	// Inline hosts a spawned server in this process instead of a child.
	Inline bool
	// ServerBinary overrides the lookup of the mcache-server executable.
	ServerBinary string
	// StorageHash selects the shared storage explicitly. When empty the hash
	// of the storage params is used.
	StorageHash string
	// OnlyServer starts a server and exposes no cache operations.
	OnlyServer bool
}

func (o Options) withDefaults() Options {
	if o.SocketPath == "" {
		o.SocketPath = DefaultSocketPath
	}
	if o.PIDFilePath == "" {
		o.PIDFilePath = DefaultPIDFilePath
	}
	return o
}

func (o Options) key() string {
	o = o.withDefaults()
	return o.PIDFilePath + "##" + o.SocketPath
}
