package plugin

import (
	"context"
	"io"
	"io/fs"
	"net/http"

	"addinhost/pkg/logging"
)

type Plugin interface {
	Init(ctx context.Context, pctx *Context) error

	Start(ctx context.Context) error

	Stop(ctx context.Context) error
}

// ServiceProvider is implemented by plugins that publish services to the host.
type ServiceProvider interface {
	Services() map[string]interface{}
}

// HealthReporter is implemented by plugins that can report their own health.
type HealthReporter interface {
	Health(ctx context.Context) error
}

// FileSystem is the permission-checked file access handed to plugins.
type FileSystem interface {
	ReadFile(name string) ([]byte, error)
	WriteFile(name string, data []byte, perm fs.FileMode) error
	ReadDir(name string) ([]fs.DirEntry, error)
	Stat(name string) (fs.FileInfo, error)
	Remove(name string) error
}

// Resources registers things the host releases when the plugin stops.
type Resources interface {
	TrackDisposable(name string, c io.Closer)
	TrackFunc(name string, fn func() error)
	TrackCancel(name string, cancel context.CancelFunc)
	TrackTask(name string, fn func(ctx context.Context))
}

// Context is what the host hands a plugin on Init.
type Context struct {
	Descriptor *PluginDescriptor
	Logger     logging.Logger
	FileSystem FileSystem
	HTTPClient func() *http.Client
	Resources  Resources
	Config     map[string]interface{}
}
