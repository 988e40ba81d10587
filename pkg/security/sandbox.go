package security

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"sort"
	"strings"
	"time"

	"addinhost/pkg/plugin"
)

// Action is a unit of plugin work. In-process sandboxes run Func; process
// sandboxes run Path with Args.
type Action struct {
	Name string
	Func func(ctx context.Context) error

	Path   string
	Args   []string
	Dir    string
	Stdout io.Writer
	Stderr io.Writer
}

// Sandbox executes actions with the capabilities derived from perms.
type Sandbox interface {
	Execute(ctx context.Context, action Action, perms plugin.Permission) error
}

type ResourceLimits struct {
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxMemory    int64         `mapstructure:"max_memory"`
	MaxOpenFiles int           `mapstructure:"max_open_files"`
}

func DefaultLimits() ResourceLimits {
	return ResourceLimits{Timeout: 30 * time.Second}
}

var capabilityNames = map[plugin.Permission]string{
	plugin.PermissionFileSystem: "filesystem",
	plugin.PermissionNetwork:    "network",
	plugin.PermissionReflection: "reflection",
}

// Capabilities maps permission bits to sandbox capability names, sorted.
func Capabilities(perms plugin.Permission) []string {
	var caps []string
	for bit, name := range capabilityNames {
		if perms.Has(bit) {
			caps = append(caps, name)
		}
	}
	sort.Strings(caps)
	return caps
}

type capsKey struct{}

func WithCapabilities(ctx context.Context, caps []string) context.Context {
	return context.WithValue(ctx, capsKey{}, caps)
}

func CapabilitiesFrom(ctx context.Context) []string {
	caps, _ := ctx.Value(capsKey{}).([]string)
	return caps
}

// ErrResourceLimit reports a breached MaxMemory or MaxOpenFiles limit. Both
// are measured across the whole host process; the error carries KindStart
// and never blocks the plugin.
var ErrResourceLimit = errors.New("resource limit exceeded")

// InProcessSandbox calls the action on its own goroutine, recovering
// panics and enforcing the limits.
type InProcessSandbox struct {
	limits ResourceLimits
}

func NewInProcessSandbox(limits ResourceLimits) *InProcessSandbox {
	return &InProcessSandbox{limits: limits}
}

func (s *InProcessSandbox) Execute(ctx context.Context, action Action, perms plugin.Permission) error {
	if action.Func == nil {
		return plugin.NewError(plugin.KindConfiguration, "", action.Name,
			fmt.Errorf("in-process sandbox requires a function"))
	}

	ctx, cancel := context.WithCancel(WithCapabilities(ctx, Capabilities(perms)))
	defer cancel()
	if s.limits.Timeout > 0 {
		var tcancel context.CancelFunc
		ctx, tcancel = context.WithTimeout(ctx, s.limits.Timeout)
		defer tcancel()
	}

	monitorDone := make(chan struct{})
	exceeded := make(chan string, 1)
	defer close(monitorDone)
	if s.limits.MaxMemory > 0 || s.limits.MaxOpenFiles > 0 {
		go s.monitorResources(monitorDone, exceeded)
	}

	errCh := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				errCh <- plugin.NewError(plugin.KindFatal, "", action.Name, fmt.Errorf("plugin panic: %v", r))
			}
		}()
		errCh <- action.Func(ctx)
	}()

	select {
	case err := <-errCh:
		return ScrubError(err)
	case reason := <-exceeded:
		return plugin.NewError(plugin.KindStart, "", action.Name, fmt.Errorf("%w: %s", ErrResourceLimit, reason))
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return plugin.NewError(plugin.KindTimeout, "", action.Name,
				fmt.Errorf("execution exceeded %s", s.limits.Timeout))
		}
		return fmt.Errorf("execution cancelled: %w", ctx.Err())
	}
}

func (s *InProcessSandbox) monitorResources(done <-chan struct{}, exceeded chan<- string) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if reason := s.exceedsLimits(); reason != "" {
				exceeded <- reason
				return
			}
		}
	}
}

func (s *InProcessSandbox) exceedsLimits() string {
	if s.limits.MaxMemory > 0 {
		var mstats runtime.MemStats
		runtime.ReadMemStats(&mstats)
		if int64(mstats.Alloc) > s.limits.MaxMemory {
			return fmt.Sprintf("heap %d > %d bytes", mstats.Alloc, s.limits.MaxMemory)
		}
	}
	if s.limits.MaxOpenFiles > 0 {
		if n := countOpenFiles(); n > s.limits.MaxOpenFiles {
			return fmt.Sprintf("open files %d > %d", n, s.limits.MaxOpenFiles)
		}
	}
	return ""
}

func countOpenFiles() int {
	dir, err := os.Open("/proc/self/fd")
	if err != nil {
		return 0
	}
	defer dir.Close()

	files, err := dir.Readdirnames(-1)
	if err != nil {
		return 0
	}
	return len(files) - 1
}

func capsEnv(perms plugin.Permission) string {
	return "ADDIN_CAPS=" + strings.Join(Capabilities(perms), ",")
}
