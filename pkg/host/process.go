package host

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"addinhost/pkg/logging"
	"addinhost/pkg/plugin"
	"addinhost/pkg/security"
)

// ProcessTypeName marks manifests whose assembly is an executable run
// under the process sandbox.
const ProcessTypeName = "process"

type processLoader struct {
	sandbox security.Sandbox
}

func (l *processLoader) CanLoad(d *plugin.PluginDescriptor) bool {
	return d.TypeName == ProcessTypeName
}

func (l *processLoader) Load(ctx context.Context, d *plugin.PluginDescriptor) (plugin.Plugin, error) {
	return &processPlugin{descriptor: d, sandbox: l.sandbox}, nil
}

// processPlugin keeps an executable running while the plugin is started.
// Stopping the plugin cancels the process through its resource scope.
type processPlugin struct {
	descriptor *plugin.PluginDescriptor
	sandbox    security.Sandbox
	logger     logging.Logger
	resources  plugin.Resources

	mu     sync.Mutex
	exited bool
	err    error
}

func (p *processPlugin) Init(ctx context.Context, pctx *plugin.Context) error {
	p.logger = logging.OrNop(pctx.Logger)
	p.resources = pctx.Resources
	return nil
}

func (p *processPlugin) Start(ctx context.Context) error {
	out := &lineLogger{logger: p.logger}
	p.resources.TrackTask("process", func(ctx context.Context) {
		err := p.sandbox.Execute(ctx, security.Action{
			Name:   p.descriptor.ID,
			Path:   p.descriptor.AssemblyPath,
			Dir:    filepath.Dir(p.descriptor.AssemblyPath),
			Stdout: out,
			Stderr: out,
		}, p.descriptor.Permissions)

		p.mu.Lock()
		p.exited, p.err = true, err
		p.mu.Unlock()
		if ctx.Err() == nil {
			p.logger.Warn("Plugin process exited", "error", err)
		}
	})
	return nil
}

func (p *processPlugin) Stop(ctx context.Context) error { return nil }

func (p *processPlugin) Health(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.exited {
		return nil
	}
	if p.err != nil {
		return fmt.Errorf("process exited: %w", p.err)
	}
	return errors.New("process exited")
}

// lineLogger forwards process output to the plugin logger line by line.
type lineLogger struct {
	logger logging.Logger
	mu     sync.Mutex
	buf    []byte
}

func (w *lineLogger) Write(b []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, b...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.logger.Info("Plugin output", "line", string(w.buf[:i]))
		w.buf = w.buf[i+1:]
	}
	return len(b), nil
}
