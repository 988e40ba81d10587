package security

import (
	"net/http"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// HTTPClientFactory builds clients whose every request passes the
// gateway's network check before a connection is attempted.
type HTTPClientFactory struct {
	gateway   *Gateway
	transport http.RoundTripper
	timeout   time.Duration
}

func NewHTTPClientFactory(g *Gateway, timeout time.Duration) *HTTPClientFactory {
	return &HTTPClientFactory{
		gateway:   g,
		transport: cleanhttp.DefaultPooledTransport(),
		timeout:   timeout,
	}
}

// WithTransport replaces the underlying transport, mostly for tests.
func (f *HTTPClientFactory) WithTransport(rt http.RoundTripper) *HTTPClientFactory {
	f.transport = rt
	return f
}

func (f *HTTPClientFactory) Client(pluginID string) *http.Client {
	return &http.Client{
		Timeout: f.timeout,
		Transport: &gatedTransport{
			gateway:  f.gateway,
			pluginID: pluginID,
			next:     otelhttp.NewTransport(f.transport),
		},
	}
}

type gatedTransport struct {
	gateway  *Gateway
	pluginID string
	next     http.RoundTripper
}

func (t *gatedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.gateway.CheckNetwork(t.pluginID, req.URL.Host); err != nil {
		if req.Body != nil {
			req.Body.Close()
		}
		return nil, err
	}
	resp, err := t.next.RoundTrip(req)
	return resp, ScrubError(err)
}
