package platform

import (
	"context"

	"golang.org/x/exp/jsonrpc2"

	"github.com/txn2/mcp-game-gateway/pkg/transport"
)

// coreDispatcher answers the protocol-level methods the gateway itself
// owns. A deployment embedding a tool layer supplies its own Dispatcher to
// NewGateway and handles tools/list, tools/call and friends there.
type coreDispatcher struct {
	serverName    string
	serverVersion string
}

var _ transport.Dispatcher = (*coreDispatcher)(nil)

func newCoreDispatcher(serverName, serverVersion string) *coreDispatcher {
	return &coreDispatcher{serverName: serverName, serverVersion: serverVersion}
}

func (d *coreDispatcher) Dispatch(ctx context.Context, req *jsonrpc2.Request) (any, error) {
	switch req.Method {
	case "initialize":
		version := transport.FallbackProtocolVersion
		if sess := transport.StreamSessionFromContext(ctx); sess != nil {
			version = sess.NegotiatedVersion()
		}
		return map[string]any{
			"protocolVersion": version,
			"capabilities":    map[string]any{},
			"serverInfo": map[string]any{
				"name":    d.serverName,
				"version": d.serverVersion,
			},
		}, nil
	case "ping":
		return map[string]any{}, nil
	default:
		return nil, transport.ErrMethodNotFound
	}
}
