// Package wsd is the WS-Scan protocol handler. Only the protocol identity
// is provided; every operation reports proto.ErrUnsupported.
package wsd

import (
	"fmt"

	"github.com/mzyy94/airscan/internal/proto"
	"github.com/mzyy94/airscan/internal/transport"
)

// Handler is the WSD protocol handler.
type Handler struct{}

var _ proto.Handler = Handler{}

// New returns a WSD handler.
func New() Handler { return Handler{} }

func (Handler) Protocol() proto.Protocol { return proto.ProtocolWSD }

func (Handler) DevcapsQuery(*proto.Context) *transport.Query { return nil }

func (Handler) DevcapsDecode(*proto.Context) (*proto.Caps, error) {
	return nil, fmt.Errorf("WSD capabilities: %w", proto.ErrUnsupported)
}

func (Handler) ScanQuery(*proto.Context) *transport.Query { return nil }

func (Handler) ScanDecode(*proto.Context) proto.Result { return unsupported("scan") }

func (Handler) LoadQuery(*proto.Context) *transport.Query { return nil }

func (Handler) LoadDecode(*proto.Context) proto.Result { return unsupported("load") }

func (Handler) StatusQuery(*proto.Context) *transport.Query { return nil }

func (Handler) StatusDecode(*proto.Context) proto.Result { return unsupported("status") }

func (Handler) CleanupQuery(*proto.Context) *transport.Query { return nil }

func unsupported(op string) proto.Result {
	return proto.Result{
		Next:   proto.OpFinish,
		Status: proto.StatusUnsupported,
		Err:    fmt.Errorf("WSD %s: %w", op, proto.ErrUnsupported),
	}
}
