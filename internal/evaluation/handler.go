package evaluation

import (
	"context"
	"time"

	"RelayVerify/internal/logger"
	"RelayVerify/internal/message"
	"RelayVerify/internal/metrics"
	"RelayVerify/internal/network"
)

// requestTimeout bounds the work done for one remote request.
const requestTimeout = 10 * time.Second

// Handler serves evaluator requests received over the network.
// The caller of every request is the TLS identity of the peer.
type Handler struct {
	svc     *Service
	metrics *metrics.Metrics
}

// NewHandler creates a handler for svc. m may be nil.
func NewHandler(svc *Service, m *metrics.Metrics) *Handler {
	return &Handler{svc: svc, metrics: m}
}

// Attach installs the handler as the request handler of node.
func (h *Handler) Attach(node *network.Node) {
	node.OnRequest(h.HandleRequest)
}

// HandleRequest implements the network request callback.
// Failures are encoded in the response, never returned.
func (h *Handler) HandleRequest(peer *network.Peer, data []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	return h.Handle(ctx, peer.Identity(), data), nil
}

// Handle decodes and executes one request on behalf of caller.
func (h *Handler) Handle(ctx context.Context, caller message.Identity, data []byte) []byte {
	req, err := DecodeRequest(data)
	if err != nil {
		logger.Debug("bad evaluator request", "caller", caller.Short(), "error", err)
		h.metrics.IncRequest("invalid", StatusBadRequest.String())
		return errorResponse(err)
	}

	resp, err := h.dispatch(ctx, caller, req)
	if err != nil {
		status := statusOf(err)
		if status == StatusInternal {
			logger.Error("evaluator request failed", "type", req.Type, "caller", caller.Short(), "error", err)
		}

		h.metrics.IncRequest(req.Type.String(), status.String())

		return errorResponse(err)
	}

	h.metrics.IncRequest(req.Type.String(), StatusOK.String())

	return resp
}

// dispatch executes req and encodes its result.
func (h *Handler) dispatch(ctx context.Context, caller message.Identity, req Request) ([]byte, error) {
	switch req.Type {
	case RequestGetCredibility:
		entries, err := h.svc.GetCredibility(req.IDs)
		if err != nil {
			return nil, err
		}

		return okResponse(func(w *writer) { w.entries(entries) }), nil

	case RequestUpdateReputation:
		changes, err := h.svc.UpdateReputation(ctx, caller, req.Trusted, req.Untrusted, req.Exception)
		if err != nil {
			return nil, err
		}

		return okResponse(func(w *writer) {
			w.u32(uint32(len(changes)))
			for _, c := range changes {
				w.identity(c.Validator)
				w.u8(uint8(c.Verdict))
				w.u32(c.Old)
				w.u32(c.New)
			}
		}), nil

	case RequestRegister:
		if err := h.svc.Register(caller); err != nil {
			return nil, err
		}

		return okResponse(nil), nil

	case RequestUnregister:
		if err := h.svc.Unregister(caller); err != nil {
			return nil, err
		}

		return okResponse(nil), nil

	case RequestGetValidators:
		entries, err := h.svc.GetValidators(req.From, req.Limit)
		if err != nil {
			return nil, err
		}

		return okResponse(func(w *writer) { w.entries(entries) }), nil

	case RequestSelectValidators:
		sel, err := h.svc.SelectValidators(req.Seed, int(req.Count))
		if err != nil {
			return nil, err
		}

		return okResponse(func(w *writer) {
			w.identities(sel.Trustworthy)
			w.identities(sel.Random)
		}), nil

	case RequestIsTrustworthy:
		trusted := h.svc.IsTrustworthy(req.Validator)

		return okResponse(func(w *writer) {
			if trusted {
				w.u8(1)
			} else {
				w.u8(0)
			}
		}), nil

	default:
		return nil, ErrInvalidRequest
	}
}
