package messaging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/TheodoreChuang/habita/internal/flow"
	"github.com/TheodoreChuang/habita/internal/models"
	"github.com/TheodoreChuang/habita/internal/store"
)

// ResponseHandler routes traffic between a transport Service and the
// conversation orchestrator: inbound responses into HandleResponse, outbound
// events into SendMessage, receipts into the log.
//
// Inbound dispatch is serialized per sender: messages from one user are
// handled strictly in arrival order, while different users proceed in
// parallel.
type ResponseHandler struct {
	service      Service
	store        store.Store
	orchestrator *flow.Orchestrator
	autoEnroll   bool
	senderQueues sync.Map // sender -> chan models.Response
}

// ResponseHandlerOption configures a ResponseHandler.
type ResponseHandlerOption func(*ResponseHandler)

// WithAutoEnroll upserts a user record on first contact instead of replying
// with the registration notice.
func WithAutoEnroll() ResponseHandlerOption {
	return func(rh *ResponseHandler) { rh.autoEnroll = true }
}

// NewResponseHandler creates a handler routing between the given service and
// orchestrator.
func NewResponseHandler(service Service, st store.Store, orchestrator *flow.Orchestrator, opts ...ResponseHandlerOption) *ResponseHandler {
	rh := &ResponseHandler{
		service:      service,
		store:        st,
		orchestrator: orchestrator,
	}
	for _, opt := range opts {
		opt(rh)
	}
	return rh
}

// Run consumes the service and orchestrator channels until ctx is cancelled.
// It returns immediately; processing happens in background goroutines.
func (rh *ResponseHandler) Run(ctx context.Context) {
	go rh.consumeResponses(ctx)
	go rh.consumeOutbound(ctx)
	go rh.consumeReceipts(ctx)
	slog.Info("ResponseHandler running", "auto_enroll", rh.autoEnroll)
}

func (rh *ResponseHandler) consumeResponses(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case resp, ok := <-rh.service.Responses():
			if !ok {
				return
			}
			rh.handleInbound(ctx, resp)
		}
	}
}

// handleInbound normalizes the sender identity, optionally enrolls the user,
// and enqueues the message on the sender's serial queue. Per-sender workers
// keep one slow completion from stalling the intake loop without reordering
// a single user's messages.
func (rh *ResponseHandler) handleInbound(ctx context.Context, resp models.Response) {
	canonical, err := rh.service.ValidateAndCanonicalizeRecipient(resp.From)
	if err != nil {
		slog.Warn("ResponseHandler dropping message with invalid sender", "error", err, "from", resp.From)
		return
	}
	resp.From = "+" + canonical

	if rh.autoEnroll {
		if _, err := rh.store.UpsertUser(resp.From, canonical, ""); err != nil {
			slog.Error("ResponseHandler auto-enroll failed", "error", err, "from", resp.From)
		}
	}

	queue, loaded := rh.senderQueues.LoadOrStore(resp.From, make(chan models.Response, DefaultChannelBufferSize))
	ch := queue.(chan models.Response)
	if !loaded {
		go rh.drainSender(ctx, resp.From, ch)
	}

	select {
	case ch <- resp:
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("ResponseHandler sender queue full, dropping message", "from", resp.From)
	}
}

// drainSender processes one sender's messages in FIFO order until ctx is
// cancelled.
func (rh *ResponseHandler) drainSender(ctx context.Context, sender string, ch chan models.Response) {
	for {
		select {
		case <-ctx.Done():
			return
		case resp := <-ch:
			if err := rh.orchestrator.HandleResponse(ctx, resp); err != nil {
				slog.Warn("ResponseHandler message handling failed", "error", err, "from", sender)
			}
		}
	}
}

func (rh *ResponseHandler) consumeOutbound(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-rh.orchestrator.Outbound():
			if !ok {
				return
			}
			if err := rh.service.SendMessage(ctx, msg.To, msg.Body); err != nil {
				slog.Error("ResponseHandler outbound delivery failed", "error", err, "to", msg.To)
			}
		}
	}
}

// consumeReceipts drains delivery receipts. They are logged for visibility
// but not persisted.
func (rh *ResponseHandler) consumeReceipts(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case receipt, ok := <-rh.service.Receipts():
			if !ok {
				return
			}
			slog.Debug("ResponseHandler receipt", "to", receipt.To, "status", receipt.Status)
		}
	}
}
