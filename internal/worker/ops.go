package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nfrund/blenny/internal/broker"
	"github.com/nfrund/blenny/internal/codec"
	"github.com/nfrund/blenny/internal/domain"
	"github.com/nfrund/blenny/internal/imaging"
)

const (
	profileTable    = "profile"
	updateProcedure = "update_profile"
)

// RecordPayload carries a full record for encode-record and update-record.
type RecordPayload struct {
	Record *domain.Profile `json:"record" validate:"required"`
}

// BufferPayload carries encoded record bytes for decode-record.
type BufferPayload struct {
	Buffer []byte `json:"buffer" validate:"required"`
}

// ProcessImagePayload selects one image transform and its inputs.
type ProcessImagePayload struct {
	Op        string             `json:"op" validate:"required,oneof=resize thumbnail composite chart"`
	Image     []byte             `json:"image,omitempty"`
	Overlay   []byte             `json:"overlay,omitempty"`
	Opacity   float64            `json:"opacity,omitempty" validate:"gte=0,lte=1"`
	Grayscale bool               `json:"grayscale,omitempty"`
	Chart     *imaging.ChartSpec `json:"chart,omitempty"`
}

// RecordResult is the data of record-fetched, record-updated and
// record-decoded events.
type RecordResult struct {
	Record any `json:"record"`
}

// BufferResult is the data of record-encoded events.
type BufferResult struct {
	Buffer []byte `json:"buffer"`
}

func (w *Proxy) handleLocal(ctx context.Context, req broker.Request) {
	switch req.Kind {
	case KindEncodeRecord:
		w.handleEncodeRecord(ctx, req)
	case KindDecodeRecord:
		w.handleDecodeRecord(ctx, req)
	case KindProcessImage:
		w.handleProcessImage(ctx, req)
	}
}

func (w *Proxy) handleEncodeRecord(ctx context.Context, req broker.Request) {
	var p RecordPayload
	if err := w.decode(req.Data, &p); err != nil {
		w.emit(ctx, broker.Failure(req.ID, req.Kind, err))
		return
	}
	buf := codec.Encode(p.Record)
	w.emit(ctx, broker.Reply(req.ID, KindRecordEncoded, BufferResult{Buffer: buf}))
}

func (w *Proxy) handleDecodeRecord(ctx context.Context, req broker.Request) {
	var p BufferPayload
	if err := w.decode(req.Data, &p); err != nil {
		w.emit(ctx, broker.Failure(req.ID, req.Kind, err))
		return
	}
	record, err := codec.Decode(p.Buffer)
	if err != nil {
		w.emit(ctx, broker.Failure(req.ID, req.Kind, err))
		return
	}
	w.emit(ctx, broker.Reply(req.ID, KindRecordDecoded, RecordResult{Record: record}))
}

func (w *Proxy) handleProcessImage(ctx context.Context, req broker.Request) {
	var p ProcessImagePayload
	if err := w.decode(req.Data, &p); err != nil {
		w.emit(ctx, broker.Failure(req.ID, req.Kind, err))
		return
	}

	var res *imaging.Result
	var err error
	switch p.Op {
	case "resize":
		res, err = imaging.Resize(p.Image, imaging.MaxEdge)
	case "thumbnail":
		res, err = imaging.Resize(p.Image, imaging.ThumbEdge)
	case "composite":
		res, err = imaging.Composite(p.Image, p.Overlay, imaging.CompositeOptions{
			Opacity:   p.Opacity,
			Grayscale: p.Grayscale,
		})
	case "chart":
		if p.Chart == nil {
			err = errors.New("chart payload missing")
		} else {
			res, err = imaging.RenderChart(*p.Chart)
		}
	}
	if err != nil {
		w.emit(ctx, broker.Failure(req.ID, req.Kind, err))
		return
	}
	w.emit(ctx, broker.Reply(req.ID, KindImageProcessed, res))
}

// handleFetchRecord loads the authenticated user's record, falling back to
// a minimal record derived from the session when none is stored yet.
func (w *Proxy) handleFetchRecord(ctx context.Context, req broker.Request) {
	w.callBroker(ctx, broker.KindGetSession, nil, func(env broker.Envelope) {
		if !env.OK {
			w.emit(ctx, broker.Failure(req.ID, req.Kind, errors.New(env.Error)))
			return
		}
		sess := sessionFrom(env.Data)
		if sess == nil {
			w.emit(ctx, broker.Failure(req.ID, req.Kind, domain.ErrUnauthenticated))
			return
		}

		query := broker.QueryPayload{Table: profileTable, Filter: map[string]any{"id": sess.UserID}, Limit: 1}
		w.callBroker(ctx, broker.KindQuery, query, func(env broker.Envelope) {
			if !env.OK {
				slog.Warn("Record lookup failed, deriving record from session", "error", env.Error)
				w.emit(ctx, fetched(req.ID, domain.ProfileFromSession(sess, nowMillis())))
				return
			}
			rows := rowsFrom(env.Data)
			if len(rows) == 0 {
				w.emit(ctx, fetched(req.ID, domain.ProfileFromSession(sess, nowMillis())))
				return
			}
			w.emit(ctx, fetched(req.ID, rows[0]))
		})
	})
}

// handleUpdateRecord persists a record through the remote update procedure.
// Requires an active session.
func (w *Proxy) handleUpdateRecord(ctx context.Context, req broker.Request) {
	var p RecordPayload
	if err := w.decode(req.Data, &p); err != nil {
		w.emit(ctx, broker.Failure(req.ID, req.Kind, err))
		return
	}

	w.callBroker(ctx, broker.KindGetSession, nil, func(env broker.Envelope) {
		if !env.OK {
			w.emit(ctx, broker.Failure(req.ID, req.Kind, errors.New(env.Error)))
			return
		}
		if sessionFrom(env.Data) == nil {
			w.emit(ctx, broker.Failure(req.ID, req.Kind, domain.ErrUnauthenticated))
			return
		}

		args, err := recordArgs(p.Record)
		if err != nil {
			w.emit(ctx, broker.Failure(req.ID, req.Kind, err))
			return
		}
		call := broker.CallPayload{Procedure: updateProcedure, Args: map[string]any{"record": args}}
		w.callBroker(ctx, broker.KindCall, call, func(env broker.Envelope) {
			if !env.OK {
				w.emit(ctx, broker.Failure(req.ID, req.Kind, errors.New(env.Error)))
				return
			}
			result := env.Data
			if result == nil {
				result = p.Record
			}
			w.emit(ctx, broker.Reply(req.ID, KindRecordUpdated, RecordResult{Record: result}))
		})
	})
}

// callBroker forwards an internal sub-request whose response is consumed
// by complete rather than the adapter.
func (w *Proxy) callBroker(ctx context.Context, kind string, payload any, complete func(broker.Envelope)) {
	var data json.RawMessage
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			complete(broker.Failure("", kind, err))
			return
		}
		data = raw
	}
	w.forward(ctx, broker.Request{Kind: kind, Data: data}, complete)
}

func (w *Proxy) decode(data json.RawMessage, dst any) error {
	if len(data) > 0 {
		if err := json.Unmarshal(data, dst); err != nil {
			return fmt.Errorf("malformed payload: %w", err)
		}
	}
	if err := w.validate.Struct(dst); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}

func fetched(id string, record any) broker.Envelope {
	return broker.Reply(id, KindRecordFetched, RecordResult{Record: record})
}

func sessionFrom(data any) *domain.Session {
	switch s := data.(type) {
	case *domain.Session:
		return s
	case domain.Session:
		return &s
	default:
		return nil
	}
}

func rowsFrom(data any) []map[string]any {
	switch r := data.(type) {
	case []map[string]any:
		return r
	case []any:
		rows := make([]map[string]any, 0, len(r))
		for _, item := range r {
			if m, ok := item.(map[string]any); ok {
				rows = append(rows, m)
			}
		}
		return rows
	default:
		return nil
	}
}

// recordArgs flattens a record into the argument map the remote procedure
// expects.
func recordArgs(p *domain.Profile) (map[string]any, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode record arguments: %w", err)
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("encode record arguments: %w", err)
	}
	return args, nil
}

func nowMillis() uint64 {
	return uint64(time.Now().UnixMilli())
}
