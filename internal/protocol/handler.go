// Package protocol parses framed XML requests, dispatches them to the
// store, matching engine, cancel service, and query service, and
// assembles XML replies, per the wire contract in the external interface
// design.
package protocol

import (
	"bytes"
	"context"
	"encoding/xml"
	"io"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"stockexchange/internal/metrics"
	"stockexchange/internal/model"
	"stockexchange/internal/store"
)

// engine is the subset of *matching.Engine the protocol layer needs.
type engine interface {
	PlaceOrder(ctx context.Context, accountID, symbol string, originalAmount, limitPrice decimal.Decimal) (*model.Order, []*model.Execution, error)
}

// canceler is the subset of *cancel.Service the protocol layer needs.
type canceler interface {
	Cancel(ctx context.Context, orderID int64, accountID string) (*model.StatusReport, error)
}

// querier is the subset of *query.Service the protocol layer needs.
type querier interface {
	Status(ctx context.Context, orderID int64, accountID string) (*model.StatusReport, error)
}

// Handler turns request bytes into reply bytes. One Handler is shared by
// every connection; all of its dependencies are already internally
// concurrency-safe.
type Handler struct {
	store   *store.Store
	engine  engine
	cancels canceler
	queries querier
	metrics *metrics.Collector
	log     *zap.Logger
}

// New constructs a protocol Handler.
func New(st *store.Store, eng engine, cancels canceler, queries querier, m *metrics.Collector, log *zap.Logger) *Handler {
	return &Handler{store: st, engine: eng, cancels: cancels, queries: queries, metrics: m, log: log}
}

// HandleRequest parses one request payload and returns the reply body. It
// never returns an error: any failure it cannot attribute to a specific
// request child becomes a single top-level <error> element, per §4.6 step
// 5's "generic error reply" fallback.
func (h *Handler) HandleRequest(ctx context.Context, payload []byte) []byte {
	start := time.Now()
	dec := xml.NewDecoder(bytes.NewReader(payload))

	root, err := nextStart(dec)
	var results *elem
	reqType := "unknown"

	switch {
	case err != nil:
		results = newElem("results").addChild(errorElem("Malformed request"))
	case root.Name.Local == "create":
		reqType = "create"
		results = h.handleCreate(ctx, dec, root)
	case root.Name.Local == "transactions":
		reqType = "transactions"
		results = h.handleTransactions(ctx, dec, root)
	default:
		results = newElem("results").addChild(errorElem("Unknown request type"))
	}

	out, err := render(results)
	if err != nil {
		h.log.Error("render reply failed", zap.Error(err))
		return []byte("<results><error>Internal error</error></results>")
	}

	if h.metrics != nil {
		h.metrics.RequestDuration.WithLabelValues(reqType).Observe(time.Since(start).Seconds())
	}
	return out
}

// nextStart advances dec to the document's root start element.
func nextStart(dec *xml.Decoder) (xml.StartElement, error) {
	for {
		tok, err := dec.Token()
		if err != nil {
			return xml.StartElement{}, err
		}
		if se, ok := tok.(xml.StartElement); ok {
			return se, nil
		}
	}
}

func (h *Handler) handleCreate(ctx context.Context, dec *xml.Decoder, root xml.StartElement) *elem {
	results := newElem("results")

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return results.addChild(errorElem("Malformed request"))
		}

		switch t := tok.(type) {
		case xml.EndElement:
			if t.Name.Local == root.Name.Local {
				return results
			}
		case xml.StartElement:
			switch t.Name.Local {
			case "account":
				var a accountCreateXML
				if err := dec.DecodeElement(&a, &t); err != nil {
					return results.addChild(errorElem("Malformed request"))
				}
				results.addChild(h.createAccount(ctx, a))
			case "symbol":
				var s symbolCreateXML
				if err := dec.DecodeElement(&s, &t); err != nil {
					return results.addChild(errorElem("Malformed request"))
				}
				for _, acc := range s.Accounts {
					results.addChild(h.creditSymbol(ctx, s.Sym, acc))
				}
			default:
				if err := dec.Skip(); err != nil {
					return results.addChild(errorElem("Malformed request"))
				}
			}
		}
	}
	return results
}

func (h *Handler) createAccount(ctx context.Context, a accountCreateXML) *elem {
	balance, err := decimal.NewFromString(a.Balance)
	if err != nil {
		return errorElem("Invalid balance", "id", a.ID)
	}
	if balance.IsNegative() {
		return errorElem("Negative initial balance", "id", a.ID)
	}

	err = h.store.WithTx(ctx, func(tx *store.Tx) error {
		return tx.CreateAccount(ctx, a.ID, balance)
	})
	if err != nil {
		return errorElem(messageFor(err), "id", a.ID)
	}
	return newElem("created").attr("id", a.ID)
}

func (h *Handler) creditSymbol(ctx context.Context, sym string, acc symbolAccountXML) *elem {
	amount, err := decimal.NewFromString(acc.Amount)
	if err != nil || !amount.IsPositive() {
		return errorElem("Amount must be positive", "sym", sym, "id", acc.ID)
	}

	err = h.store.WithTx(ctx, func(tx *store.Tx) error {
		return tx.CreateSymbol(ctx, sym, acc.ID, amount)
	})
	if err != nil {
		return errorElem(messageFor(err), "sym", sym, "id", acc.ID)
	}
	return newElem("created").attr("sym", sym).attr("id", acc.ID)
}

func (h *Handler) handleTransactions(ctx context.Context, dec *xml.Decoder, root xml.StartElement) *elem {
	results := newElem("results")

	acctID := attrValue(root, "id")
	accountMissing := false
	err := h.store.WithTx(ctx, func(tx *store.Tx) error {
		_, err := tx.GetAccount(ctx, acctID)
		return err
	})
	if errors.Is(err, store.ErrAccountNotFound) {
		accountMissing = true
	}

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return results.addChild(errorElem("Malformed request"))
		}

		switch t := tok.(type) {
		case xml.EndElement:
			if t.Name.Local == root.Name.Local {
				return results
			}
		case xml.StartElement:
			switch t.Name.Local {
			case "order":
				var o orderXML
				if err := dec.DecodeElement(&o, &t); err != nil {
					return results.addChild(errorElem("Malformed request"))
				}
				if accountMissing {
					results.addChild(errorElem("Account not found", "sym", o.Sym, "amount", o.Amount, "limit", o.Limit))
					continue
				}
				results.addChild(h.placeOrder(ctx, acctID, o))
			case "query":
				var q queryXML
				if err := dec.DecodeElement(&q, &t); err != nil {
					return results.addChild(errorElem("Malformed request"))
				}
				if accountMissing {
					results.addChild(errorElem("Account not found", "id", q.ID))
					continue
				}
				results.addChild(h.queryOrder(ctx, acctID, q))
			case "cancel":
				var c cancelXML
				if err := dec.DecodeElement(&c, &t); err != nil {
					return results.addChild(errorElem("Malformed request"))
				}
				if accountMissing {
					results.addChild(errorElem("Account not found", "id", c.ID))
					continue
				}
				results.addChild(h.cancelOrder(ctx, acctID, c))
			default:
				if err := dec.Skip(); err != nil {
					return results.addChild(errorElem("Malformed request"))
				}
			}
		}
	}
	return results
}

func (h *Handler) placeOrder(ctx context.Context, acctID string, o orderXML) *elem {
	amount, err := decimal.NewFromString(o.Amount)
	if err != nil || amount.IsZero() {
		return errorElem("Amount must be nonzero", "sym", o.Sym, "amount", o.Amount, "limit", o.Limit)
	}
	limit, err := decimal.NewFromString(o.Limit)
	if err != nil || limit.IsNegative() {
		return errorElem("Invalid limit price", "sym", o.Sym, "amount", o.Amount, "limit", o.Limit)
	}

	order, _, err := h.engine.PlaceOrder(ctx, acctID, o.Sym, amount, limit)
	if err != nil {
		return errorElem(messageFor(err), "sym", o.Sym, "amount", o.Amount, "limit", o.Limit)
	}
	return newElem("opened").
		attr("sym", o.Sym).
		attr("amount", o.Amount).
		attr("limit", o.Limit).
		attr("id", strconv.FormatInt(order.ID, 10))
}

func (h *Handler) queryOrder(ctx context.Context, acctID string, q queryXML) *elem {
	id, err := strconv.ParseInt(q.ID, 10, 64)
	if err != nil {
		return errorElem("Invalid id", "id", q.ID)
	}
	report, err := h.queries.Status(ctx, id, acctID)
	if err != nil {
		return errorElem(messageFor(err), "id", q.ID)
	}
	return statusElem("status", report)
}

func (h *Handler) cancelOrder(ctx context.Context, acctID string, c cancelXML) *elem {
	id, err := strconv.ParseInt(c.ID, 10, 64)
	if err != nil {
		return errorElem("Invalid id", "id", c.ID)
	}
	report, err := h.cancels.Cancel(ctx, id, acctID)
	if err != nil {
		return errorElem(messageFor(err), "id", c.ID)
	}
	return statusElem("canceled", report)
}

func statusElem(name string, report *model.StatusReport) *elem {
	e := newElem(name).attr("id", strconv.FormatInt(report.OrderID, 10))
	for _, p := range report.Parts {
		switch p.Kind {
		case "open":
			e.addChild(newElem("open").attr("shares", p.Shares.String()))
		case "executed":
			e.addChild(newElem("executed").
				attr("shares", p.Shares.String()).
				attr("price", p.Price.String()).
				attr("time", strconv.FormatInt(p.Time.Unix(), 10)))
		case "canceled":
			e.addChild(newElem("canceled").
				attr("shares", p.Shares.String()).
				attr("time", strconv.FormatInt(p.Time.Unix(), 10)))
		}
	}
	return e
}

func errorElem(msg string, kv ...string) *elem {
	e := newElem("error")
	for i := 0; i+1 < len(kv); i += 2 {
		e.attr(kv[i], kv[i+1])
	}
	return e.setText(msg)
}

func attrValue(start xml.StartElement, local string) string {
	for _, a := range start.Attr {
		if a.Name.Local == local {
			return a.Value
		}
	}
	return ""
}

// messageFor maps a store/business error to the short sentinel text the
// wire protocol exposes to clients. Anything unrecognized is surfaced as a
// generic internal error so stack traces never leak to the wire.
func messageFor(err error) string {
	switch {
	case errors.Is(err, store.ErrAccountExists):
		return "Account already exists"
	case errors.Is(err, store.ErrInvalidAccountID):
		return "Invalid id"
	case errors.Is(err, store.ErrAccountNotFound):
		return "Account not found"
	case errors.Is(err, store.ErrInvalidAmount):
		return "Amount must be positive"
	case errors.Is(err, store.ErrOrderNotFound):
		return "Order not found"
	case errors.Is(err, store.ErrAlreadyCanceled):
		return "Order already canceled"
	case errors.Is(err, store.ErrNothingToCancel):
		return "Order has no remaining quantity"
	case errors.Is(err, store.ErrPermissionDenied):
		return "Permission denied"
	case errors.Is(err, store.ErrInsufficientFunds):
		return "Insufficient funds"
	case errors.Is(err, store.ErrInsufficientShares):
		return "Insufficient shares"
	default:
		return "Internal error"
	}
}
