package voice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/barkeep/internal/broadcast"
	"github.com/MrWong99/barkeep/internal/dispatch"
	"github.com/MrWong99/barkeep/internal/intent"
	"github.com/MrWong99/barkeep/internal/observe"
	"github.com/MrWong99/barkeep/internal/pos"
	"github.com/MrWong99/barkeep/internal/speech"
)

// Fixed replies.
const (
	replyNotUnderstood = "Sorry, I didn't catch which drink. Please say it again."
	replyHelp          = "You can say things like: add two Heinekens, remove a Merlot, what's in the cart, clear the cart, or checkout."
	replyInquiry       = "I can take drink orders, show the cart and menu, and check stock."
	replyEmptyCart     = "The cart is empty."
	replyWhichDrink    = "Which drink should I check?"
)

// menuPreview caps how many menu items are read aloud.
const menuPreview = 5

// Pipeline runs a command turn: intent extraction, the dispatched cart or
// order command, the cart broadcast and an optional spoken reply. The session
// id doubles as the cart id.
type Pipeline struct {
	extractor  *intent.Extractor
	dispatcher dispatch.Dispatcher
	hub        *broadcast.Hub
	speaker    speech.Synthesizer
	metrics    *observe.Metrics
}

var _ Handler = (*Pipeline)(nil)

// PipelineOption configures a [Pipeline].
type PipelineOption func(*Pipeline)

// WithSpeaker attaches a synthesizer for spoken replies.
func WithSpeaker(s speech.Synthesizer) PipelineOption {
	return func(p *Pipeline) { p.speaker = s }
}

// WithPipelineMetrics overrides [observe.DefaultMetrics].
func WithPipelineMetrics(m *observe.Metrics) PipelineOption {
	return func(p *Pipeline) { p.metrics = m }
}

// NewPipeline returns a Pipeline.
func NewPipeline(ex *intent.Extractor, d dispatch.Dispatcher, hub *broadcast.Hub, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{extractor: ex, dispatcher: d, hub: hub}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	return p
}

// HandleTurn implements [Handler]. Dispatcher transport failures are
// returned as errors; business failures reported by the worker become the
// spoken reply.
func (p *Pipeline) HandleTurn(ctx context.Context, sessionID, transcript string) (Reply, error) {
	ctx, span := observe.StartTurn(ctx, sessionID)
	defer span.End()

	res := p.extractor.Extract(ctx, sessionID, transcript)
	span.SetAttributes(observe.AttrIntent.String(string(res.Intent)))
	text, err := p.run(ctx, sessionID, res)
	if err != nil {
		var we *dispatch.WorkerError
		if !errors.As(err, &we) {
			span.RecordError(err)
			span.SetStatus(codes.Error, "dispatch failed")
			return Reply{}, err
		}
		text = we.Message
		if we.Message == pos.ErrEmptyCart.Error() {
			text = replyEmptyCart
		}
	}
	reply := Reply{Text: text, Intent: string(res.Intent)}
	reply.Audio = p.speak(ctx, text)
	return reply, nil
}

func (p *Pipeline) run(ctx context.Context, cartID string, res intent.Result) (string, error) {
	switch res.Intent {
	case intent.NotUnderstood:
		return replyNotUnderstood, nil
	case intent.Help:
		return replyHelp, nil
	case intent.GeneralInquiry:
		return replyInquiry, nil

	case intent.CartAdd, intent.CartRemove:
		tool, kind := pos.ToolCartAdd, broadcast.KindAdd
		if res.Intent == intent.CartRemove {
			tool, kind = pos.ToolCartRemove, broadcast.KindRemove
		}
		params := pos.ItemsParams{CartID: cartID}
		for _, it := range res.Entities.Lines() {
			params.Items = append(params.Items, pos.ItemRequest{Name: it.DrinkName, Quantity: it.Quantity})
		}
		var out pos.CartResult
		if err := p.invoke(ctx, tool, params, &out); err != nil {
			return "", err
		}
		if len(out.Changed) > 0 {
			p.broadcast(ctx, kind, out.Cart, "")
		}
		return describeChange(res.Intent, out, res.Unresolved), nil

	case intent.CartClear:
		var out pos.CartResult
		if err := p.invoke(ctx, pos.ToolCartClear, pos.CartParams{CartID: cartID}, &out); err != nil {
			return "", err
		}
		p.broadcast(ctx, broadcast.KindClear, out.Cart, "")
		return "Cart cleared.", nil

	case intent.CartView:
		var out pos.CartResult
		if err := p.invoke(ctx, pos.ToolCartView, pos.CartParams{CartID: cartID}, &out); err != nil {
			return "", err
		}
		if len(out.Cart.Items) == 0 {
			return replyEmptyCart, nil
		}
		return fmt.Sprintf("The cart has %s. Total %s.", listLines(out.Cart.Items), money(out.Cart.TotalCents)), nil

	case intent.CartCreateOrder:
		var out pos.OrderResult
		if err := p.invoke(ctx, pos.ToolCartCreateOrder, pos.CartParams{CartID: cartID}, &out); err != nil {
			return "", err
		}
		orderID := ""
		if out.Order != nil {
			orderID = out.Order.ID
		}
		p.broadcast(ctx, broadcast.KindOrderCompleted, out.Cart, orderID)
		return describeOrder(out), nil

	case intent.InventoryCheck:
		if res.Entities.DrinkName == "" {
			p.extractor.Contexts().Get(cartID).SetPending(intent.InventoryCheck, replyWhichDrink)
			return replyWhichDrink, nil
		}
		var out pos.InventoryResult
		if err := p.invoke(ctx, pos.ToolInventoryCheck, pos.CheckParams{Name: res.Entities.DrinkName}, &out); err != nil {
			return "", err
		}
		return fmt.Sprintf("%s: %d %s on hand.", out.Name, out.Containers, plural(out.Containers, "container")), nil

	case intent.MenuView:
		var out pos.MenuResult
		if err := p.invoke(ctx, pos.ToolMenuView, struct{}{}, &out); err != nil {
			return "", err
		}
		names := make([]string, 0, menuPreview)
		for i, it := range out.Items {
			if i == menuPreview {
				break
			}
			names = append(names, fmt.Sprintf("%s %s", it.Name, money(it.PriceCents)))
		}
		return fmt.Sprintf("We have %d drinks, including %s.", len(out.Items), strings.Join(names, ", ")), nil
	}
	return replyInquiry, nil
}

func (p *Pipeline) invoke(ctx context.Context, tool string, params, out any) error {
	ctx, span := observe.StartSpan(ctx, observe.SpanDispatch, trace.WithAttributes(observe.AttrTool.String(tool)))
	defer span.End()
	raw, err := p.dispatcher.Invoke(ctx, tool, params)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, tool)
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("voice: decode %s result: %w", tool, err)
	}
	return nil
}

func (p *Pipeline) broadcast(ctx context.Context, kind broadcast.Kind, cart pos.CartState, orderID string) {
	if p.hub == nil {
		return
	}
	ev := broadcast.Event{Kind: kind, CartID: cart.CartID, TotalCents: cart.TotalCents, OrderID: orderID}
	for _, l := range cart.Items {
		ev.Items = append(ev.Items, broadcast.Item{
			Name:       l.Name,
			Category:   string(l.Category),
			Quantity:   l.Quantity,
			PriceCents: l.UnitPriceCents,
		})
	}
	n := p.hub.Broadcast(ctx, ev)
	slog.Debug("voice: cart broadcast", "cart_id", cart.CartID, "kind", kind, "listeners", n)
}

func (p *Pipeline) speak(ctx context.Context, text string) []byte {
	if p.speaker == nil || text == "" {
		return nil
	}
	start := time.Now()
	audio, err := p.speaker.Synthesize(ctx, text)
	p.metrics.TTSDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		slog.Warn("voice: speech synthesis failed, replying with text only", "err", err)
		return nil
	}
	return audio
}

func describeChange(in intent.Intent, out pos.CartResult, unresolved []string) string {
	var parts []string
	if len(out.Changed) > 0 {
		verb := "Added"
		if in == intent.CartRemove {
			verb = "Removed"
		}
		parts = append(parts, fmt.Sprintf("%s %s.", verb, listLines(out.Changed)))
	}
	if len(out.NotInCart) > 0 {
		parts = append(parts, fmt.Sprintf("%s is not in the cart.", strings.Join(out.NotInCart, " and ")))
	}
	missing := append(append([]string(nil), unresolved...), out.Unknown...)
	if len(missing) > 0 {
		parts = append(parts, fmt.Sprintf("I couldn't find %s.", strings.Join(missing, " or ")))
	}
	if len(out.Changed) > 0 {
		parts = append(parts, fmt.Sprintf("Total %s.", money(out.Cart.TotalCents)))
	}
	if len(parts) == 0 {
		return replyNotUnderstood
	}
	return strings.Join(parts, " ")
}

func describeOrder(out pos.OrderResult) string {
	var refused []string
	for _, l := range out.Lines {
		if !l.Ordered {
			refused = append(refused, fmt.Sprintf("%s (%s)", l.Line.Name, l.Error))
		}
	}
	var b strings.Builder
	if out.Order != nil {
		fmt.Fprintf(&b, "Order placed, total %s.", money(out.Order.TotalCents))
	} else {
		b.WriteString("No order was placed.")
	}
	if len(refused) > 0 {
		fmt.Fprintf(&b, " Not served: %s.", strings.Join(refused, ", "))
	}
	return b.String()
}

func listLines(lines []pos.Line) string {
	parts := make([]string, len(lines))
	for i, l := range lines {
		parts[i] = fmt.Sprintf("%d %s", l.Quantity, l.Name)
	}
	return strings.Join(parts, ", ")
}

func money(cents int64) string {
	return fmt.Sprintf("%d.%02d", cents/100, cents%100)
}

func plural(n int, word string) string {
	if n == 1 {
		return word
	}
	return word + "s"
}
