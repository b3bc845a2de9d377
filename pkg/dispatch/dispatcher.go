// Package dispatch is the single entry point for inbound client events. It
// validates them, drives the room manager, history store and bus, and
// replies to the sender when an event is rejected.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mahaj/roomcast/pkg/apperr"
	"github.com/mahaj/roomcast/pkg/history"
	"github.com/mahaj/roomcast/pkg/metrics"
	"github.com/mahaj/roomcast/pkg/model"
	"github.com/mahaj/roomcast/pkg/retry"
	"github.com/mahaj/roomcast/pkg/room"
)

// State is the lifecycle state of a connection.
type State int

const (
	Disconnected State = iota
	Connected
	Joined
)

func (s State) String() string {
	switch s {
	case Connected:
		return "connected"
	case Joined:
		return "joined"
	default:
		return "disconnected"
	}
}

type roomRequest struct {
	Room string `validate:"required,max=128"`
}

type messageRequest struct {
	Room    string `validate:"required,max=128"`
	Content string `validate:"required,max=4096"`
	Sender  string `validate:"max=128"`
}

type Dispatcher struct {
	rooms    *room.Manager
	history  history.Store
	ids      history.IDGenerator
	retry    retry.Policy
	validate *validator.Validate
	metrics  *metrics.Recorder
	log      *slog.Logger
}

// New builds a dispatcher. ids stamps messages before they are appended so a
// retried append carries the same id as the attempt that may have landed.
func New(rooms *room.Manager, h history.Store, ids history.IDGenerator, policy retry.Policy, rec *metrics.Recorder, log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		rooms:    rooms,
		history:  h,
		ids:      ids,
		retry:    policy,
		validate: validator.New(),
		metrics:  rec,
		log:      log.With("component", "dispatcher"),
	}
}

// State reports the lifecycle state of connID.
func (d *Dispatcher) State(connID string) State {
	rooms, ok := d.rooms.Rooms(connID)
	switch {
	case !ok:
		return Disconnected
	case len(rooms) == 0:
		return Connected
	default:
		return Joined
	}
}

// Dispatch handles one inbound event for connID. Events of one connection
// must be dispatched sequentially; that is what keeps each sender's messages
// in order within a room. A rejected event is answered with an error frame
// and its error is returned.
func (d *Dispatcher) Dispatch(ctx context.Context, connID string, ev model.Inbound) error {
	log := d.log.With("conn", connID, "event", ev.Type)

	var err error
	switch ev.Type {
	case model.EventConnect:
		err = d.connect(connID, ev.Sender)
	case model.EventDisconnect:
		return d.disconnect(ctx, log, connID)
	case model.EventJoin:
		err = d.join(ctx, log, connID, ev)
	case model.EventLeave:
		err = d.leave(ctx, log, connID, ev)
	case model.EventMessage:
		err = d.message(ctx, log, connID, ev)
	case model.EventTyping:
		err = d.typing(ctx, connID, ev)
	default:
		err = fmt.Errorf("%w: unknown event type %q", apperr.ErrValidation, ev.Type)
	}
	if err != nil {
		d.reject(ctx, log, connID, ev, err)
	}
	return err
}

func (d *Dispatcher) reject(ctx context.Context, log *slog.Logger, connID string, ev model.Inbound, err error) {
	code := apperr.Code(err)
	d.metrics.EventRejected(ctx, string(ev.Type), code)
	log.Info("Rejected event", "code", code, "error", err)
	if errors.Is(err, apperr.ErrDisconnected) {
		return
	}
	_ = d.rooms.SendTo(connID, model.Outbound{
		Type: model.EventError,
		Data: model.ErrorPayload{Code: code, Message: err.Error(), Room: ev.Room},
	})
}

func (d *Dispatcher) connect(connID, user string) error {
	if !d.rooms.Register(connID, user) {
		return fmt.Errorf("%w: connection %s already registered", apperr.ErrValidation, connID)
	}
	return nil
}

func (d *Dispatcher) checkStruct(v any) error {
	if err := d.validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %w", apperr.ErrValidation, err)
	}
	return nil
}

// requireMember fails with ErrDisconnected for unknown connections and
// ErrAuthorization when the connection has not joined room.
func (d *Dispatcher) requireMember(connID, room string) error {
	if d.State(connID) == Disconnected {
		return apperr.ErrDisconnected
	}
	if !d.rooms.IsMember(connID, room) {
		return fmt.Errorf("%w %q", apperr.ErrAuthorization, room)
	}
	return nil
}

func (d *Dispatcher) join(ctx context.Context, log *slog.Logger, connID string, ev model.Inbound) error {
	if err := d.checkStruct(roomRequest{Room: ev.Room}); err != nil {
		return err
	}
	if d.State(connID) == Disconnected {
		return apperr.ErrDisconnected
	}

	messages, err := d.rooms.Join(ctx, connID, ev.Room)
	if errors.Is(err, apperr.ErrDisconnected) {
		return err
	}
	// the joiner always gets a history frame, empty when the store is down
	_ = d.rooms.SendTo(connID, model.Outbound{
		Type: model.EventHistory,
		Data: model.HistoryPayload{Room: ev.Room, Messages: messages},
	})
	if err != nil {
		return apperr.Unavailable("history recent", err)
	}
	return nil
}

func (d *Dispatcher) leave(ctx context.Context, log *slog.Logger, connID string, ev model.Inbound) error {
	if err := d.checkStruct(roomRequest{Room: ev.Room}); err != nil {
		return err
	}
	if d.State(connID) == Disconnected {
		return apperr.ErrDisconnected
	}
	if _, err := d.rooms.Leave(ctx, connID, ev.Room); err != nil {
		// membership is already gone locally; the lease cleans up the rest
		log.Warn("Leave completed with soft failure", "room", ev.Room, "error", err)
	}
	return nil
}

func (d *Dispatcher) message(ctx context.Context, log *slog.Logger, connID string, ev model.Inbound) error {
	req := messageRequest{Room: ev.Room, Content: ev.Content, Sender: ev.Sender}
	if err := d.checkStruct(req); err != nil {
		return err
	}
	if err := d.requireMember(connID, ev.Room); err != nil {
		return err
	}

	msg := history.Stamp(model.Message{
		Room:    ev.Room,
		Sender:  d.senderOf(connID, ev.Sender),
		Content: ev.Content,
		Type:    model.TypeText,
	}, d.ids, time.Now())
	stored, err := retry.Value(ctx, d.retry, log, "history append", func(ctx context.Context) (model.Message, error) {
		return d.history.Append(ctx, msg)
	})
	if err != nil {
		// never broadcast what history does not hold
		d.metrics.RetriesExhausted(ctx, "history append")
		log.Error("Message not persisted, dropping broadcast", "room", ev.Room, "error", err)
		return apperr.Unavailable("history append", err)
	}
	d.metrics.MessageAppended(ctx, stored.Room)

	env, err := model.NewEnvelope(stored.Room, model.EventMessage, stored, "")
	if err != nil {
		return err
	}
	if err := d.rooms.Broadcast(ctx, env); err != nil {
		// delivered locally; remote processes catch up through history
		log.Warn("Message broadcast degraded to local delivery", "id", stored.ID, "error", err)
	}
	return nil
}

// senderOf prefers the authenticated user, then the client supplied name,
// then the connection id.
func (d *Dispatcher) senderOf(connID, claimed string) string {
	if user, _ := d.rooms.User(connID); user != "" {
		return user
	}
	if claimed != "" {
		return claimed
	}
	return connID
}

func (d *Dispatcher) typing(ctx context.Context, connID string, ev model.Inbound) error {
	if err := d.checkStruct(roomRequest{Room: ev.Room}); err != nil {
		return err
	}
	if err := d.requireMember(connID, ev.Room); err != nil {
		return err
	}
	env, err := model.NewEnvelope(ev.Room, model.EventTyping, model.TypingPayload{
		Room:         ev.Room,
		ConnectionID: connID,
		Sender:       d.senderOf(connID, ev.Sender),
		IsTyping:     ev.IsTyping,
	}, connID)
	if err != nil {
		return err
	}
	_ = d.rooms.Broadcast(ctx, env)
	return nil
}

// leaveContext bounds the cleanup of one room: a presence write tried twice
// and a retried publish. It ignores the caller's cancellation and deadline so
// a slow room never eats into the time of the next one.
func (d *Dispatcher) leaveContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx = context.WithoutCancel(ctx)
	budget := d.retry.Once().Budget() + d.retry.Budget()
	if budget <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, budget)
}

// disconnect leaves every joined room. Each leave is attempted regardless of
// the others failing; the joined error is only logged.
func (d *Dispatcher) disconnect(ctx context.Context, log *slog.Logger, connID string) error {
	rooms, ok := d.rooms.Rooms(connID)
	if !ok {
		return nil
	}
	var errs []error
	for _, r := range rooms {
		lctx, cancel := d.leaveContext(ctx)
		if _, err := d.rooms.Leave(lctx, connID, r); err != nil {
			errs = append(errs, fmt.Errorf("leave %s: %w", r, err))
		}
		cancel()
	}
	fctx, cancel := d.leaveContext(ctx)
	d.rooms.Forget(fctx, connID)
	cancel()

	err := errors.Join(errs...)
	if err != nil {
		log.Warn("Disconnect cleanup incomplete, presence leases will expire", "error", err)
	}
	log.Info("Connection disconnected", "rooms", len(rooms))
	return err
}
