package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/kasuganosora/animsession/cache"
	"github.com/kasuganosora/animsession/game/character"
	"go.uber.org/zap"
)

// ErrStopped is returned for work submitted to an actor that has shut down.
var ErrStopped = errors.New("session: actor stopped")

// recentOutcomes is how many broadcasts are kept per owner for admin reads.
const recentOutcomes = 20

// Options tunes every actor created by a Manager.
type Options struct {
	BroadcastBatch   int
	InboxSize        int
	Seed             []character.Character
	BootstrapBackoff time.Duration
	MaxBackoff       time.Duration
}

func (o Options) withDefaults() Options {
	if o.BroadcastBatch <= 0 {
		o.BroadcastBatch = 50
	}
	if o.InboxSize <= 0 {
		o.InboxSize = 256
	}
	if o.BootstrapBackoff <= 0 {
		o.BootstrapBackoff = 100 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 5 * time.Second
	}
	return o
}

type attachReq struct {
	conn  Conn
	meta  ConnectionData
	reply chan struct{}
}

type inbound struct {
	conn Conn
	raw  []byte
}

type detachReq struct {
	conn Conn
}

type call struct {
	fn    func()
	reply chan struct{}
}

type idleCheck struct {
	timeout time.Duration
	reply   chan bool
}

// Actor owns one owner's session: its characters, its connections and the
// order in which their commands run. Everything it owns is touched only from
// the run goroutine; callers talk to it through the inbox.
type Actor struct {
	ownerID  string
	engine   *character.Engine
	registry *Registry
	opts     Options
	cache    cache.Cache
	pubsub   cache.PubSub
	logger   *zap.Logger

	inbox  chan any
	ctx    context.Context
	cancel context.CancelFunc
	ready  chan struct{}
	done   chan struct{}

	lastActive atomic.Int64
	openConns  atomic.Int32
}

func newActor(ownerID string, engine *character.Engine, c cache.Cache, ps cache.PubSub, opts Options, logger *zap.Logger) *Actor {
	ctx, cancel := context.WithCancel(context.Background())
	a := &Actor{
		ownerID:  ownerID,
		engine:   engine,
		registry: NewRegistry(),
		opts:     opts,
		cache:    c,
		pubsub:   ps,
		logger:   logger.With(zap.String("owner_id", ownerID)),
		inbox:    make(chan any, opts.InboxSize),
		ctx:      ctx,
		cancel:   cancel,
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
	}
	a.lastActive.Store(time.Now().UnixNano())
	return a
}

func (a *Actor) OwnerID() string { return a.ownerID }

// Ready is closed once the actor has loaded its characters.
func (a *Actor) Ready() <-chan struct{} { return a.ready }

// Done is closed when the actor has shut down.
func (a *Actor) Done() <-chan struct{} { return a.done }

// ConnectionCount is the number of open connections at the last registry change.
func (a *Actor) ConnectionCount() int { return int(a.openConns.Load()) }

// LastActive is when the actor last handled a message.
func (a *Actor) LastActive() time.Time { return time.Unix(0, a.lastActive.Load()) }

// Stop shuts the actor down and waits for it to exit. Queued messages are dropped.
func (a *Actor) Stop() {
	a.cancel()
	<-a.done
}

// Attach registers conn and returns after the welcome message is queued to it.
func (a *Actor) Attach(ctx context.Context, conn Conn, meta ConnectionData) error {
	reply := make(chan struct{})
	if err := a.submit(ctx, attachReq{conn: conn, meta: meta, reply: reply}); err != nil {
		return err
	}
	return a.await(ctx, reply)
}

// Receive queues one inbound message from conn.
func (a *Actor) Receive(ctx context.Context, conn Conn, raw []byte) error {
	return a.submit(ctx, inbound{conn: conn, raw: raw})
}

// Detach queues the removal of conn. Nothing is broadcast.
func (a *Actor) Detach(ctx context.Context, conn Conn) error {
	return a.submit(ctx, detachReq{conn: conn})
}

// Characters returns the current characters.
func (a *Actor) Characters(ctx context.Context) (character.Set, error) {
	var out character.Set
	err := a.do(ctx, func() { out = a.engine.Characters() })
	return out, err
}

// CharactersBy returns the characters whose field equals value.
func (a *Actor) CharactersBy(ctx context.Context, field, value string) ([]character.Character, error) {
	var (
		out    []character.Character
		filter error
	)
	if err := a.do(ctx, func() { out, filter = a.engine.CharactersBy(field, value) }); err != nil {
		return nil, err
	}
	return out, filter
}

// Connections lists the registered connections with their transport state.
func (a *Actor) Connections(ctx context.Context) ([]ConnectionInfo, error) {
	var out []ConnectionInfo
	err := a.do(ctx, func() { out = a.registry.All() })
	return out, err
}

func (a *Actor) do(ctx context.Context, fn func()) error {
	reply := make(chan struct{})
	if err := a.submit(ctx, call{fn: fn, reply: reply}); err != nil {
		return err
	}
	return a.await(ctx, reply)
}

// stopIfIdle asks the actor to exit if it has no open connections and has
// been quiet for at least timeout. The check runs inside the actor, so it
// cannot race with a concurrent Attach.
func (a *Actor) stopIfIdle(ctx context.Context, timeout time.Duration) (bool, error) {
	reply := make(chan bool, 1)
	if err := a.submit(ctx, idleCheck{timeout: timeout, reply: reply}); err != nil {
		if errors.Is(err, ErrStopped) {
			return true, nil
		}
		return false, err
	}
	select {
	case idle := <-reply:
		if idle {
			<-a.done
		}
		return idle, nil
	case <-a.done:
		return true, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (a *Actor) submit(ctx context.Context, msg any) error {
	select {
	case <-a.ctx.Done():
		return ErrStopped
	default:
	}
	select {
	case a.inbox <- msg:
		return nil
	case <-a.ctx.Done():
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Actor) await(ctx context.Context, reply <-chan struct{}) error {
	select {
	case <-reply:
		return nil
	case <-a.done:
		select {
		case <-reply:
			return nil
		default:
			return ErrStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Actor) run() {
	defer close(a.done)
	defer a.shutdown()

	if !a.bootstrap() {
		return
	}
	close(a.ready)

	for {
		select {
		case msg := <-a.inbox:
			if a.dispatch(msg) {
				return
			}
		case <-a.ctx.Done():
			return
		}
	}
}

// bootstrap loads the owner's characters, retrying with backoff until it
// succeeds or the actor is stopped. Messages queue in the inbox meanwhile.
func (a *Actor) bootstrap() bool {
	backoff := a.opts.BootstrapBackoff
	for attempt := 1; ; attempt++ {
		err := a.engine.Load(a.ctx, a.opts.Seed)
		if err == nil {
			if err := a.cache.SAdd(a.ctx, cache.LiveSessionsKey, a.ownerID); err != nil {
				a.logger.Warn("mark session live failed", zap.Error(err))
			}
			a.logger.Info("session ready")
			return true
		}
		a.logger.Error("session bootstrap failed",
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", backoff),
			zap.Error(err))
		select {
		case <-time.After(backoff):
		case <-a.ctx.Done():
			return false
		}
		backoff = min(backoff*2, a.opts.MaxBackoff)
	}
}

func (a *Actor) shutdown() {
	a.cancel()
	for _, c := range a.registry.OpenConnections() {
		c.Close()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.cache.SRem(ctx, cache.LiveSessionsKey, a.ownerID); err != nil {
		a.logger.Warn("unmark session live failed", zap.Error(err))
	}
	_ = a.cache.Del(ctx, cache.PresenceKey(a.ownerID))
	a.logger.Info("session stopped")
}

// dispatch handles one inbox message and reports whether the actor should exit.
// A panic is logged and confined to the message that caused it.
func (a *Actor) dispatch(msg any) (stop bool) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("session message panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()

	if m, ok := msg.(idleCheck); ok {
		idle := len(a.registry.OpenConnections()) == 0 && time.Since(a.LastActive()) >= m.timeout
		m.reply <- idle
		return idle
	}

	a.lastActive.Store(time.Now().UnixNano())
	switch m := msg.(type) {
	case attachReq:
		defer close(m.reply)
		a.attach(m.conn, m.meta)
	case inbound:
		a.receive(m.conn, m.raw)
	case detachReq:
		a.detach(m.conn)
	case call:
		defer close(m.reply)
		m.fn()
	default:
		a.logger.Warn("unknown session message", zap.String("type", fmt.Sprintf("%T", msg)))
	}
	return false
}

func (a *Actor) attach(conn Conn, meta ConnectionData) {
	a.registry.Add(conn, meta)
	a.syncOpenCount()

	a.sendTo(conn, connectionMessage{
		Type:           "connection",
		Message:        welcomeMessage,
		ConnectionData: meta,
		Characters:     a.engine.Characters(),
	})

	if b, err := json.Marshal(meta); err == nil {
		if err := a.cache.HSet(a.ctx, cache.PresenceKey(a.ownerID), meta.ClientID, string(b)); err != nil {
			a.logger.Warn("presence update failed", zap.Error(err))
		}
	}
	a.logger.Info("connection attached",
		zap.String("client_id", meta.ClientID),
		zap.Int("connections", a.registry.Len()))
}

func (a *Actor) detach(conn Conn) {
	meta, ok := a.registry.Get(conn)
	if !ok {
		return
	}
	a.registry.Remove(conn)
	a.syncOpenCount()
	if err := a.cache.HDel(a.ctx, cache.PresenceKey(a.ownerID), meta.ClientID); err != nil {
		a.logger.Warn("presence update failed", zap.Error(err))
	}
	a.logger.Info("connection detached",
		zap.String("client_id", meta.ClientID),
		zap.Int("connections", a.registry.Len()))
}

func (a *Actor) syncOpenCount() {
	a.openConns.Store(int32(len(a.registry.OpenConnections())))
}

func (a *Actor) receive(conn Conn, raw []byte) {
	cmd, err := character.Decode(raw)
	if err != nil {
		a.logger.Debug("message rejected", zap.String("conn_id", conn.ID()), zap.Error(err))
		a.sendTo(conn, errorMessage{Error: err.Error()})
		return
	}

	out := Outcome{Command: cmd.Tag()}
	res, err := a.engine.Apply(a.ctx, cmd)
	switch {
	case err != nil:
		out.Data.Result, out.Data.Status = err.Error(), StatusError
	case !res.Changed:
		out.Data.Result, out.Data.Status = res.Summary, StatusNoop
	default:
		out.Data.Result, out.Data.Status = res.Summary, StatusOK
	}
	out.Data.Characters = a.engine.Characters()
	a.broadcast(out)
}

// broadcast sends out to every open connection, yielding between batches.
// A failed send affects only its own connection.
func (a *Actor) broadcast(out Outcome) {
	data, err := json.Marshal(out)
	if err != nil {
		a.logger.Error("encode outcome failed", zap.Error(err))
		return
	}

	conns := a.registry.OpenConnections()
	for start := 0; start < len(conns); start += a.opts.BroadcastBatch {
		end := min(start+a.opts.BroadcastBatch, len(conns))
		for _, c := range conns[start:end] {
			if err := c.Send(data); err != nil {
				a.logger.Warn("broadcast send failed", zap.String("conn_id", c.ID()), zap.Error(err))
				if errors.Is(err, ErrConnClosed) {
					a.detach(c)
				}
			}
		}
		if end < len(conns) {
			runtime.Gosched()
		}
	}
	a.publish(data)
}

// publish mirrors a broadcast to the owner's pub/sub channel and recent list.
func (a *Actor) publish(data []byte) {
	if err := a.pubsub.Publish(a.ctx, cache.OutcomeChannel(a.ownerID), string(data)); err != nil {
		a.logger.Warn("publish outcome failed", zap.Error(err))
	}
	key := cache.RecentKey(a.ownerID)
	if err := a.cache.LPush(a.ctx, key, string(data)); err != nil {
		a.logger.Warn("record outcome failed", zap.Error(err))
		return
	}
	_ = a.cache.LTrim(a.ctx, key, 0, recentOutcomes-1)
}

func (a *Actor) sendTo(conn Conn, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		a.logger.Error("encode message failed", zap.Error(err))
		return
	}
	if err := conn.Send(data); err != nil {
		a.logger.Warn("send failed", zap.String("conn_id", conn.ID()), zap.Error(err))
	}
}
