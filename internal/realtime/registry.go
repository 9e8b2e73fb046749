package realtime

import (
	"errors"
	"fmt"
	"sync"

	"github.com/samber/lo"
	"go.uber.org/zap"
)

var (
	ErrMissingIdentity = errors.New("connection without identity")
	ErrNoSession       = errors.New("no live session for identity")
)

// Conn es el handle de una conexión en vivo.
type Conn interface {
	ID() string
	Send(event Event) error
	Close() error
}

// Registry es el único dueño del mapa identidad -> sesión actual, su índice inverso
// y los grupos por identidad. Una identidad tiene como mucho una sesión actual: un
// connect nuevo reemplaza al anterior, que recibe sessionReplaced y se cierra.
type Registry struct {
	mu      sync.RWMutex
	logger  *zap.Logger
	current map[int64]Conn
	owners  map[string]int64
	groups  map[int64]map[string]Conn
}

func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		logger:  logger,
		current: make(map[int64]Conn),
		owners:  make(map[string]int64),
		groups:  make(map[int64]map[string]Conn),
	}
}

// Connect registra conn como sesión actual de identity y la suscribe a su grupo.
// Sin identidad, la conexión se cierra y se devuelve ErrMissingIdentity.
func (r *Registry) Connect(identity int64, conn Conn) error {
	if identity <= 0 {
		r.logger.Warn("connection attempt without identity", zap.String("conn_id", conn.ID()))
		_ = conn.Close()
		return ErrMissingIdentity
	}

	r.mu.Lock()
	prev, hadPrev := r.current[identity]
	r.current[identity] = conn
	r.owners[conn.ID()] = identity
	group, ok := r.groups[identity]
	if !ok {
		group = make(map[string]Conn)
		r.groups[identity] = group
	}
	group[conn.ID()] = conn
	superseded := hadPrev && prev.ID() != conn.ID()
	if superseded {
		delete(r.owners, prev.ID())
		delete(group, prev.ID())
	}
	r.mu.Unlock()

	r.logger.Info("session connected", zap.Int64("identity", identity), zap.String("conn_id", conn.ID()))

	if superseded {
		r.logger.Info("session replaced",
			zap.Int64("identity", identity),
			zap.String("old_conn_id", prev.ID()),
			zap.String("new_conn_id", conn.ID()),
		)
		_ = prev.Send(Event{Name: EventSessionReplaced, Data: map[string]any{"connId": conn.ID()}})
		_ = prev.Close()
	}
	return nil
}

// Disconnect quita el mapeo sólo si conn sigue siendo la sesión actual de su identidad.
// Un disconnect de una sesión ya reemplazada no toca la sesión nueva.
func (r *Registry) Disconnect(conn Conn) (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	identity, ok := r.owners[conn.ID()]
	if !ok {
		return 0, false
	}
	cur, ok := r.current[identity]
	if !ok || cur.ID() != conn.ID() {
		return 0, false
	}

	delete(r.owners, conn.ID())
	delete(r.current, identity)
	if group, ok := r.groups[identity]; ok {
		delete(group, conn.ID())
		if len(group) == 0 {
			delete(r.groups, identity)
		}
	}
	r.logger.Info("session disconnected", zap.Int64("identity", identity), zap.String("conn_id", conn.ID()))
	return identity, true
}

// BroadcastTo entrega event a todas las conexiones del grupo de identity.
// Sin sesión en vivo devuelve ErrNoSession; el evento no se encola.
func (r *Registry) BroadcastTo(identity int64, event Event) error {
	r.mu.RLock()
	conns := lo.Values(r.groups[identity])
	r.mu.RUnlock()

	if len(conns) == 0 {
		return ErrNoSession
	}
	var errs []error
	for _, c := range conns {
		if err := c.Send(event); err != nil {
			errs = append(errs, fmt.Errorf("conn %s: %w", c.ID(), err))
		}
	}
	return errors.Join(errs...)
}

// Current devuelve la sesión actual de identity.
func (r *Registry) Current(identity int64) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.current[identity]
	return c, ok
}

// Online cuenta identidades con sesión en vivo.
func (r *Registry) Online() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.current)
}

// Close cierra todas las conexiones; se usa al apagar el servidor.
func (r *Registry) Close() {
	r.mu.Lock()
	conns := lo.Values(r.current)
	r.current = make(map[int64]Conn)
	r.owners = make(map[string]int64)
	r.groups = make(map[int64]map[string]Conn)
	r.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
}
