// internal/handlers/gateway.go
package handlers

import (
	"context"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/geovox/geovox/internal/match"
	"github.com/geovox/geovox/internal/models"
)

// outBufferSize bounds the per-connection send queue. A connection that
// cannot drain this many events is dropped as a slow consumer.
const outBufferSize = 32

// client is one live websocket connection, possibly bound to a
// (matchCode, playerID) identity after a successful join.
type client struct {
	userID uuid.UUID
	conn   *websocket.Conn
	out    chan models.Event
	cancel context.CancelFunc

	mu        sync.Mutex
	joined    bool
	matchID   uuid.UUID
	matchCode string
}

// send enqueues an event for the write pump, reporting false when the
// buffer is full.
func (c *client) send(ev models.Event) bool {
	select {
	case c.out <- ev:
		return true
	default:
		return false
	}
}

func (c *client) bind(matchID uuid.UUID, code string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.joined = true
	c.matchID = matchID
	c.matchCode = code
}

func (c *client) identity() (uuid.UUID, string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.matchID, c.matchCode, c.joined
}

// Gateway maintains per-match broadcast rooms and maps connections to their
// (match, player) identity. It implements match.Broadcaster: the lifecycle
// manager, resolver, and phase scheduler all emit through it without knowing
// about sockets. Events for one match reach every subscriber in transition
// order; enqueueing happens under the gateway lock so no connection observes
// reordering within its room.
type Gateway struct {
	svc    *match.Service
	logger *logrus.Logger

	mu    sync.Mutex
	rooms map[uuid.UUID]map[*client]struct{}
}

func NewGateway(svc *match.Service, logger *logrus.Logger) *Gateway {
	return &Gateway{
		svc:    svc,
		logger: logger,
		rooms:  make(map[uuid.UUID]map[*client]struct{}),
	}
}

// Emit delivers an event to every current subscriber of the match's room.
func (g *Gateway) Emit(matchID uuid.UUID, ev models.Event) {
	g.emitExcept(matchID, ev, nil)
}

func (g *Gateway) emitExcept(matchID uuid.UUID, ev models.Event, skip *client) {
	var slow []*client
	g.mu.Lock()
	for c := range g.rooms[matchID] {
		if c == skip {
			continue
		}
		if !c.send(ev) {
			slow = append(slow, c)
		}
	}
	g.mu.Unlock()

	for _, c := range slow {
		g.logger.WithFields(logrus.Fields{
			"match_id": matchID,
			"user_id":  c.userID,
		}).Warn("Dropping slow consumer")
		c.cancel()
	}
}

func (g *Gateway) subscribe(matchID uuid.UUID, c *client) {
	g.mu.Lock()
	defer g.mu.Unlock()
	room, ok := g.rooms[matchID]
	if !ok {
		room = make(map[*client]struct{})
		g.rooms[matchID] = room
	}
	room[c] = struct{}{}
}

func (g *Gateway) unsubscribe(matchID uuid.UUID, c *client) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if room, ok := g.rooms[matchID]; ok {
		delete(room, c)
		if len(room) == 0 {
			delete(g.rooms, matchID)
		}
	}
}

// roomSize reports the current subscriber count for a match.
func (g *Gateway) roomSize(matchID uuid.UUID) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.rooms[matchID])
}
