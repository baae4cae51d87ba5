// internal/handlers/match_ws.go
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/sirupsen/logrus"

	"github.com/geovox/geovox/internal/auth"
	"github.com/geovox/geovox/internal/match"
	"github.com/geovox/geovox/internal/models"
)

// writeTimeout bounds a single websocket write.
const writeTimeout = 5 * time.Second

// ClientMessage is the envelope for everything a client sends over the match
// websocket.
type ClientMessage struct {
	Type string `json:"type"`

	// join
	MatchCode  string `json:"matchCode,omitempty"`
	PlayerName string `json:"playerName,omitempty"`
	IsGuest    bool   `json:"isGuest,omitempty"`

	// confirm_guess
	GuessLng float64 `json:"guessLng,omitempty"`
	GuessLat float64 `json:"guessLat,omitempty"`
	Score    int     `json:"score,omitempty"`
}

// MatchWSHandler upgrades the connection, resolves the caller's guest
// identity, and runs the read loop until the client goes away. On disconnect
// it removes the player from their match and broadcasts player_left to the
// remaining room members.
func MatchWSHandler(logger *logrus.Logger, g *Gateway, keys *auth.Keys) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols:   []string{"geovox"},
			OriginPatterns: []string{"*"}, // Adjust for production security.
		})
		if err != nil {
			logger.Warnf("websocket accept error: %v", err)
			return
		}
		defer c.Close(websocket.StatusInternalError, "handler finished")

		if c.Subprotocol() != "geovox" {
			c.Close(BadSubprotocolError, "client must speak the geovox subprotocol")
			return
		}

		userID, err := EnsureGuestSession(keys, w, r)
		if err != nil {
			logger.Warnf("guest session resolution failed: %v", err)
			c.Close(InvalidAuthTokenError, "authentication failed")
			return
		}
		logger.WithFields(logrus.Fields{
			"remote":  r.RemoteAddr,
			"user_id": userID,
		}).Info("WebSocket connected")

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		cl := &client{
			userID: userID,
			conn:   c,
			out:    make(chan models.Event, outBufferSize),
			cancel: cancel,
		}

		go writePump(ctx, cl, logger)
		readErr := readPump(ctx, cl, g, logger)

		// ---- Cleanup after the read loop exits ----
		matchID, code, joined := cl.identity()
		if joined {
			g.unsubscribe(matchID, cl)
			cleanupCtx, cleanupCancel := context.WithTimeout(context.Background(), writeTimeout)
			detail, removed, err := g.svc.RemovePlayerFromMatch(cleanupCtx, code, userID)
			cleanupCancel()
			if err != nil && !errors.Is(err, match.ErrNotFound) {
				logger.Warnf("player removal failed for user %s in match %s: %v", userID, code, err)
			}
			if removed {
				pid := userID
				g.Emit(matchID, models.Event{Type: models.EventPlayerLeft, Match: detail, PlayerID: &pid})
			}
		}
		fields := logrus.Fields{
			"remote":  r.RemoteAddr,
			"user_id": userID,
		}
		if readErr != nil {
			fields["error"] = readErr
		}
		logger.WithFields(fields).Info("WebSocket disconnected")
	}
}

// readPump consumes client messages until the connection closes. The error it
// returns is only used for disconnect logging.
func readPump(ctx context.Context, cl *client, g *Gateway, logger *logrus.Logger) error {
	for {
		typ, data, err := cl.conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway ||
				strings.Contains(err.Error(), "context canceled") {
				return nil
			}
			logger.Warnf("read error for user %s: %v (status: %d)", cl.userID, err, status)
			return err
		}
		if typ != websocket.MessageText {
			logger.Warnf("ignoring non-text message type %d from user %s", typ, cl.userID)
			continue
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.Warnf("invalid json from user %s: %v", cl.userID, err)
			cl.send(models.ErrorEvent("Invalid JSON format"))
			continue
		}

		switch msg.Type {
		case "join":
			handleJoin(ctx, cl, g, msg, logger)
		case "start":
			handleStart(ctx, cl, g, logger)
		case "confirm_guess":
			handleConfirmGuess(ctx, cl, g, msg, logger)
		case "ping":
			cl.send(models.Event{Type: models.EventPong})
		default:
			cl.send(models.ErrorEvent("Unknown message type: " + msg.Type))
		}
	}
}

func handleJoin(ctx context.Context, cl *client, g *Gateway, msg ClientMessage, logger *logrus.Logger) {
	if _, _, joined := cl.identity(); joined {
		cl.send(models.ErrorEvent("Already joined a match"))
		return
	}
	if msg.MatchCode == "" || msg.PlayerName == "" {
		cl.send(models.ErrorEvent("join requires matchCode and playerName"))
		return
	}

	detail, isOwner, err := g.svc.JoinRoom(ctx, msg.MatchCode, cl.userID, msg.PlayerName, msg.IsGuest)
	if err != nil {
		cl.send(models.ErrorEvent(userFacing(err)))
		return
	}

	cl.bind(detail.ID, msg.MatchCode)
	g.subscribe(detail.ID, cl)
	logger.WithFields(logrus.Fields{
		"match_id": detail.ID,
		"user_id":  cl.userID,
		"name":     msg.PlayerName,
	}).Info("Player joined match")

	owner := isOwner
	cl.send(models.Event{Type: models.EventMatchJoined, Match: detail, IsOwner: &owner})
	pid := cl.userID
	g.emitExcept(detail.ID, models.Event{Type: models.EventPlayerJoined, Match: detail, PlayerID: &pid}, cl)
}

func handleStart(ctx context.Context, cl *client, g *Gateway, logger *logrus.Logger) {
	_, code, joined := cl.identity()
	if !joined {
		cl.send(models.ErrorEvent("Join a match first"))
		return
	}
	// StartMatch broadcasts new_round to the room itself via the gateway.
	if _, err := g.svc.StartMatch(ctx, code, cl.userID); err != nil {
		cl.send(models.ErrorEvent(userFacing(err)))
		return
	}
	logger.WithField("code", code).Info("Match start requested")
}

func handleConfirmGuess(ctx context.Context, cl *client, g *Gateway, msg ClientMessage, logger *logrus.Logger) {
	matchID, code, joined := cl.identity()
	if !joined {
		cl.send(models.ErrorEvent("Join a match first"))
		return
	}

	detail, err := g.svc.ConfirmGuess(ctx, code, cl.userID, msg.GuessLng, msg.GuessLat, msg.Score)
	if err != nil {
		cl.send(models.ErrorEvent(userFacing(err)))
		return
	}

	// When the guess resolved the round, the resolver already broadcast
	// round_results; otherwise share the updated aggregate with the room.
	if detail.Phase == models.PhaseGuessing {
		pid := cl.userID
		g.Emit(matchID, models.Event{Type: models.EventGuessSubmitted, Match: detail, PlayerID: &pid})
	}
}

// writePump drains the client's event queue onto the socket, one write at a
// time with a bounded timeout.
func writePump(ctx context.Context, cl *client, logger *logrus.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-cl.out:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				logger.Errorf("failed to marshal event %s: %v", ev.Type, err)
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err = cl.conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				logger.Warnf("write failed for user %s: %v", cl.userID, err)
				cl.cancel()
				return
			}
		}
	}
}

// userFacing maps domain errors to messages safe to show a client.
func userFacing(err error) string {
	switch {
	case errors.Is(err, match.ErrNotFound):
		return "Match not found"
	case errors.Is(err, match.ErrMatchNotJoinable):
		return "Match already started"
	case errors.Is(err, match.ErrMatchNotStartable):
		return "Match cannot be started"
	case errors.Is(err, match.ErrNotOwner):
		return "Only the room owner can start the match"
	case errors.Is(err, match.ErrDuplicateGuess):
		return "You already guessed this round"
	case errors.Is(err, match.ErrInsufficientContent):
		return "Not enough audio rounds available"
	default:
		return "Internal error"
	}
}
