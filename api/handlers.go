package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"boardsync/domain"
	"boardsync/metrics"
	"boardsync/realtime"
)

// authTimeout bounds the whole connect-time authentication path (token
// verification plus user lookup) so a stalled handshake cannot hold the
// connection open indefinitely.
const authTimeout = 10 * time.Second

// Authenticator verifies a bearer credential and returns the subject id.
type Authenticator interface {
	UserIDFromBearer(token []byte) (string, error)
}

// UserStore resolves subject ids to user identities.
type UserStore interface {
	FetchUser(ctx context.Context, userID string) (domain.User, error)
}

// Deps carries everything the HTTP surface needs.
type Deps struct {
	Auth           Authenticator
	Users          UserStore
	Registry       *realtime.Registry
	Gateway        *realtime.Gateway
	Collector      *metrics.Collector
	Logger         *log.Logger
	AllowedOrigins []string
}

// Register wires up all routes on the provided Echo instance.
func Register(e *echo.Echo, deps Deps) {
	checker := newOriginChecker(deps.AllowedOrigins, deps.Logger)
	upgrader := &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     checker.check,
	}
	e.GET("/ws", serveBoardSocket(deps, upgrader))
	e.GET("/healthz", healthz())
}

func healthz() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}
}

// serveBoardSocket authenticates the connect-time credential, upgrades the
// connection and hands it to a session. Authentication failure terminates
// the request before the upgrade, so an unauthenticated socket never exists.
func serveBoardSocket(deps Deps, upgrader *websocket.Upgrader) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), authTimeout)
		defer cancel()

		token, err := bearerTokenFromRequest(c.Request())
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		sub, err := deps.Auth.UserIDFromBearer(token)
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		user, err := deps.Users.FetchUser(ctx, sub)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return c.String(http.StatusUnauthorized, "authentication error")
			}
			deps.Logger.Errorf("fetch user %s: %v", sub, err)
			return c.String(http.StatusServiceUnavailable, "user lookup failed")
		}

		conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
		if err != nil {
			// Upgrade already wrote the handshake error response.
			deps.Logger.Debugf("websocket upgrade failed: %v", err)
			return nil
		}

		sess := realtime.NewSession(conn, user, deps.Registry, deps.Gateway, deps.Collector, deps.Logger)
		deps.Logger.WithFields(log.Fields{
			"session": sess.ID(),
			"user":    sess.User().ID,
		}).Debug("websocket session started")
		go sess.Run()
		return nil
	}
}
