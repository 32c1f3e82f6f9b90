package broadcaster

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Authenticator validates a connection's credential, supplied either via
// the Authorization header or the auth_type/auth_token query parameters
// named in the external interfaces.
type Authenticator func(r *http.Request) (ok bool)

// ServeWS upgrades r to a WebSocket, registers a subscriber, emits the
// initial "connected" event, and streams every subsequent published event
// to the client until it disconnects.
func ServeWS(b *Broadcaster, auth Authenticator, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if auth != nil && !auth(r) {
			http.Error(w, `{"error":"unauthenticated"}`, http.StatusUnauthorized)
			return
		}

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			logger.Warn().Err(err).Msg("websocket accept failed")
			return
		}

		id := uuid.NewString()
		sub := b.Subscribe(id)
		defer b.Unsubscribe(id)

		ctx := r.Context()
		if err := wsjson.Write(ctx, conn, Connected("subscribed")); err != nil {
			conn.Close(websocket.StatusInternalError, "write failed")
			return
		}

		// Drain incoming frames on a separate goroutine purely to notice
		// client-initiated close; this channel never carries payloads the
		// subscriber needs to act on.
		closed := make(chan struct{})
		go func() {
			defer close(closed)
			for {
				if _, _, err := conn.Read(ctx); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case env, ok := <-sub.Ch:
				if !ok {
					conn.Close(websocket.StatusNormalClosure, "unsubscribed")
					return
				}
				writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
				err := wsjson.Write(writeCtx, conn, env)
				cancel()
				if err != nil {
					conn.Close(websocket.StatusInternalError, "write failed")
					return
				}
			case <-closed:
				conn.Close(websocket.StatusNormalClosure, "client closed")
				return
			case <-ctx.Done():
				conn.Close(websocket.StatusNormalClosure, "request context done")
				return
			}
		}
	}
}

// HeaderOrQueryAuthenticator builds an Authenticator honoring both the
// Authorization header and the auth_type/auth_token query parameters.
func HeaderOrQueryAuthenticator(validate func(scheme, token string) bool) Authenticator {
	return func(r *http.Request) bool {
		if authz := r.Header.Get("Authorization"); authz != "" {
			scheme, token := splitAuthHeader(authz)
			return validate(scheme, token)
		}
		authType := r.URL.Query().Get("auth_type")
		token := r.URL.Query().Get("auth_token")
		if authType == "" || token == "" {
			return false
		}
		return validate(authType, token)
	}
}

func splitAuthHeader(v string) (scheme, token string) {
	for i := 0; i < len(v); i++ {
		if v[i] == ' ' {
			return v[:i], v[i+1:]
		}
	}
	return "", v
}
