package auth

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// callbackTimeout bounds how long the local server waits for the
// browser redirect before giving up.
const callbackTimeout = 5 * time.Minute

const successHTML = `<!DOCTYPE html>
<html><head><title>Epic Report Generator</title>
<style>body{font-family:system-ui,sans-serif;display:flex;justify-content:center;
align-items:center;height:100vh;margin:0;background:#f4f5f7;color:#172b4d}
.card{text-align:center;padding:2rem 3rem;background:#fff;border-radius:8px;
box-shadow:0 1px 4px rgba(0,0,0,.15)}h1{margin:0 0 .5rem;font-size:1.5rem}
p{margin:0;color:#6b778c}</style></head>
<body><div class="card"><h1>&#10003; Authorized</h1>
<p>You can close this tab and return to the application.</p></div></body></html>`

const errorHTML = `<!DOCTYPE html>
<html><head><title>Epic Report Generator</title>
<style>body{font-family:system-ui,sans-serif;display:flex;justify-content:center;
align-items:center;height:100vh;margin:0;background:#f4f5f7;color:#172b4d}
.card{text-align:center;padding:2rem 3rem;background:#fff;border-radius:8px;
box-shadow:0 1px 4px rgba(0,0,0,.15)}h1{margin:0 0 .5rem;font-size:1.5rem;color:#de350b}
p{margin:0;color:#6b778c}</style></head>
<body><div class="card"><h1>&#10007; Authorization Failed</h1>
<p>%s</p></div></body></html>`

// CallbackResult holds the query parameters captured from the OAuth
// redirect. Exactly one of Code or Error is set.
type CallbackResult struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

// newCallbackRouter builds the one-shot redirect handler. The first
// terminal request to /callback is passed to deliver; anything else
// gets a 404 and keeps the server waiting.
func newCallbackRouter(expectedState string, logger *slog.Logger, deliver func(CallbackResult)) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	var once sync.Once
	finish := func(result CallbackResult) {
		once.Do(func() { deliver(result) })
	}

	router.GET("/callback", func(c *gin.Context) {
		if errParam := c.Query("error"); errParam != "" {
			desc := c.Query("error_description")
			if desc == "" {
				desc = errParam
			}
			logger.Error("OAuth callback error", "error", errParam, "description", desc)
			respondHTML(c, http.StatusBadRequest, fmt.Sprintf(errorHTML, html.EscapeString(desc)))
			finish(CallbackResult{Error: errParam, ErrorDescription: desc})
			return
		}

		code := c.Query("code")
		state := c.Query("state")

		if code == "" || state == "" {
			logger.Warn("OAuth callback missing code or state parameter")
			respondHTML(c, http.StatusBadRequest, fmt.Sprintf(errorHTML, "Missing code or state parameter."))
			finish(CallbackResult{Error: "missing_params"})
			return
		}

		if state != expectedState {
			logger.Error("OAuth state mismatch, possible CSRF attack")
			respondHTML(c, http.StatusBadRequest, fmt.Sprintf(errorHTML, "State mismatch - possible CSRF attack."))
			finish(CallbackResult{Error: "state_mismatch"})
			return
		}

		logger.Info("OAuth callback received, authorization code captured")
		respondHTML(c, http.StatusOK, successHTML)
		finish(CallbackResult{Code: code, State: state})
	})

	router.NoRoute(func(c *gin.Context) {
		logger.Debug("Ignoring request", "path", c.Request.URL.Path)
		c.Status(http.StatusNotFound)
	})

	return router
}

func respondHTML(c *gin.Context, status int, page string) {
	c.Data(status, "text/html; charset=utf-8", []byte(page))
}

// waitForCallback serves the OAuth redirect endpoint on the loopback
// interface and blocks until the browser delivers a result, the
// context is cancelled, or the timeout elapses.
func waitForCallback(ctx context.Context, port int, expectedState string, logger *slog.Logger) (*CallbackResult, error) {
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	logger.Info("Starting OAuth callback server", "addr", addr, "timeout", callbackTimeout)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to start callback server: %w", err)
	}

	results := make(chan CallbackResult, 1)
	server := &http.Server{
		Handler: newCallbackRouter(expectedState, logger, func(result CallbackResult) {
			results <- result
		}),
	}

	go func() {
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.Error("Callback server error", "error", err)
		}
	}()

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Debug("Callback server shutdown", "error", err)
		}
	}()

	timer := time.NewTimer(callbackTimeout)
	defer timer.Stop()

	select {
	case result := <-results:
		logger.Debug("OAuth callback server stopped")
		return &result, nil
	case <-timer.C:
		logger.Warn("OAuth callback timed out", "timeout", callbackTimeout)
		return nil, fmt.Errorf("timed out waiting for authorization callback after %s", callbackTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
