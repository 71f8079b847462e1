package strava

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"
)

// Authorize runs the browser OAuth flow: it starts a local callback server,
// prints the authorization URL and blocks until the code arrives or the flow
// times out. The resulting tokens are stored in the session store.
func (a *Adapter) Authorize(ctx context.Context) error {
	stateBytes := make([]byte, 16)
	rand.Read(stateBytes)
	state := hex.EncodeToString(stateBytes)

	redirect, err := url.Parse(a.oauth.RedirectURL)
	if err != nil {
		return fmt.Errorf("invalid redirect_uri: %w", err)
	}
	addr := redirect.Host
	if redirect.Port() == "" {
		addr += ":80"
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start callback server on %s: %w", addr, err)
	}
	defer listener.Close()

	result := make(chan error, 1)
	mux := http.NewServeMux()
	mux.HandleFunc(redirect.Path, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("state") != state {
			result <- fmt.Errorf("state mismatch in oauth callback")
			http.Error(w, "state mismatch", http.StatusBadRequest)
			return
		}
		if e := r.URL.Query().Get("error"); e != "" {
			result <- fmt.Errorf("authorization denied: %s", e)
			http.Error(w, "authorization denied", http.StatusBadRequest)
			return
		}
		code := r.URL.Query().Get("code")
		if code == "" {
			result <- fmt.Errorf("no authorization code in callback")
			http.Error(w, "missing code", http.StatusBadRequest)
			return
		}

		if err := a.exchangeCode(r.Context(), code); err != nil {
			result <- err
			http.Error(w, "token exchange failed", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, "<html><body><h1>Authorized</h1><p>You can close this window and return to the terminal.</p></body></html>")
		result <- nil
	})

	server := &http.Server{Handler: mux}
	go server.Serve(listener)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	fmt.Println("Open the following URL in your browser to authorize Strava access:")
	fmt.Printf("\n  %s\n\n", a.authorizeURL(state))
	fmt.Println("Waiting for authorization...")

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(5 * time.Minute):
		return fmt.Errorf("authorization timed out after 5 minutes")
	}
}

// authorizeURL is built by hand: Strava wants comma-separated scopes, which
// oauth2.Config.AuthCodeURL would escape as spaces.
func (a *Adapter) authorizeURL(state string) string {
	return fmt.Sprintf("%s?client_id=%s&redirect_uri=%s&response_type=code&scope=%s&state=%s",
		authURL,
		url.QueryEscape(a.oauth.ClientID),
		url.QueryEscape(a.oauth.RedirectURL),
		"activity:write,activity:read_all",
		state,
	)
}

func (a *Adapter) exchangeCode(ctx context.Context, code string) error {
	token, err := a.oauth.Exchange(ctx, code)
	if err != nil {
		return fmt.Errorf("failed to exchange authorization code: %w", err)
	}

	sess := &session{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    token.Expiry,
	}
	// Strava tucks the athlete into the token response.
	if extra := token.Extra("athlete"); extra != nil {
		if athlete, ok := extra.(map[string]interface{}); ok {
			if id, ok := athlete["id"].(float64); ok {
				sess.AthleteID = int64(id)
			}
		}
	}

	a.sess = sess
	return a.sessions.Put("strava", sess)
}
