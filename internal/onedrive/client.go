// Package onedrive implements the OneDrive adapter. It is a pure export
// target: activity files land in a configured folder (the Fog of World
// import flow), so listing and downloading are unsupported.
package onedrive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/fitsync/fitsync/internal/config"
	"github.com/fitsync/fitsync/internal/models"
	"github.com/fitsync/fitsync/internal/platform"
)

const (
	authURL    = "https://login.live.com/oauth20_authorize.srf"
	tokenURL   = "https://login.live.com/oauth20_token.srf"
	graphURL   = "https://graph.microsoft.com/v1.0"
	// Graph's simple upload tops out at 4 MB; activity files stay well under.
	simpleUploadLimit = 4 << 20
)

// Adapter pushes files to OneDrive via Microsoft Graph.
type Adapter struct {
	folder     string
	source     oauth2.TokenSource
	httpClient *http.Client
}

func New(cfg *config.Config, sessions *config.SessionStore) (*Adapter, error) {
	oc := &oauth2.Config{
		ClientID:     cfg.OneDrive.ClientID,
		ClientSecret: cfg.OneDrive.ClientSecret,
		Scopes:       []string{"Files.ReadWrite", "offline_access"},
		Endpoint: oauth2.Endpoint{
			AuthURL:  authURL,
			TokenURL: tokenURL,
		},
	}

	refresh := cfg.OneDrive.RefreshToken
	var stored struct {
		RefreshToken string `json:"refresh_token"`
	}
	if ok, err := sessions.Get("onedrive", &stored); err != nil {
		return nil, err
	} else if ok && stored.RefreshToken != "" {
		refresh = stored.RefreshToken
	}

	a := &Adapter{
		folder:     strings.Trim(cfg.OneDrive.Folder, "/"),
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}
	if refresh != "" {
		a.source = oc.TokenSource(context.Background(), &oauth2.Token{RefreshToken: refresh})
	}
	return a, nil
}

func (a *Adapter) Info() platform.Info {
	return platform.Info{Name: "onedrive", CanEnumerate: false, CanDownload: false}
}

// ListActivities is empty by design; OneDrive holds files, not activities.
func (a *Adapter) ListActivities(ctx context.Context, since, until time.Time) ([]platform.Activity, error) {
	return nil, nil
}

func (a *Adapter) Download(ctx context.Context, activityID string, format models.FileFormat) ([]byte, models.FileFormat, error) {
	return nil, "", fmt.Errorf("onedrive is upload-only: %w", platform.ErrNotFound)
}

// Upload PUTs the file into the configured folder. Re-uploading the same
// name replaces the file, which for content-addressed names is idempotent
// rather than duplicating.
func (a *Adapter) Upload(ctx context.Context, name string, data []byte, format models.FileFormat) (platform.UploadResult, error) {
	if len(data) > simpleUploadLimit {
		return platform.UploadResult{}, fmt.Errorf("file too large for simple upload (%d bytes)", len(data))
	}

	token, err := a.accessToken(ctx)
	if err != nil {
		return platform.UploadResult{}, err
	}

	filename := sanitizeFilename(name) + "." + string(format)
	remote := fmt.Sprintf("%s/me/drive/root:/%s/%s:/content",
		graphURL, url.PathEscape(a.folder), url.PathEscape(filename))

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, remote, bytes.NewReader(data))
	if err != nil {
		return platform.UploadResult{}, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return platform.UploadResult{}, &platform.TransportError{Op: "onedrive upload", Err: err}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return platform.UploadResult{}, platform.StatusError("onedrive upload", resp.StatusCode, resp.Header)
	}

	var item struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &item); err != nil {
		return platform.UploadResult{}, fmt.Errorf("failed to parse upload response: %w", err)
	}
	return platform.UploadResult{ActivityID: item.ID}, nil
}

// SupportedUploadFormats: GPX first; the Fog of World importer reads GPX.
func (a *Adapter) SupportedUploadFormats() []models.FileFormat {
	return []models.FileFormat{models.FormatGPX, models.FormatFIT, models.FormatTCX}
}

func (a *Adapter) HealthCheck(ctx context.Context) error {
	token, err := a.accessToken(ctx)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, graphURL+"/me/drive", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return &platform.TransportError{Op: "onedrive api", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return platform.StatusError("onedrive api", resp.StatusCode, resp.Header)
	}
	return nil
}

func (a *Adapter) accessToken(ctx context.Context) (string, error) {
	if a.source == nil {
		return "", fmt.Errorf("onedrive refresh token not configured: %w", platform.ErrUnauthorized)
	}
	token, err := a.source.Token()
	if err != nil {
		return "", fmt.Errorf("failed to refresh onedrive token: %w", platform.ErrUnauthorized)
	}
	return token.AccessToken, nil
}

func sanitizeFilename(name string) string {
	if name == "" {
		return "activity"
	}
	out := name
	for _, ch := range []string{"/", "\\", ":", "*", "?", "\"", "<", ">", "|"} {
		out = strings.ReplaceAll(out, ch, "-")
	}
	return strings.TrimSpace(out)
}
