// Package strava implements the Strava adapter. The public API covers
// listing and uploading; downloading the original recording goes through the
// web export endpoint, which needs a browser session cookie because Strava
// never exposed original files over the API.
package strava

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"regexp"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/fitsync/fitsync/internal/config"
	"github.com/fitsync/fitsync/internal/models"
	"github.com/fitsync/fitsync/internal/platform"
)

const (
	authURL    = "https://www.strava.com/oauth/authorize"
	tokenURL   = "https://www.strava.com/oauth/token"
	apiBaseURL = "https://www.strava.com/api/v3"
	uploadURL  = apiBaseURL + "/uploads"
	webBaseURL = "https://www.strava.com"

	listPageSize = 100
	// Refresh when the access token expires within this margin.
	refreshMargin = 5 * time.Minute
)

// session is what we persist between runs.
type session struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	AthleteID    int64     `json:"athlete_id,omitempty"`
}

// Adapter talks to Strava.
type Adapter struct {
	oauth      *oauth2.Config
	sessions   *config.SessionStore
	cookie     string
	httpClient *http.Client
	sess       *session

	// API calls since the last TakeAPICalls; listings and upload polling
	// make several calls per operation.
	apiCalls int
}

// TakeAPICalls reports and resets the API call count, so the caller can
// debit pagination and polling against the rate budget.
func (a *Adapter) TakeAPICalls() int {
	n := a.apiCalls
	a.apiCalls = 0
	return n
}

// New builds the adapter and loads any stored session.
func New(cfg *config.Config, sessions *config.SessionStore) (*Adapter, error) {
	a := &Adapter{
		oauth: &oauth2.Config{
			ClientID:     cfg.Strava.ClientID,
			ClientSecret: cfg.Strava.ClientSecret,
			RedirectURL:  cfg.Strava.RedirectURI,
			Scopes:       []string{"activity:write", "activity:read_all"},
			Endpoint: oauth2.Endpoint{
				AuthURL:  authURL,
				TokenURL: tokenURL,
			},
		},
		sessions:   sessions,
		cookie:     cfg.Strava.Cookie,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}

	var sess session
	if ok, err := sessions.Get("strava", &sess); err != nil {
		return nil, err
	} else if ok {
		a.sess = &sess
	}
	return a, nil
}

func (a *Adapter) Info() platform.Info {
	return platform.Info{Name: "strava", CanEnumerate: true, CanDownload: true}
}

// apiActivity is the summary shape from /athlete/activities.
type apiActivity struct {
	ID                 int64     `json:"id"`
	Name               string    `json:"name"`
	SportType          string    `json:"sport_type"`
	Type               string    `json:"type"`
	StartDate          time.Time `json:"start_date"`
	ElapsedTime        int       `json:"elapsed_time"`
	Distance           float64   `json:"distance"`
	TotalElevationGain float64   `json:"total_elevation_gain"`
	Manual             bool      `json:"manual"`
	UploadID           int64     `json:"upload_id"`
	ExternalID         string    `json:"external_id"`
	DeviceName         string    `json:"device_name"`
}

// ListActivities pages through /athlete/activities within the window.
func (a *Adapter) ListActivities(ctx context.Context, since, until time.Time) ([]platform.Activity, error) {
	if err := a.ensureToken(ctx); err != nil {
		return nil, err
	}

	var out []platform.Activity
	for page := 1; ; page++ {
		u := fmt.Sprintf("%s/athlete/activities?after=%d&before=%d&page=%d&per_page=%d",
			apiBaseURL, since.Unix(), until.Unix(), page, listPageSize)

		var batch []apiActivity
		if err := a.apiGet(ctx, u, &batch); err != nil {
			return nil, err
		}
		for _, act := range batch {
			out = append(out, act.toActivity())
		}
		if len(batch) < listPageSize {
			return out, nil
		}
	}
}

func (act apiActivity) toActivity() platform.Activity {
	sport := act.SportType
	if sport == "" {
		sport = act.Type
	}
	p := platform.Activity{
		ID:        fmt.Sprintf("%d", act.ID),
		Name:      act.Name,
		SportType: sport,
		StartTime: act.StartDate.UTC(),
		Distance:  act.Distance,
		Duration:  act.ElapsedTime,
		// Manual flag aside, an activity with no upload, no external id and
		// no device was typed in by hand; there is nothing to download.
		Manual: act.Manual || (act.UploadID == 0 && act.ExternalID == "" && act.DeviceName == ""),
	}
	if act.TotalElevationGain > 0 {
		gain := act.TotalElevationGain
		p.ElevationGain = &gain
	}
	return p
}

// Download fetches the original recording through the web export endpoint.
// The endpoint answers 200 with an HTML page both when the session cookie is
// stale and when the activity has no file, so classification reads the body.
func (a *Adapter) Download(ctx context.Context, activityID string, format models.FileFormat) ([]byte, models.FileFormat, error) {
	if a.cookie == "" {
		return nil, "", fmt.Errorf("strava cookie not configured, cannot export original files: %w", platform.ErrUnauthorized)
	}

	u := fmt.Sprintf("%s/activities/%s/export_original", webBaseURL, activityID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Cookie", a.cookie)
	req.Header.Set("User-Agent", "Mozilla/5.0")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, "", &platform.TransportError{Op: "strava export", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, "", fmt.Errorf("activity %s: %w", activityID, platform.ErrNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, "", platform.StatusError("strava export", resp.StatusCode, resp.Header)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", &platform.TransportError{Op: "strava export", Err: err}
	}

	if looksLikeHTML(body) {
		if bytes.Contains(body, []byte("login")) || bytes.Contains(body, []byte("Log In")) {
			return nil, "", fmt.Errorf("strava session cookie expired: %w", platform.ErrUnauthorized)
		}
		return nil, "", fmt.Errorf("activity %s: %w", activityID, platform.ErrNoOriginalFile)
	}

	filename := exportFilename(resp.Header.Get("Content-Disposition"))

	// Original uploads often come back gzipped (ride.fit.gz).
	if isGzip(body) {
		gz, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, "", fmt.Errorf("failed to decompress export: %w", err)
		}
		body, err = io.ReadAll(gz)
		if err != nil {
			return nil, "", fmt.Errorf("failed to decompress export: %w", err)
		}
		filename = strings.TrimSuffix(filename, ".gz")
	}

	nativeFormat, err := formatFromFilename(filename, body)
	if err != nil {
		return nil, "", err
	}
	return body, nativeFormat, nil
}

// Upload pushes a file and waits until Strava finishes processing it, so the
// caller learns the real activity id or a duplicate verdict.
func (a *Adapter) Upload(ctx context.Context, name string, data []byte, format models.FileFormat) (platform.UploadResult, error) {
	if err := a.ensureToken(ctx); err != nil {
		return platform.UploadResult{}, err
	}

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", "activity."+string(format))
	if err != nil {
		return platform.UploadResult{}, err
	}
	if _, err := part.Write(data); err != nil {
		return platform.UploadResult{}, err
	}
	writer.WriteField("data_type", string(format))
	if name != "" {
		writer.WriteField("name", name)
	}
	writer.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uploadURL, body)
	if err != nil {
		return platform.UploadResult{}, err
	}
	req.Header.Set("Authorization", "Bearer "+a.sess.AccessToken)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	a.apiCalls++
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return platform.UploadResult{}, &platform.TransportError{Op: "strava upload", Err: err}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return platform.UploadResult{}, platform.StatusError("strava upload", resp.StatusCode, resp.Header)
	}

	var status uploadStatus
	if err := json.Unmarshal(respBody, &status); err != nil {
		return platform.UploadResult{}, fmt.Errorf("failed to parse upload response: %w", err)
	}
	return a.waitForUpload(ctx, status.ID)
}

type uploadStatus struct {
	ID         int64  `json:"id"`
	Error      string `json:"error"`
	Status     string `json:"status"`
	ActivityID int64  `json:"activity_id"`
}

// "xxx.fit duplicate of activity 12345678" in the upload error string.
var duplicateRe = regexp.MustCompile(`duplicate of (?:activity )?(\d+)`)

func (a *Adapter) waitForUpload(ctx context.Context, uploadID int64) (platform.UploadResult, error) {
	deadline := time.Now().Add(2 * time.Minute)

	for time.Now().Before(deadline) {
		var status uploadStatus
		u := fmt.Sprintf("%s/%d", uploadURL, uploadID)
		if err := a.apiGet(ctx, u, &status); err != nil {
			return platform.UploadResult{}, err
		}

		if status.Error != "" {
			if m := duplicateRe.FindStringSubmatch(status.Error); m != nil {
				return platform.UploadResult{Duplicate: true, DuplicateOf: m[1]}, nil
			}
			if strings.Contains(status.Error, "duplicate") {
				return platform.UploadResult{Duplicate: true}, nil
			}
			return platform.UploadResult{}, fmt.Errorf("strava rejected upload: %s", status.Error)
		}
		if status.ActivityID != 0 {
			return platform.UploadResult{ActivityID: fmt.Sprintf("%d", status.ActivityID)}, nil
		}

		select {
		case <-ctx.Done():
			return platform.UploadResult{}, ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
	return platform.UploadResult{}, &platform.TransportError{
		Op:  "strava upload",
		Err: fmt.Errorf("processing of upload %d timed out", uploadID),
	}
}

func (a *Adapter) SupportedUploadFormats() []models.FileFormat {
	return []models.FileFormat{models.FormatFIT, models.FormatTCX, models.FormatGPX}
}

// HealthCheck verifies the token with the cheapest authenticated call.
func (a *Adapter) HealthCheck(ctx context.Context) error {
	if err := a.ensureToken(ctx); err != nil {
		return err
	}
	var athlete struct {
		ID int64 `json:"id"`
	}
	return a.apiGet(ctx, apiBaseURL+"/athlete", &athlete)
}

func (a *Adapter) apiGet(ctx context.Context, u string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	a.apiCalls++
	req.Header.Set("Authorization", "Bearer "+a.sess.AccessToken)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return &platform.TransportError{Op: "strava api", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return platform.StatusError("strava api", resp.StatusCode, resp.Header)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &platform.TransportError{Op: "strava api", Err: err}
	}
	return json.Unmarshal(body, out)
}

// ensureToken refreshes the access token when it is close to expiry.
func (a *Adapter) ensureToken(ctx context.Context) error {
	if a.sess == nil || a.sess.RefreshToken == "" {
		return fmt.Errorf("not authenticated with strava, run 'fitsync auth strava': %w", platform.ErrUnauthorized)
	}
	if time.Until(a.sess.ExpiresAt) > refreshMargin {
		return nil
	}

	src := a.oauth.TokenSource(ctx, &oauth2.Token{
		AccessToken:  a.sess.AccessToken,
		RefreshToken: a.sess.RefreshToken,
		Expiry:       a.sess.ExpiresAt,
	})
	token, err := src.Token()
	if err != nil {
		return fmt.Errorf("failed to refresh strava token: %w", platform.ErrUnauthorized)
	}

	a.sess.AccessToken = token.AccessToken
	a.sess.ExpiresAt = token.Expiry
	if token.RefreshToken != "" {
		a.sess.RefreshToken = token.RefreshToken
	}
	return a.sessions.Put("strava", a.sess)
}

func looksLikeHTML(body []byte) bool {
	head := bytes.TrimSpace(body)
	if len(head) > 512 {
		head = head[:512]
	}
	lower := bytes.ToLower(head)
	return bytes.HasPrefix(lower, []byte("<!doctype html")) || bytes.HasPrefix(lower, []byte("<html"))
}

func isGzip(body []byte) bool {
	return len(body) > 2 && body[0] == 0x1f && body[1] == 0x8b
}

func exportFilename(contentDisposition string) string {
	if contentDisposition == "" {
		return ""
	}
	if _, params, err := mime.ParseMediaType(contentDisposition); err == nil {
		return params["filename"]
	}
	return ""
}

// formatFromFilename works out the recording format, falling back on content
// sniffing when the header gives nothing.
func formatFromFilename(filename string, body []byte) (models.FileFormat, error) {
	if i := strings.LastIndex(filename, "."); i >= 0 {
		if f, err := models.ParseFormat(filename[i:]); err == nil {
			return f, nil
		}
	}
	trimmed := bytes.TrimSpace(body)
	switch {
	case bytes.Contains(trimmed[:min(len(trimmed), 256)], []byte("<gpx")):
		return models.FormatGPX, nil
	case bytes.Contains(trimmed[:min(len(trimmed), 256)], []byte("TrainingCenterDatabase")):
		return models.FormatTCX, nil
	case len(trimmed) > 11 && string(trimmed[8:12]) == ".FIT":
		return models.FormatFIT, nil
	}
	return "", fmt.Errorf("could not determine export format for %q", filename)
}
