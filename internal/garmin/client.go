// Package garmin implements the Garmin Connect adapter. There is no public
// API for personal use; this drives the same SSO login and web services the
// Connect site uses, holding the session cookies between runs.
package garmin

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"regexp"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/fitsync/fitsync/internal/config"
	"github.com/fitsync/fitsync/internal/models"
	"github.com/fitsync/fitsync/internal/platform"
)

const (
	ssoURL     = "https://sso.garmin.com/sso/signin"
	connectURL = "https://connect.garmin.com"

	uploadURL       = connectURL + "/upload-service/upload"
	activityListURL = connectURL + "/activitylist-service/activities/search/activities"
	downloadURL     = connectURL + "/download-service/files/activity"
	exportTCXURL    = connectURL + "/download-service/export/tcx/activity"

	listPageSize = 100
	// Garmin web sessions live about an hour; re-login under this margin.
	sessionLifetime = 50 * time.Minute
)

// session persists the SSO cookies between runs.
type session struct {
	Cookies   []*http.Cookie `json:"cookies"`
	ExpiresAt time.Time      `json:"expires_at"`
}

// Adapter talks to Garmin Connect.
type Adapter struct {
	email      string
	password   string
	sessions   *config.SessionStore
	httpClient *http.Client
	loggedIn   bool
	expiresAt  time.Time
}

// New builds the adapter and restores a stored session when still fresh.
func New(cfg *config.Config, sessions *config.SessionStore) (*Adapter, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}

	a := &Adapter{
		email:    cfg.Garmin.Email,
		password: cfg.Garmin.Password,
		sessions: sessions,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
			Jar:     jar,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return fmt.Errorf("too many redirects")
				}
				return nil
			},
		},
	}

	var sess session
	if ok, err := sessions.Get("garmin", &sess); err != nil {
		return nil, err
	} else if ok && time.Now().Before(sess.ExpiresAt) {
		base, _ := url.Parse(connectURL)
		jar.SetCookies(base, sess.Cookies)
		a.loggedIn = true
		a.expiresAt = sess.ExpiresAt
	}
	return a, nil
}

func (a *Adapter) Info() platform.Info {
	return platform.Info{Name: "garmin", CanEnumerate: true, CanDownload: true}
}

// listEntry is the shape activitylist-service returns.
type listEntry struct {
	ActivityID   int64   `json:"activityId"`
	ActivityName string  `json:"activityName"`
	StartTimeGMT string  `json:"startTimeGMT"` // "2006-01-02 15:04:05"
	Distance     float64 `json:"distance"`
	Duration     float64 `json:"duration"`
	Elevation    float64 `json:"elevationGain"`
	Manual       bool    `json:"manualActivity"`
	ActivityType struct {
		TypeKey string `json:"typeKey"`
	} `json:"activityType"`
}

// ListActivities pages through the activity list and filters to the window
// client-side; the search endpoint has no reliable time filter.
func (a *Adapter) ListActivities(ctx context.Context, since, until time.Time) ([]platform.Activity, error) {
	if err := a.ensureLogin(ctx); err != nil {
		return nil, err
	}

	var out []platform.Activity
	for start := 0; ; start += listPageSize {
		u := fmt.Sprintf("%s?start=%d&limit=%d", activityListURL, start, listPageSize)
		req, err := a.serviceRequest(ctx, http.MethodGet, u, nil, "")
		if err != nil {
			return nil, err
		}

		var batch []listEntry
		if err := a.doJSON(req, &batch); err != nil {
			return nil, err
		}

		pastWindow := false
		for _, e := range batch {
			startTime, err := time.Parse("2006-01-02 15:04:05", e.StartTimeGMT)
			if err != nil {
				continue
			}
			startTime = startTime.UTC()
			if startTime.Before(since) {
				// The list is newest-first; everything after this is older.
				pastWindow = true
				break
			}
			if !startTime.Before(until) {
				continue
			}
			out = append(out, e.toActivity(startTime))
		}
		if pastWindow || len(batch) < listPageSize {
			return out, nil
		}
	}
}

func (e listEntry) toActivity(start time.Time) platform.Activity {
	p := platform.Activity{
		ID:        fmt.Sprintf("%d", e.ActivityID),
		Name:      e.ActivityName,
		SportType: e.ActivityType.TypeKey,
		StartTime: start,
		Distance:  e.Distance,
		Duration:  int(e.Duration),
		Manual:    e.Manual,
	}
	if e.Elevation > 0 {
		gain := e.Elevation
		p.ElevationGain = &gain
	}
	return p
}

// Download fetches the original FIT inside the zip the download service
// serves. Manual activities have no file and answer 404; those surface as
// ErrNoOriginalFile. When TCX is wanted directly the export service is
// cheaper than transcoding.
func (a *Adapter) Download(ctx context.Context, activityID string, format models.FileFormat) ([]byte, models.FileFormat, error) {
	if err := a.ensureLogin(ctx); err != nil {
		return nil, "", err
	}

	if format == models.FormatTCX {
		data, err := a.fetchRaw(ctx, fmt.Sprintf("%s/%s", exportTCXURL, activityID))
		if err == nil {
			return data, models.FormatTCX, nil
		}
	}

	data, err := a.fetchRaw(ctx, fmt.Sprintf("%s/%s", downloadURL, activityID))
	if err != nil {
		// The download service answers 404 for manual activities too; those
		// have no recording rather than a missing id.
		if errors.Is(err, platform.ErrNotFound) {
			return nil, "", fmt.Errorf("activity %s has no recording: %w", activityID, platform.ErrNoOriginalFile)
		}
		return nil, "", err
	}

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, "", fmt.Errorf("failed to open activity archive: %w", err)
	}
	for _, f := range zr.File {
		ext := strings.ToLower(f.Name[strings.LastIndex(f.Name, ".")+1:])
		nativeFormat, perr := models.ParseFormat(ext)
		if perr != nil {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, "", fmt.Errorf("failed to read %s from archive: %w", f.Name, err)
		}
		content, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, "", fmt.Errorf("failed to read %s from archive: %w", f.Name, err)
		}
		return content, nativeFormat, nil
	}
	return nil, "", fmt.Errorf("activity %s archive holds no recording: %w", activityID, platform.ErrNoOriginalFile)
}

type uploadResponse struct {
	DetailedImportResult struct {
		UploadID  int64 `json:"uploadId"`
		Successes []struct {
			InternalID int64 `json:"internalId"`
		} `json:"successes"`
		Failures []struct {
			InternalID int64 `json:"internalId"`
			Messages   []struct {
				Code    int    `json:"code"`
				Content string `json:"content"`
			} `json:"messages"`
		} `json:"failures"`
	} `json:"detailedImportResult"`
}

// Upload pushes a recording through the upload service. Garmin reports
// duplicates as an import failure with code 202 carrying the existing id.
func (a *Adapter) Upload(ctx context.Context, name string, data []byte, format models.FileFormat) (platform.UploadResult, error) {
	if err := a.ensureLogin(ctx); err != nil {
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
	writer.Close()

	u := fmt.Sprintf("%s/.%s", uploadURL, format)
	req, err := a.serviceRequest(ctx, http.MethodPost, u, body, writer.FormDataContentType())
	if err != nil {
		return platform.UploadResult{}, err
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return platform.UploadResult{}, &platform.TransportError{Op: "garmin upload", Err: err}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	// 409 still carries a result body describing the duplicate.
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated &&
		resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusConflict {
		return platform.UploadResult{}, platform.StatusError("garmin upload", resp.StatusCode, resp.Header)
	}

	var ur uploadResponse
	if err := json.Unmarshal(respBody, &ur); err != nil {
		return platform.UploadResult{}, fmt.Errorf("failed to parse upload response: %w", err)
	}

	result := ur.DetailedImportResult
	if len(result.Successes) > 0 {
		return platform.UploadResult{ActivityID: fmt.Sprintf("%d", result.Successes[0].InternalID)}, nil
	}
	for _, failure := range result.Failures {
		for _, msg := range failure.Messages {
			if msg.Code == 202 || strings.Contains(strings.ToLower(msg.Content), "duplicate") {
				res := platform.UploadResult{Duplicate: true}
				if failure.InternalID != 0 {
					res.DuplicateOf = fmt.Sprintf("%d", failure.InternalID)
				}
				return res, nil
			}
		}
		if len(failure.Messages) > 0 {
			return platform.UploadResult{}, fmt.Errorf("garmin rejected upload: %s", failure.Messages[0].Content)
		}
	}
	return platform.UploadResult{}, fmt.Errorf("garmin upload produced no activity")
}

func (a *Adapter) SupportedUploadFormats() []models.FileFormat {
	return []models.FileFormat{models.FormatFIT, models.FormatTCX, models.FormatGPX}
}

func (a *Adapter) HealthCheck(ctx context.Context) error {
	if err := a.ensureLogin(ctx); err != nil {
		return err
	}
	u := fmt.Sprintf("%s?start=0&limit=1", activityListURL)
	req, err := a.serviceRequest(ctx, http.MethodGet, u, nil, "")
	if err != nil {
		return err
	}
	var batch []listEntry
	return a.doJSON(req, &batch)
}

// serviceRequest carries the headers the Connect services insist on.
func (a *Adapter) serviceRequest(ctx context.Context, method, u string, body io.Reader, contentType string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("NK", "NT")
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	req.Header.Set("Referer", connectURL+"/modern/")
	req.Header.Set("User-Agent", "Mozilla/5.0")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return req, nil
}

func (a *Adapter) doJSON(req *http.Request, out any) error {
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return &platform.TransportError{Op: "garmin api", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return platform.StatusError("garmin api", resp.StatusCode, resp.Header)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &platform.TransportError{Op: "garmin api", Err: err}
	}
	return json.Unmarshal(body, out)
}

func (a *Adapter) fetchRaw(ctx context.Context, u string) ([]byte, error) {
	req, err := a.serviceRequest(ctx, http.MethodGet, u, nil, "")
	if err != nil {
		return nil, err
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, &platform.TransportError{Op: "garmin download", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, platform.StatusError("garmin download", resp.StatusCode, resp.Header)
	}
	return io.ReadAll(resp.Body)
}

var ticketRe = regexp.MustCompile(`ticket=([^"']+)["']`)

// ensureLogin performs the SSO dance when no fresh session is held: load the
// signin form for its CSRF token, post credentials, then redeem the service
// ticket against the Connect host to obtain session cookies.
func (a *Adapter) ensureLogin(ctx context.Context) error {
	if a.loggedIn && time.Now().Before(a.expiresAt) {
		return nil
	}
	if a.email == "" || a.password == "" {
		return fmt.Errorf("garmin credentials not configured: %w", platform.ErrUnauthorized)
	}

	params := url.Values{
		"service":     {connectURL + "/modern/"},
		"webhost":     {connectURL + "/modern/"},
		"gauthHost":   {"https://sso.garmin.com/sso"},
		"consumeServiceTicket": {"false"},
		"embedWidget": {"true"},
	}
	signinURL := ssoURL + "?" + params.Encode()

	csrf, err := a.fetchCSRFToken(ctx, signinURL)
	if err != nil {
		return err
	}

	form := url.Values{
		"username": {a.email},
		"password": {a.password},
		"embed":    {"true"},
		"_csrf":    {csrf},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, signinURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Referer", signinURL)
	req.Header.Set("User-Agent", "Mozilla/5.0")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return &platform.TransportError{Op: "garmin sso", Err: err}
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return platform.StatusError("garmin sso", resp.StatusCode, resp.Header)
	}

	m := ticketRe.FindSubmatch(body)
	if m == nil {
		return fmt.Errorf("garmin rejected credentials: %w", platform.ErrUnauthorized)
	}
	ticket := string(m[1])

	// Redeeming the ticket sets the session cookies on the jar.
	redeemURL := fmt.Sprintf("%s/modern/?ticket=%s", connectURL, url.QueryEscape(ticket))
	redeemReq, err := http.NewRequestWithContext(ctx, http.MethodGet, redeemURL, nil)
	if err != nil {
		return err
	}
	redeemReq.Header.Set("User-Agent", "Mozilla/5.0")
	redeemResp, err := a.httpClient.Do(redeemReq)
	if err != nil {
		return &platform.TransportError{Op: "garmin sso", Err: err}
	}
	io.Copy(io.Discard, redeemResp.Body)
	redeemResp.Body.Close()

	a.loggedIn = true
	a.expiresAt = time.Now().Add(sessionLifetime)

	base, _ := url.Parse(connectURL)
	return a.sessions.Put("garmin", &session{
		Cookies:   a.httpClient.Jar.Cookies(base),
		ExpiresAt: a.expiresAt,
	})
}

// fetchCSRFToken parses the signin page for the hidden _csrf input.
func (a *Adapter) fetchCSRFToken(ctx context.Context, signinURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, signinURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", &platform.TransportError{Op: "garmin sso", Err: err}
	}
	defer resp.Body.Close()

	doc, err := html.Parse(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to parse signin page: %w", err)
	}
	if token := findCSRFInput(doc); token != "" {
		return token, nil
	}
	return "", fmt.Errorf("no csrf token on signin page: %w", platform.ErrUnauthorized)
}

func findCSRFInput(n *html.Node) string {
	if n.Type == html.ElementNode && n.Data == "input" {
		var name, value string
		for _, attr := range n.Attr {
			switch attr.Key {
			case "name":
				name = attr.Val
			case "value":
				value = attr.Val
			}
		}
		if name == "_csrf" {
			return value
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if token := findCSRFInput(c); token != "" {
			return token
		}
	}
	return ""
}
