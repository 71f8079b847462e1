// Package igpsport implements the IGPSport adapter. Login yields a bearer
// token; listing and FIT downloads go through the web gateway, and uploads
// stage the file on Aliyun OSS with temporary STS credentials before
// notifying the analyze service.
package igpsport

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fitsync/fitsync/internal/config"
	"github.com/fitsync/fitsync/internal/models"
	"github.com/fitsync/fitsync/internal/platform"
)

const (
	loginURL    = "https://my.igpsport.com/Auth/Login"
	gatewayURL  = "https://prod.zh.igpsport.com/service"
	listURL     = gatewayURL + "/web-gateway/web-analyze/activity/queryMyActivity"
	detailURL   = gatewayURL + "/web-gateway/web-analyze/activity/queryActivityDetail"
	ossTokenURL = gatewayURL + "/mobile/api/AliyunService/GetOssTokenForApp"
	notifyURL   = gatewayURL + "/web-gateway/web-analyze/activity/uploadByOss"

	listPageSize = 40
	userAgent    = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"
)

type session struct {
	LoginToken string    `json:"login_token"`
	SavedAt    time.Time `json:"saved_at"`
}

// Adapter talks to IGPSport.
type Adapter struct {
	username   string
	password   string
	sessions   *config.SessionStore
	httpClient *http.Client
	token      string

	apiCalls int
}

// TakeAPICalls reports and resets the API call count; listings span several
// pages and each page is debited against the budget.
func (a *Adapter) TakeAPICalls() int {
	n := a.apiCalls
	a.apiCalls = 0
	return n
}

func New(cfg *config.Config, sessions *config.SessionStore) (*Adapter, error) {
	a := &Adapter{
		username:   cfg.IGPSport.Username,
		password:   cfg.IGPSport.Password,
		sessions:   sessions,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}

	var sess session
	if ok, err := sessions.Get("igpsport", &sess); err != nil {
		return nil, err
	} else if ok {
		a.token = sess.LoginToken
	}
	return a, nil
}

func (a *Adapter) Info() platform.Info {
	return platform.Info{Name: "igpsport", CanEnumerate: true, CanDownload: true}
}

// listRow is one activity from the web gateway.
type listRow struct {
	RideID       int64   `json:"rideId"`
	Title        string  `json:"title"`
	StartTime    string  `json:"startTime"` // "2006-01-02 15:04:05"
	RideDistance float64 `json:"rideDistance"`
	TotalTime    int     `json:"totalMovingTime"`
	Climb        float64 `json:"totalAscent"`
	FitURL       string  `json:"fitUrl"`
}

type listResponse struct {
	Code int `json:"code"`
	Data struct {
		Rows  []listRow `json:"rows"`
		Total int       `json:"total"`
	} `json:"data"`
}

// ListActivities pages through the ride history. IGPSport devices only
// record rides, so the sport type is fixed.
func (a *Adapter) ListActivities(ctx context.Context, since, until time.Time) ([]platform.Activity, error) {
	if err := a.ensureToken(ctx); err != nil {
		return nil, err
	}

	var out []platform.Activity
	for page := 1; ; page++ {
		u := fmt.Sprintf("%s?pageNo=%d&pageSize=%d&reqType=0&sort=1", listURL, page, listPageSize)

		var lr listResponse
		if err := a.getJSON(ctx, u, &lr); err != nil {
			return nil, err
		}

		pastWindow := false
		for _, row := range lr.Data.Rows {
			start, err := time.Parse("2006-01-02 15:04:05", row.StartTime)
			if err != nil {
				continue
			}
			start = start.UTC()
			if start.Before(since) {
				pastWindow = true
				break
			}
			if !start.Before(until) {
				continue
			}
			p := platform.Activity{
				ID:        fmt.Sprintf("%d", row.RideID),
				Name:      row.Title,
				SportType: "ride",
				StartTime: start,
				Distance:  row.RideDistance,
				Duration:  row.TotalTime,
			}
			if row.Climb > 0 {
				gain := row.Climb
				p.ElevationGain = &gain
			}
			out = append(out, p)
		}
		if pastWindow || len(lr.Data.Rows) < listPageSize {
			return out, nil
		}
	}
}

// Download resolves the activity's FIT file URL and fetches it. IGPSport
// serves FIT only; the cache transcodes when a destination wants XML.
func (a *Adapter) Download(ctx context.Context, activityID string, format models.FileFormat) ([]byte, models.FileFormat, error) {
	if err := a.ensureToken(ctx); err != nil {
		return nil, "", err
	}

	var detail struct {
		Code int `json:"code"`
		Data struct {
			FitURL string `json:"fitUrl"`
		} `json:"data"`
	}
	u := fmt.Sprintf("%s?rideId=%s", detailURL, activityID)
	if err := a.getJSON(ctx, u, &detail); err != nil {
		return nil, "", err
	}
	if detail.Data.FitURL == "" {
		return nil, "", fmt.Errorf("ride %s has no fit file: %w", activityID, platform.ErrNoOriginalFile)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, detail.Data.FitURL, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, "", &platform.TransportError{Op: "igpsport download", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", platform.StatusError("igpsport download", resp.StatusCode, resp.Header)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", &platform.TransportError{Op: "igpsport download", Err: err}
	}
	return data, models.FormatFIT, nil
}

type ossCredentials struct {
	AccessKeyID     string `json:"accessKeyId"`
	AccessKeySecret string `json:"accessKeySecret"`
	SecurityToken   string `json:"securityToken"`
	Endpoint        string `json:"endpoint"`
	BucketName      string `json:"bucketName"`
}

// Upload stages the file on OSS under a unique object name and then tells
// the analyze service to import it. IGPSport reports no duplicate verdict
// and no activity id at upload time; dedup is caller-side.
func (a *Adapter) Upload(ctx context.Context, name string, data []byte, format models.FileFormat) (platform.UploadResult, error) {
	if format != models.FormatFIT {
		return platform.UploadResult{}, fmt.Errorf("igpsport accepts fit uploads only, got %s", format)
	}
	if err := a.ensureToken(ctx); err != nil {
		return platform.UploadResult{}, err
	}

	var tokenResp struct {
		Data ossCredentials `json:"data"`
	}
	if err := a.getJSON(ctx, ossTokenURL, &tokenResp); err != nil {
		return platform.UploadResult{}, err
	}
	creds := tokenResp.Data
	if creds.AccessKeyID == "" {
		return platform.UploadResult{}, fmt.Errorf("igpsport issued no oss credentials: %w", platform.ErrUnauthorized)
	}

	objectName := uuid.NewString() + ".fit"
	if err := a.putOSS(ctx, creds, objectName, data); err != nil {
		return platform.UploadResult{}, err
	}

	fileName := name
	if fileName == "" {
		fileName = objectName
	}
	payload, _ := json.Marshal(map[string]string{
		"fileName": fileName + ".fit",
		"ossName":  objectName,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, notifyURL, bytes.NewReader(payload))
	if err != nil {
		return platform.UploadResult{}, err
	}
	req.Header.Set("Authorization", "Bearer "+a.token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return platform.UploadResult{}, &platform.TransportError{Op: "igpsport notify", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return platform.UploadResult{}, platform.StatusError("igpsport notify", resp.StatusCode, resp.Header)
	}
	// The import is asynchronous; the ride id appears on the next listing.
	return platform.UploadResult{}, nil
}

// putOSS is a minimal OSS PutObject with STS signing (signature v1), enough
// to avoid dragging in the whole Aliyun SDK for one call.
func (a *Adapter) putOSS(ctx context.Context, creds ossCredentials, objectName string, data []byte) error {
	endpoint := strings.TrimPrefix(strings.TrimPrefix(creds.Endpoint, "https://"), "http://")
	host := creds.BucketName + "." + endpoint
	u := url.URL{Scheme: "https", Host: host, Path: "/" + objectName}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u.String(), bytes.NewReader(data))
	if err != nil {
		return err
	}

	date := time.Now().UTC().Format(http.TimeFormat)
	contentType := "application/octet-stream"
	req.Header.Set("Date", date)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("x-oss-security-token", creds.SecurityToken)

	canonical := strings.Join([]string{
		http.MethodPut,
		"", // Content-MD5
		contentType,
		date,
		"x-oss-security-token:" + creds.SecurityToken,
		"/" + creds.BucketName + "/" + objectName,
	}, "\n")
	mac := hmac.New(sha1.New, []byte(creds.AccessKeySecret))
	mac.Write([]byte(canonical))
	signature := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	req.Header.Set("Authorization", "OSS "+creds.AccessKeyID+":"+signature)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return &platform.TransportError{Op: "oss upload", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("oss upload failed with status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

func (a *Adapter) SupportedUploadFormats() []models.FileFormat {
	return []models.FileFormat{models.FormatFIT}
}

// HealthCheck probes the OSS token endpoint, the cheapest authenticated call.
func (a *Adapter) HealthCheck(ctx context.Context) error {
	if err := a.ensureToken(ctx); err != nil {
		return err
	}
	var probe struct {
		Data ossCredentials `json:"data"`
	}
	return a.getJSON(ctx, ossTokenURL, &probe)
}

func (a *Adapter) getJSON(ctx context.Context, u string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	a.apiCalls++
	req.Header.Set("Authorization", "Bearer "+a.token)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Referer", "https://app.zh.igpsport.com/")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return &platform.TransportError{Op: "igpsport api", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return platform.StatusError("igpsport api", resp.StatusCode, resp.Header)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &platform.TransportError{Op: "igpsport api", Err: err}
	}
	return json.Unmarshal(body, out)
}

// ensureToken validates the stored token with a probe and logs in again when
// it has gone stale.
func (a *Adapter) ensureToken(ctx context.Context) error {
	if a.token != "" {
		var probe struct {
			Data ossCredentials `json:"data"`
		}
		if err := a.getJSON(ctx, ossTokenURL, &probe); err == nil {
			return nil
		}
		a.token = ""
	}
	if a.username == "" || a.password == "" {
		return fmt.Errorf("igpsport credentials not configured: %w", platform.ErrUnauthorized)
	}

	form := url.Values{
		"username": {a.username},
		"password": {a.password},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, loginURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Referer", "https://my.igpsport.com/")
	req.Header.Set("X-Requested-With", "XMLHttpRequest")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return &platform.TransportError{Op: "igpsport login", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusFound {
		return fmt.Errorf("igpsport rejected credentials: %w", platform.ErrUnauthorized)
	}

	for _, c := range resp.Cookies() {
		if c.Name == "loginToken" {
			a.token = c.Value
		}
	}
	if a.token == "" {
		// Some deployments answer with the token in the body instead.
		body, _ := io.ReadAll(resp.Body)
		var parsed struct {
			Token string `json:"token"`
			Data  struct {
				Token string `json:"token"`
			} `json:"data"`
		}
		if err := json.Unmarshal(body, &parsed); err == nil {
			if parsed.Token != "" {
				a.token = parsed.Token
			} else if parsed.Data.Token != "" {
				a.token = parsed.Data.Token
			}
		}
	}
	if a.token == "" {
		return fmt.Errorf("igpsport login yielded no token: %w", platform.ErrUnauthorized)
	}

	return a.sessions.Put("igpsport", &session{LoginToken: a.token, SavedAt: time.Now().UTC()})
}
