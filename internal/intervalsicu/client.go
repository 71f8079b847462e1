// Package intervalsicu implements the intervals.icu adapter. The API is
// refreshingly plain: HTTP basic auth with the literal user "API_KEY", and a
// multipart POST for activity files. Used as an export target.
package intervalsicu

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/fitsync/fitsync/internal/config"
	"github.com/fitsync/fitsync/internal/models"
	"github.com/fitsync/fitsync/internal/platform"
)

const baseURL = "https://intervals.icu/api/v1"

// Adapter talks to intervals.icu.
type Adapter struct {
	athleteID  string
	apiKey     string
	httpClient *http.Client
}

func New(cfg *config.Config) *Adapter {
	return &Adapter{
		athleteID:  cfg.IntervalsICU.AthleteID,
		apiKey:     cfg.IntervalsICU.APIKey,
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}
}

func (a *Adapter) Info() platform.Info {
	return platform.Info{Name: "intervals_icu", CanEnumerate: false, CanDownload: false}
}

func (a *Adapter) ListActivities(ctx context.Context, since, until time.Time) ([]platform.Activity, error) {
	return nil, nil
}

func (a *Adapter) Download(ctx context.Context, activityID string, format models.FileFormat) ([]byte, models.FileFormat, error) {
	return nil, "", fmt.Errorf("intervals.icu is upload-only: %w", platform.ErrNotFound)
}

// Upload posts a recording. intervals.icu deduplicates by start time
// server-side and answers 422 for an already-known activity.
func (a *Adapter) Upload(ctx context.Context, name string, data []byte, format models.FileFormat) (platform.UploadResult, error) {
	if a.apiKey == "" || a.athleteID == "" {
		return platform.UploadResult{}, fmt.Errorf("intervals.icu credentials not configured: %w", platform.ErrUnauthorized)
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
	if name != "" {
		writer.WriteField("name", name)
	}
	writer.Close()

	u := fmt.Sprintf("%s/athlete/%s/activities", baseURL, a.athleteID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, body)
	if err != nil {
		return platform.UploadResult{}, err
	}
	req.SetBasicAuth("API_KEY", a.apiKey)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return platform.UploadResult{}, &platform.TransportError{Op: "intervals.icu upload", Err: err}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode == http.StatusUnprocessableEntity &&
		bytes.Contains(bytes.ToLower(respBody), []byte("duplicate")) {
		return platform.UploadResult{Duplicate: true}, nil
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return platform.UploadResult{}, platform.StatusError("intervals.icu upload", resp.StatusCode, resp.Header)
	}

	var parsed struct {
		ID       string `json:"id"`
		Activity struct {
			ID string `json:"id"`
		} `json:"activity"`
	}
	if err := json.Unmarshal(respBody, &parsed); err == nil {
		id := parsed.ID
		if id == "" {
			id = parsed.Activity.ID
		}
		return platform.UploadResult{ActivityID: id}, nil
	}
	return platform.UploadResult{}, nil
}

func (a *Adapter) SupportedUploadFormats() []models.FileFormat {
	return []models.FileFormat{models.FormatFIT, models.FormatTCX, models.FormatGPX}
}

// HealthCheck fetches the athlete profile.
func (a *Adapter) HealthCheck(ctx context.Context) error {
	if a.apiKey == "" || a.athleteID == "" {
		return fmt.Errorf("intervals.icu credentials not configured: %w", platform.ErrUnauthorized)
	}

	u := fmt.Sprintf("%s/athlete/%s", baseURL, a.athleteID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.SetBasicAuth("API_KEY", a.apiKey)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return &platform.TransportError{Op: "intervals.icu api", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return platform.StatusError("intervals.icu api", resp.StatusCode, resp.Header)
	}
	return nil
}
