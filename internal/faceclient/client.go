package faceclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"
)

// VerifyResult is the verifier's verdict for one live image against the
// user's enrolled reference.
type VerifyResult struct {
	Verified  bool
	Distance  *float64
	Threshold *float64
	Model     string
}

// EnrollResult contains the enrollment response.
type EnrollResult struct {
	UserID  string
	Success bool
	Message string
}

// Client calls the face verification microservice. The decision engine
// treats it as a black box: an error here means "could not evaluate",
// never a match or a mismatch.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Skip    bool
}

// New creates a client. Skip short-circuits every call with a passing mock
// for local development without the face service.
func New(baseURL string, skip bool) *Client {
	return &Client{
		BaseURL: baseURL,
		Skip:    skip,
		HTTP: &http.Client{
			Timeout: 30 * time.Second, // Face processing can take time
		},
	}
}

// Verify performs 1:1 verification of image against userID's enrolled reference.
func (c *Client) Verify(ctx context.Context, userID int64, image []byte) (*VerifyResult, error) {
	if c.Skip {
		d, th := 0.18, 0.45
		return &VerifyResult{Verified: true, Distance: &d, Threshold: &th, Model: "mock"}, nil
	}
	if len(image) == 0 {
		return nil, fmt.Errorf("image required")
	}

	body, contentType, err := imageForm(userID, image)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/verify", body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("face service request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("face service error %s: %s", resp.Status, string(bodyBytes))
	}

	var out struct {
		Verified  bool     `json:"verified"`
		Distance  *float64 `json:"distance"`
		Threshold *float64 `json:"threshold"`
		Model     string   `json:"model"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return &VerifyResult{
		Verified:  out.Verified,
		Distance:  out.Distance,
		Threshold: out.Threshold,
		Model:     out.Model,
	}, nil
}

// Enroll stores image as userID's reference face.
func (c *Client) Enroll(ctx context.Context, userID int64, image []byte) (*EnrollResult, error) {
	if c.Skip {
		return &EnrollResult{UserID: strconv.FormatInt(userID, 10), Success: true, Message: "enrolled (mock)"}, nil
	}
	if len(image) == 0 {
		return nil, fmt.Errorf("image required")
	}

	body, contentType, err := imageForm(userID, image)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/enroll", body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("face service request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("face service error %s: %s", resp.Status, string(bodyBytes))
	}

	var out struct {
		UserID  string `json:"user_id"`
		Success bool   `json:"success"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return &EnrollResult{UserID: out.UserID, Success: out.Success, Message: out.Message}, nil
}

// Health checks if the face service is available.
func (c *Client) Health(ctx context.Context) error {
	if c.Skip {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return err
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("face service unavailable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("face service unhealthy: %s", resp.Status)
	}

	return nil
}

func imageForm(userID int64, image []byte) (*bytes.Buffer, string, error) {
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)
	if err := w.WriteField("user_id", strconv.FormatInt(userID, 10)); err != nil {
		return nil, "", err
	}
	part, err := w.CreateFormFile("file", "live.jpg")
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(image); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf, w.FormDataContentType(), nil
}
