package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	uploadMechanismKey = "com.linkedin.digitalmedia.uploading.MediaUploadHttpRequest"
	shareContentKey    = "com.linkedin.ugc.ShareContent"
	visibilityKey      = "com.linkedin.ugc.MemberNetworkVisibility"
	feedshareRecipe    = "urn:li:digitalmediaRecipe:feedshare-image"

	maxErrorBody = 4 << 10
)

// Config is the platform connection. AccessToken is never logged.
type Config struct {
	APIBase         string
	AccessToken     string
	ProtocolVersion string
	APIVersion      string
	Timeout         time.Duration // per call
	RatePerSec      int
	MaxMediaBytes   int64
}

// MediaUpload is the result of registering an image upload.
type MediaUpload struct {
	UploadURL string
	Asset     string
}

// Client performs single platform calls. Each call has its own timeout and
// is paced by a shared token bucket.
type Client struct {
	hc  *http.Client
	now func() time.Time

	mu      sync.RWMutex
	cfg     Config
	limiter *rate.Limiter
}

// NewClient builds a client. hc may be nil.
func NewClient(cfg Config, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{}
	}
	c := &Client{hc: hc, now: time.Now}
	c.Apply(cfg)
	return c
}

// Apply swaps connection settings (token rotation, pacing) at runtime.
func (c *Client) Apply(cfg Config) {
	cfg.APIBase = strings.TrimRight(strings.TrimSpace(cfg.APIBase), "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 5
	}
	if cfg.MaxMediaBytes <= 0 {
		cfg.MaxMediaBytes = 10 << 20
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg = cfg
	if c.limiter == nil {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
		return
	}
	c.limiter.SetLimit(rate.Limit(cfg.RatePerSec))
	c.limiter.SetBurst(cfg.RatePerSec)
}

func (c *Client) config() (Config, *rate.Limiter) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg, c.limiter
}

// ResolveIdentity returns the member id behind the access token.
func (c *Client) ResolveIdentity(ctx context.Context) (string, error) {
	cfg, _ := c.config()
	var out struct {
		ID string `json:"id"`
	}
	_, err := c.callJSON(ctx, StepResolveIdentity, http.MethodGet, cfg.APIBase+"/rest/me", nil, &out)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(out.ID) == "" {
		return "", &StepError{Step: StepResolveIdentity, Category: CategoryPermanent, Err: ErrUnresolvedIdentity}
	}
	return out.ID, nil
}

type registerUploadRequest struct {
	RegisterUploadRequest registerUpload `json:"registerUploadRequest"`
}

type registerUpload struct {
	Recipes              []string              `json:"recipes"`
	Owner                string                `json:"owner"`
	ServiceRelationships []serviceRelationship `json:"serviceRelationships"`
}

type serviceRelationship struct {
	RelationshipType string `json:"relationshipType"`
	Identifier       string `json:"identifier"`
}

type registerUploadResponse struct {
	Value struct {
		UploadMechanism map[string]struct {
			UploadURL string `json:"uploadUrl"`
		} `json:"uploadMechanism"`
		Asset string `json:"asset"`
	} `json:"value"`
}

// RegisterMedia asks the platform for an image upload slot owned by personID.
func (c *Client) RegisterMedia(ctx context.Context, personID string) (MediaUpload, error) {
	cfg, _ := c.config()
	req := registerUploadRequest{RegisterUploadRequest: registerUpload{
		Recipes: []string{feedshareRecipe},
		Owner:   personURN(personID),
		ServiceRelationships: []serviceRelationship{{
			RelationshipType: "OWNER",
			Identifier:       "urn:li:userGeneratedContent",
		}},
	}}
	var out registerUploadResponse
	if _, err := c.callJSON(ctx, StepRegisterMedia, http.MethodPost, cfg.APIBase+"/v2/assets?action=registerUpload", req, &out); err != nil {
		return MediaUpload{}, err
	}
	mu := MediaUpload{UploadURL: out.Value.UploadMechanism[uploadMechanismKey].UploadURL, Asset: out.Value.Asset}
	if mu.UploadURL == "" || mu.Asset == "" {
		return MediaUpload{}, &StepError{Step: StepRegisterMedia, Category: CategoryPermanent, Err: fmt.Errorf("%w: missing upload url or asset", ErrMalformedResponse)}
	}
	return mu, nil
}

// FetchMedia downloads the referenced image, bounded by MaxMediaBytes.
func (c *Client) FetchMedia(ctx context.Context, ref string) ([]byte, string, error) {
	cfg, _ := c.config()
	req, err := http.NewRequest(http.MethodGet, ref, nil)
	if err != nil {
		return nil, "", &StepError{Step: StepFetchMedia, Category: CategoryPermanent, Err: err}
	}
	var (
		data  []byte
		ctype string
	)
	err = c.do(ctx, StepFetchMedia, req, func(resp *http.Response) error {
		b, err := io.ReadAll(io.LimitReader(resp.Body, cfg.MaxMediaBytes+1))
		if err != nil {
			return &StepError{Step: StepFetchMedia, Category: CategoryTransient, Err: err}
		}
		if int64(len(b)) > cfg.MaxMediaBytes {
			return &StepError{Step: StepFetchMedia, Category: CategoryPermanent, Err: fmt.Errorf("%w (%d bytes)", ErrMediaTooLarge, cfg.MaxMediaBytes)}
		}
		data = b
		ctype = resp.Header.Get("Content-Type")
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	if ctype == "" {
		ctype = http.DetectContentType(data)
	}
	return data, ctype, nil
}

// UploadMedia posts the image bytes to the registered upload URL.
func (c *Client) UploadMedia(ctx context.Context, uploadURL string, data []byte, contentType string) error {
	cfg, _ := c.config()
	req, err := http.NewRequest(http.MethodPost, uploadURL, bytes.NewReader(data))
	if err != nil {
		return &StepError{Step: StepUploadMedia, Category: CategoryPermanent, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+cfg.AccessToken)
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	req.Header.Set("Content-Type", contentType)
	return c.do(ctx, StepUploadMedia, req, discardBody)
}

type ugcPost struct {
	Author          string            `json:"author"`
	LifecycleState  string            `json:"lifecycleState"`
	SpecificContent map[string]share  `json:"specificContent"`
	Visibility      map[string]string `json:"visibility"`
}

type share struct {
	ShareCommentary    textValue    `json:"shareCommentary"`
	ShareMediaCategory string       `json:"shareMediaCategory"`
	Media              []shareMedia `json:"media,omitempty"`
}

type shareMedia struct {
	Status      string    `json:"status"`
	Media       string    `json:"media"`
	Title       textValue `json:"title"`
	Description textValue `json:"description"`
}

type textValue struct {
	Text string `json:"text"`
}

// SubmitPost publishes text (and asset, when non-empty) publicly as personID.
// It returns the platform's post id when reported.
func (c *Client) SubmitPost(ctx context.Context, personID, text, asset string) (string, error) {
	cfg, _ := c.config()
	content := share{ShareCommentary: textValue{Text: text}, ShareMediaCategory: "NONE"}
	if asset != "" {
		content.ShareMediaCategory = "IMAGE"
		content.Media = []shareMedia{{
			Status:      "READY",
			Media:       asset,
			Title:       textValue{Text: "Shared Image"},
			Description: textValue{Text: "Image attached to post"},
		}}
	}
	post := ugcPost{
		Author:          personURN(personID),
		LifecycleState:  "PUBLISHED",
		SpecificContent: map[string]share{shareContentKey: content},
		Visibility:      map[string]string{visibilityKey: "PUBLIC"},
	}
	var out struct {
		ID string `json:"id"`
	}
	hdr, err := c.callJSON(ctx, StepSubmitPost, http.MethodPost, cfg.APIBase+"/v2/ugcPosts", post, &out)
	if err != nil {
		return "", err
	}
	if id := hdr.Get("X-RestLi-Id"); id != "" {
		return id, nil
	}
	return out.ID, nil
}

func personURN(id string) string { return "urn:li:person:" + id }

// callJSON sends an authenticated platform call. out may be nil; an empty
// or non-JSON 2xx body is accepted when out is optional.
func (c *Client) callJSON(ctx context.Context, step Step, method, url string, in, out any) (http.Header, error) {
	cfg, _ := c.config()
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return nil, &StepError{Step: step, Category: CategoryPermanent, Err: err}
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		return nil, &StepError{Step: step, Category: CategoryPermanent, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+cfg.AccessToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Restli-Protocol-Version", cfg.ProtocolVersion)
	req.Header.Set("LinkedIn-Version", cfg.APIVersion)

	var hdr http.Header
	err = c.do(ctx, step, req, func(resp *http.Response) error {
		hdr = resp.Header
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return &StepError{Step: step, Category: CategoryTransient, Err: err}
		}
		if out == nil || len(bytes.TrimSpace(b)) == 0 {
			if step == StepResolveIdentity || step == StepRegisterMedia {
				return &StepError{Step: step, Category: CategoryPermanent, Status: resp.StatusCode, Err: fmt.Errorf("%w: empty body", ErrMalformedResponse)}
			}
			return nil
		}
		if err := json.Unmarshal(b, out); err != nil {
			if step == StepSubmitPost {
				return nil
			}
			return &StepError{Step: step, Category: CategoryPermanent, Status: resp.StatusCode, Err: fmt.Errorf("%w: %v", ErrMalformedResponse, err)}
		}
		return nil
	})
	return hdr, err
}

// do paces, bounds and executes one request. handle runs for 2xx responses.
func (c *Client) do(ctx context.Context, step Step, req *http.Request, handle func(*http.Response) error) error {
	cfg, limiter := c.config()
	callCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	if err := limiter.Wait(callCtx); err != nil {
		return &StepError{Step: step, Category: CategoryTransient, Err: err}
	}
	resp, err := c.hc.Do(req.WithContext(callCtx))
	if err != nil {
		cat := CategoryTransient
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			cat = CategoryPermanent
		}
		return &StepError{Step: step, Category: cat, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		se := &StepError{
			Step:     step,
			Category: classifyStatus(resp.StatusCode),
			Status:   resp.StatusCode,
			Err:      fmt.Errorf("unexpected status: %s", strings.TrimSpace(string(snippet))),
		}
		if se.Category == CategoryRateLimited {
			se.After = parseRetryAfter(resp.Header.Get("Retry-After"), c.now())
		}
		return se
	}
	return handle(resp)
}

func discardBody(resp *http.Response) error {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	return nil
}
