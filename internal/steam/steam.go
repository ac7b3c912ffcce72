package steam

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	logx "workshopbot/pkg/logx"
)

// ErrNotFound is returned when the workshop reports no item for an id
// (deleted, private beyond API visibility, or never existed).
var ErrNotFound = errors.New("steam: workshop item not found")

const defaultBaseURL = "https://api.steampowered.com"

// Item is the workshop metadata the bot cares about.
//
// UpdatedAt is unix seconds; 0 means the API reported no update time.
// Children is only populated for collections.
type Item struct {
	ID                    string
	Title                 string
	Creator               string
	UpdatedAt             int64
	FileSize              int64
	Visibility            int
	Subscriptions         int64
	LifetimeSubscriptions int64
	Children              int
}

type Config struct {
	// APIKey is optional; the published-file endpoints accept anonymous calls
	// but keyed calls get better rate limits.
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

// Client calls the Steam Web API. Safe for concurrent use.
type Client struct {
	cfg  Config
	http *http.Client
	log  logx.Logger
}

func NewClient(cfg Config, log logx.Logger) *Client {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{cfg: cfg, http: &http.Client{Timeout: timeout}, log: log}
}

// FetchAddon returns metadata for a workshop addon.
func (c *Client) FetchAddon(ctx context.Context, id string) (*Item, error) {
	return c.fileDetails(ctx, id)
}

// FetchCollection returns metadata for a workshop collection, including its
// child count.
func (c *Client) FetchCollection(ctx context.Context, id string) (*Item, error) {
	it, err := c.fileDetails(ctx, id)
	if err != nil {
		return nil, err
	}
	children, err := c.collectionChildren(ctx, id)
	if err != nil {
		// Child count is presentation-only; an update check still works with
		// the base details.
		c.log.Debug("collection details unavailable", logx.String("id", id), logx.Err(err))
		return it, nil
	}
	it.Children = children
	return it, nil
}

type fileDetailsResponse struct {
	Response struct {
		Result      int `json:"result"`
		ResultCount int `json:"resultcount"`
		Details     []struct {
			PublishedFileID       string `json:"publishedfileid"`
			Result                int    `json:"result"`
			Title                 string `json:"title"`
			Creator               string `json:"creator"`
			TimeUpdated           int64  `json:"time_updated"`
			FileSize              int64  `json:"file_size"`
			Visibility            int    `json:"visibility"`
			Subscriptions         int64  `json:"subscriptions"`
			LifetimeSubscriptions int64  `json:"lifetime_subscriptions"`
		} `json:"publishedfiledetails"`
	} `json:"response"`
}

func (c *Client) fileDetails(ctx context.Context, id string) (*Item, error) {
	form := url.Values{}
	form.Set("itemcount", "1")
	form.Set("publishedfileids[0]", id)

	var out fileDetailsResponse
	if err := c.post(ctx, "/ISteamRemoteStorage/GetPublishedFileDetails/v1/", form, &out); err != nil {
		return nil, err
	}
	if len(out.Response.Details) == 0 {
		return nil, ErrNotFound
	}
	d := out.Response.Details[0]
	// Per-item result 1 = OK; anything else (9 = file not found, 8 = invalid
	// parameter, ...) means there is no usable item behind the id.
	if d.Result != 1 {
		return nil, ErrNotFound
	}
	return &Item{
		ID:                    d.PublishedFileID,
		Title:                 d.Title,
		Creator:               d.Creator,
		UpdatedAt:             d.TimeUpdated,
		FileSize:              d.FileSize,
		Visibility:            d.Visibility,
		Subscriptions:         d.Subscriptions,
		LifetimeSubscriptions: d.LifetimeSubscriptions,
	}, nil
}

type collectionDetailsResponse struct {
	Response struct {
		Result  int `json:"result"`
		Details []struct {
			PublishedFileID string `json:"publishedfileid"`
			Result          int    `json:"result"`
			Children        []struct {
				PublishedFileID string `json:"publishedfileid"`
			} `json:"children"`
		} `json:"collectiondetails"`
	} `json:"response"`
}

func (c *Client) collectionChildren(ctx context.Context, id string) (int, error) {
	form := url.Values{}
	form.Set("collectioncount", "1")
	form.Set("publishedfileids[0]", id)

	var out collectionDetailsResponse
	if err := c.post(ctx, "/ISteamRemoteStorage/GetCollectionDetails/v1/", form, &out); err != nil {
		return 0, err
	}
	if len(out.Response.Details) == 0 || out.Response.Details[0].Result != 1 {
		return 0, ErrNotFound
	}
	return len(out.Response.Details[0].Children), nil
}

func (c *Client) post(ctx context.Context, path string, form url.Values, out any) error {
	if key := strings.TrimSpace(c.cfg.APIKey); key != "" {
		form.Set("key", key)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("steam: %s returned http %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("steam: decode %s: %w", path, err)
	}
	return nil
}
