// Package embybase implements the shared driver for Emby and Jellyfin, which
// speak the same HTTP API for everything this reconciler touches.
package embybase

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"watchsync/internal/httputil"
	"watchsync/internal/log"
	"watchsync/internal/models"
)

type Options struct {
	SSLBypass         bool
	GenerateGUIDs     bool
	GenerateLocations bool
}

type Client struct {
	serverType models.ServerType
	url        string
	apiKey     string
	serverName string
	machineID  string

	client  *http.Client
	limiter *rate.Limiter
	logger  zerolog.Logger

	generateGUIDs     bool
	generateLocations bool

	userIDs    map[string]string // lower-case user name -> user id
	libraryIDs map[string]string // library name -> library id
}

// New connects to the server and resolves its name and machine identifier.
func New(ctx context.Context, serverType models.ServerType, baseURL, apiKey string, opts Options) (*Client, error) {
	if err := httputil.ValidateServerURL(baseURL); err != nil {
		return nil, fmt.Errorf("%s: %w", serverType, err)
	}
	c := &Client{
		serverType:        serverType,
		url:               strings.TrimRight(baseURL, "/"),
		apiKey:            apiKey,
		client:            httputil.NewClient(httputil.DefaultTimeout, opts.SSLBypass),
		limiter:           rate.NewLimiter(20, 10),
		generateGUIDs:     opts.GenerateGUIDs,
		generateLocations: opts.GenerateLocations,
		userIDs:           make(map[string]string),
		libraryIDs:        make(map[string]string),
	}

	var info struct {
		ServerName string `json:"ServerName"`
		ID         string `json:"Id"`
	}
	if err := c.getJSON(ctx, "/System/Info", nil, &info); err != nil {
		return nil, fmt.Errorf("%s: connecting to %s: %w", serverType, c.url, err)
	}
	c.serverName = info.ServerName
	c.machineID = info.ID
	c.logger = log.WithServer(c.serverName)
	return c, nil
}

func (c *Client) Info() string      { return c.serverName }
func (c *Client) MachineID() string { return c.machineID }
func (c *Client) Close() error      { return nil }

func (c *Client) Users(ctx context.Context) ([]models.ServerUser, error) {
	var raw []struct {
		Name   string `json:"Name"`
		ID     string `json:"Id"`
		Policy struct {
			IsAdministrator bool `json:"IsAdministrator"`
			IsDisabled      bool `json:"IsDisabled"`
		} `json:"Policy"`
	}
	if err := c.getJSON(ctx, "/Users", nil, &raw); err != nil {
		return nil, fmt.Errorf("%s: listing users: %w", c.serverType, err)
	}

	users := make([]models.ServerUser, 0, len(raw))
	for _, u := range raw {
		if u.Policy.IsDisabled {
			c.logger.Debug().Str("user", u.Name).Msg("skipping disabled user")
			continue
		}
		c.userIDs[strings.ToLower(u.Name)] = u.ID
		users = append(users, models.ServerUser{Name: u.Name, IsAdmin: u.Policy.IsAdministrator})
	}
	c.logger.Info().Int("count", len(users)).Msg("found authorized users")
	return users, nil
}

func (c *Client) Libraries(ctx context.Context) (map[string]models.LibraryType, error) {
	var raw struct {
		Items []struct {
			Name           string `json:"Name"`
			ID             string `json:"Id"`
			CollectionType string `json:"CollectionType"`
		} `json:"Items"`
	}
	if err := c.getJSON(ctx, "/Library/MediaFolders", nil, &raw); err != nil {
		return nil, fmt.Errorf("%s: listing libraries: %w", c.serverType, err)
	}

	out := make(map[string]models.LibraryType)
	for _, lib := range raw.Items {
		var typ models.LibraryType
		switch lib.CollectionType {
		case "movies":
			typ = models.LibraryTypeMovie
		case "tvshows":
			typ = models.LibraryTypeShow
		default:
			c.logger.Debug().Str("library", lib.Name).Str("type", lib.CollectionType).Msg("skipping library of unsupported type")
			continue
		}
		c.libraryIDs[lib.Name] = lib.ID
		out[lib.Name] = typ
	}
	c.logger.Info().Int("count", len(out)).Msg("found libraries")
	return out, nil
}

// userID resolves a server-local user name, also trying the mapping table.
func (c *Client) userID(name string, userMapping map[string]string) (string, bool) {
	if id, ok := c.userIDs[strings.ToLower(name)]; ok {
		return id, true
	}
	if mapped := models.MapName(userMapping, name); mapped != "" {
		if id, ok := c.userIDs[strings.ToLower(mapped)]; ok {
			return id, true
		}
	}
	return "", false
}

func (c *Client) libraryID(name string, libraryMapping map[string]string) (string, bool) {
	if id, ok := c.libraryIDs[name]; ok {
		return id, true
	}
	for known, id := range c.libraryIDs {
		if strings.EqualFold(known, name) {
			return id, true
		}
	}
	if mapped := models.MapName(libraryMapping, name); mapped != "" {
		for known, id := range c.libraryIDs {
			if strings.EqualFold(known, mapped) {
				return id, true
			}
		}
	}
	return "", false
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, dst any) error {
	body, err := c.do(ctx, http.MethodGet, path, query, nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("parsing %s response: %w", path, err)
	}
	return nil
}

// do performs one API request with rate limiting and retry on transient
// failures. Mutating callers are expected to have checked dryrun already.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, payload any) ([]byte, error) {
	u := c.url + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var body []byte
	err := retry.Do(func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return retry.Unrecoverable(err)
		}

		var reader io.Reader
		if payload != nil {
			data, err := json.Marshal(payload)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			reader = strings.NewReader(string(data))
		}

		req, err := http.NewRequestWithContext(ctx, method, u, reader)
		if err != nil {
			return retry.Unrecoverable(err)
		}
		req.Header.Set("X-Emby-Token", c.apiKey)
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return err
		}
		defer httputil.DrainBody(resp)

		if resp.StatusCode >= 500 {
			return fmt.Errorf("%s returned status %d", c.serverType, resp.StatusCode)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return retry.Unrecoverable(fmt.Errorf("%s returned status %d for %s", c.serverType, resp.StatusCode, path))
		}

		body, err = io.ReadAll(io.LimitReader(resp.Body, httputil.MaxResponseBody))
		return err
	},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
	)
	return body, err
}
