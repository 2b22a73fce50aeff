// Package plex implements the Plex driver against the raw XML API, including
// plex.tv account login and per-user server connections for shared users.
package plex

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"watchsync/internal/httputil"
	"watchsync/internal/log"
	"watchsync/internal/models"
)

// plexTVBaseURL is a var so tests can point account and user lookups at a
// fixture server.
var plexTVBaseURL = "https://plex.tv"

const clientIdentifier = "watchsync"

type Config struct {
	BaseURL    string
	Token      string
	Username   string
	Password   string
	ServerName string

	SSLBypass         bool
	GenerateGUIDs     bool
	GenerateLocations bool
}

type Server struct {
	url        string
	token      string
	serverName string
	machineID  string

	client  *http.Client
	limiter *rate.Limiter
	logger  zerolog.Logger

	generateGUIDs     bool
	generateLocations bool

	adminUser string

	// user tokens by lower-case name, resolved once per process
	tokenMu    sync.Mutex
	userTokens map[string]string

	libraryKeys map[string]string // library title -> section key
}

// New connects either directly with BaseURL+Token or through a plex.tv
// account, then resolves the machine identifier and admin user.
func New(ctx context.Context, cfg Config) (*Server, error) {
	s := &Server{
		token:             cfg.Token,
		client:            httputil.NewClient(httputil.DefaultTimeout, cfg.SSLBypass),
		limiter:           rate.NewLimiter(20, 10),
		generateGUIDs:     cfg.GenerateGUIDs,
		generateLocations: cfg.GenerateLocations,
		userTokens:        make(map[string]string),
		libraryKeys:       make(map[string]string),
	}

	switch {
	case cfg.BaseURL != "" && cfg.Token != "":
		if err := httputil.ValidateServerURL(cfg.BaseURL); err != nil {
			return nil, fmt.Errorf("plex: %w", err)
		}
		s.url = strings.TrimRight(cfg.BaseURL, "/")
	case cfg.Username != "" && cfg.Password != "" && cfg.ServerName != "":
		if err := s.accountLogin(ctx, cfg.Username, cfg.Password, cfg.ServerName); err != nil {
			return nil, fmt.Errorf("plex: logging in as %s: %w", cfg.Username, err)
		}
	default:
		return nil, fmt.Errorf("plex: no complete credentials provided")
	}

	var identity struct {
		MachineIdentifier string `xml:"machineIdentifier,attr"`
	}
	if err := s.getXML(ctx, s.url+"/identity", s.token, nil, &identity); err != nil {
		return nil, fmt.Errorf("plex: connecting to %s: %w", s.url, err)
	}
	s.machineID = identity.MachineIdentifier

	var root struct {
		FriendlyName string `xml:"friendlyName,attr"`
	}
	if err := s.getXML(ctx, s.url+"/", s.token, nil, &root); err != nil {
		return nil, fmt.Errorf("plex: reading server info: %w", err)
	}
	s.serverName = root.FriendlyName
	s.logger = log.WithServer(s.serverName)

	var account struct {
		Username string `xml:"username,attr"`
		Title    string `xml:"title,attr"`
	}
	if err := s.getXML(ctx, plexTVBaseURL+"/users/account", s.token, nil, &account); err != nil {
		return nil, fmt.Errorf("plex: resolving account: %w", err)
	}
	s.adminUser = firstNonEmpty(account.Username, account.Title)
	s.userTokens[strings.ToLower(s.adminUser)] = s.token

	return s, nil
}

// accountLogin signs in to plex.tv and resolves the named server resource to a
// connection URL and access token.
func (s *Server) accountLogin(ctx context.Context, username, password, serverName string) error {
	signIn, err := http.NewRequestWithContext(ctx, http.MethodPost, plexTVBaseURL+"/users/sign_in.xml", nil)
	if err != nil {
		return err
	}
	signIn.SetBasicAuth(username, password)
	signIn.Header.Set("X-Plex-Client-Identifier", clientIdentifier)
	signIn.Header.Set("X-Plex-Product", clientIdentifier)

	resp, err := s.client.Do(signIn)
	if err != nil {
		return err
	}
	body, err := readBody(resp)
	if err != nil {
		return err
	}

	var user struct {
		AuthToken string `xml:"authenticationToken,attr"`
	}
	if err := xml.Unmarshal(body, &user); err != nil {
		return fmt.Errorf("parsing sign-in response: %w", err)
	}
	if user.AuthToken == "" {
		return fmt.Errorf("sign-in returned no token")
	}

	var resources struct {
		Devices []struct {
			Name        string `xml:"name,attr"`
			Provides    string `xml:"provides,attr"`
			AccessToken string `xml:"accessToken,attr"`
			Connections []struct {
				URI   string `xml:"uri,attr"`
				Local string `xml:"local,attr"`
			} `xml:"Connection"`
		} `xml:"Device"`
	}
	if err := s.getXML(ctx, plexTVBaseURL+"/api/resources", user.AuthToken,
		url.Values{"includeHttps": {"1"}}, &resources); err != nil {
		return fmt.Errorf("listing resources: %w", err)
	}

	for _, device := range resources.Devices {
		if device.Name != serverName || !strings.Contains(device.Provides, "server") {
			continue
		}
		uri := ""
		for _, conn := range device.Connections {
			if uri == "" || conn.Local != "1" {
				uri = conn.URI
			}
		}
		if uri == "" {
			return fmt.Errorf("server %q has no usable connection", serverName)
		}
		s.url = strings.TrimRight(uri, "/")
		s.token = device.AccessToken
		return nil
	}
	return fmt.Errorf("server %q not found on account", serverName)
}

func (s *Server) Info() string      { return s.serverName }
func (s *Server) MachineID() string { return s.machineID }
func (s *Server) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

// Users returns the admin account plus every plex.tv friend the server is
// shared with. Friends without access to this machine are skipped.
func (s *Server) Users(ctx context.Context) ([]models.ServerUser, error) {
	var friends struct {
		Users []struct {
			Title    string `xml:"title,attr"`
			Username string `xml:"username,attr"`
			Servers  []struct {
				MachineIdentifier string `xml:"machineIdentifier,attr"`
			} `xml:"Server"`
		} `xml:"User"`
	}
	if err := s.getXML(ctx, plexTVBaseURL+"/api/users", s.token, nil, &friends); err != nil {
		return nil, fmt.Errorf("plex: listing shared users: %w", err)
	}

	users := []models.ServerUser{{Name: s.adminUser, IsAdmin: true}}
	for _, friend := range friends.Users {
		hasAccess := false
		for _, srv := range friend.Servers {
			if srv.MachineIdentifier == s.machineID {
				hasAccess = true
				break
			}
		}
		name := firstNonEmpty(friend.Username, friend.Title)
		if !hasAccess {
			s.logger.Debug().Str("user", name).Msg("user skipped, no access to server")
			continue
		}
		users = append(users, models.ServerUser{Name: name})
	}
	s.logger.Info().Int("count", len(users)).Msg("found authorized users")
	return users, nil
}

func (s *Server) Libraries(ctx context.Context) (map[string]models.LibraryType, error) {
	var sections struct {
		Directories []struct {
			Key   string `xml:"key,attr"`
			Title string `xml:"title,attr"`
			Type  string `xml:"type,attr"`
		} `xml:"Directory"`
	}
	if err := s.getXML(ctx, s.url+"/library/sections", s.token, nil, &sections); err != nil {
		return nil, fmt.Errorf("plex: listing libraries: %w", err)
	}

	out := make(map[string]models.LibraryType)
	for _, dir := range sections.Directories {
		switch dir.Type {
		case "movie":
			out[dir.Title] = models.LibraryTypeMovie
		case "show":
			out[dir.Title] = models.LibraryTypeShow
		default:
			s.logger.Debug().Str("library", dir.Title).Str("type", dir.Type).Msg("skipping library of unsupported type")
			continue
		}
		s.libraryKeys[dir.Title] = dir.Key
	}
	s.logger.Info().Int("count", len(out)).Msg("found libraries")
	return out, nil
}

// userToken resolves the server access token for a user, fetching the shared
// server list from plex.tv once and caching the result.
func (s *Server) userToken(ctx context.Context, name string) (string, error) {
	s.tokenMu.Lock()
	defer s.tokenMu.Unlock()

	if token, ok := s.userTokens[strings.ToLower(name)]; ok {
		return token, nil
	}

	var shared struct {
		SharedServers []struct {
			Username    string `xml:"username,attr"`
			AccessToken string `xml:"accessToken,attr"`
		} `xml:"SharedServer"`
	}
	if err := s.getXML(ctx, plexTVBaseURL+"/api/servers/"+s.machineID+"/shared_servers", s.token, nil, &shared); err != nil {
		return "", fmt.Errorf("plex: listing shared servers: %w", err)
	}
	for _, srv := range shared.SharedServers {
		if srv.Username != "" && srv.AccessToken != "" {
			s.userTokens[strings.ToLower(srv.Username)] = srv.AccessToken
		}
	}

	if token, ok := s.userTokens[strings.ToLower(name)]; ok {
		return token, nil
	}
	return "", fmt.Errorf("plex: no access token for user %q", name)
}

func (s *Server) getXML(ctx context.Context, rawURL, token string, query url.Values, dst any) error {
	body, err := s.do(ctx, http.MethodGet, rawURL, token, query)
	if err != nil {
		return err
	}
	if err := xml.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("parsing %s response: %w", rawURL, err)
	}
	return nil
}

func (s *Server) do(ctx context.Context, method, rawURL, token string, query url.Values) ([]byte, error) {
	u := rawURL
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var body []byte
	err := retry.Do(func() error {
		if err := s.limiter.Wait(ctx); err != nil {
			return retry.Unrecoverable(err)
		}
		req, err := http.NewRequestWithContext(ctx, method, u, nil)
		if err != nil {
			return retry.Unrecoverable(err)
		}
		req.Header.Set("X-Plex-Token", token)
		req.Header.Set("X-Plex-Client-Identifier", clientIdentifier)
		req.Header.Set("Accept", "application/xml")

		resp, err := s.client.Do(req)
		if err != nil {
			return err
		}
		if resp.StatusCode >= 500 {
			httputil.DrainBody(resp)
			return fmt.Errorf("plex returned status %d", resp.StatusCode)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			httputil.DrainBody(resp)
			return retry.Unrecoverable(fmt.Errorf("plex returned status %d for %s", resp.StatusCode, rawURL))
		}
		body, err = readBody(resp)
		return err
	},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
	)
	return body, err
}

func readBody(resp *http.Response) ([]byte, error) {
	defer httputil.DrainBody(resp)
	return io.ReadAll(io.LimitReader(resp.Body, httputil.MaxResponseBody))
}

func atoi64(s string) int64 {
	v, _ := strconv.ParseInt(s, 10, 64)
	return v
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
