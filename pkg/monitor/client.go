// Copyright (C) 2025 Monclone Authors.
// See LICENSE for copying information.

// Package monitor implements the JSON-RPC 2.0 client for the Monitor
// API: authentication by token or by user/password, the optional
// post-auth password change, and typed wrappers over the method
// surface the replication engine uses.
package monitor

import (
	"context"
	"crypto/tls"
	"io"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/monclone/monclone/pkg/release"
)

var (
	// Error is the error class for monitor client errors.
	Error = errs.Class("monitor")

	// ErrAuth marks authentication and node-identity precondition
	// failures: bad credentials, missing permission, wrong target node.
	ErrAuth = errs.Class("monitor auth")

	mon = monkit.Package()
)

// Factory credentials of a fresh Monitor install. Used as the fallback
// login when the configured password is being rolled out.
const (
	DefaultUser     = "Admin"
	DefaultPassword = "zabbix"

	// SuperRoleID is the role id of the built-in super administrator.
	SuperRoleID = "3"

	// SuperGroup is the built-in administrators user group.
	SuperGroup = "Zabbix administrators"
)

// Config is the connection configuration for one Monitor node.
type Config struct {
	Endpoint       string        `help:"base URL of the monitor frontend" default:"http://localhost"`
	Node           string        `help:"expected server name of the target node" default:""`
	Token          string        `help:"api token, preferred over user and password" default:"" hidden:"true"`
	User           string        `help:"login user" default:"Admin"`
	Password       string        `help:"login password" default:"" hidden:"true"`
	SelfCert       bool          `help:"accept self signed certificates from the monitor" default:"false"`
	UpdatePassword bool          `help:"roll the login password after authentication" default:"false"`
	Timeout        time.Duration `help:"request timeout for monitor api calls" default:"5m0s"`

	// PlatformPassword is the hosting platform's generated default
	// password. Config file only, never a flag.
	PlatformPassword string `internal:"true"`
}

// Client talks JSON-RPC 2.0 to one Monitor node.
type Client struct {
	log    *zap.Logger
	config Config
	http   *http.Client
	url    string

	rel release.Rel

	mu                 sync.Mutex
	auth               string
	usingToken         bool
	needPasswordChange bool
}

// New constructs a client for the configured node. No network traffic
// happens until Connect.
func New(log *zap.Logger, config Config) *Client {
	transport := http.DefaultTransport
	if config.SelfCert {
		transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}
	return &Client{
		log:    log,
		config: config,
		http: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
		url: rpcURL(config.Endpoint),
	}
}

// Release returns the node's release as learned by Connect.
func (client *Client) Release() release.Rel { return client.rel }

// Node returns the configured node name.
func (client *Client) Node() string { return client.config.Node }

// Endpoint returns the API endpoint the client talks to.
func (client *Client) Endpoint() string { return client.config.Endpoint }

// Connect establishes an authenticated session: verifies the node
// identity when a node name is configured, learns the node release,
// and runs the credential ladder. A configured token wins over
// user/password; with UpdatePassword set, password auth is probed
// first with the configured password and then with the platform or
// factory default, leaving the actual change to ChangePassword.
func (client *Client) Connect(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	if client.config.Node != "" {
		if err := client.checkServerName(ctx); err != nil {
			return err
		}
	}

	client.rel, err = client.fetchRelease(ctx)
	if err != nil {
		return err
	}

	if client.config.Token == "" && client.config.Password == "" {
		return ErrAuth.New("no credentials for %s", client.config.Endpoint)
	}

	tokenValid := false
	if client.config.Token != "" {
		if err := client.verifyToken(ctx, client.config.Token); err == nil {
			tokenValid = true
			client.setAuth(client.config.Token, true)
			if !client.config.UpdatePassword {
				return client.ensureSuperAdmin(ctx)
			}
		} else {
			client.log.Debug("token rejected", zap.Error(err))
		}
	}

	passwordValid := false
	if client.config.Password != "" {
		session, err := client.login(ctx, client.config.User, client.config.Password)
		if err == nil {
			passwordValid = true
			if !tokenValid {
				client.setAuth(session, false)
			}
		} else if !client.config.UpdatePassword {
			if !tokenValid {
				return ErrAuth.New("incorrect credentials for %s", client.config.User)
			}
		} else {
			client.log.Debug("configured password rejected", zap.Error(err))
		}
	}

	// The configured password is not live yet: authenticate with the
	// platform or factory default so ChangePassword can roll it.
	if client.config.UpdatePassword && !passwordValid {
		current := DefaultPassword
		if client.config.PlatformPassword != "" {
			current = client.config.PlatformPassword
		}
		session, err := client.login(ctx, DefaultUser, current)
		if err != nil {
			return ErrAuth.New("cannot authenticate for password change: %v", err)
		}
		client.setAuth(session, false)
		client.needPasswordChange = true
	}

	return client.ensureSuperAdmin(ctx)
}

// ChangePassword rolls the configured user's password when Connect
// determined the configured one is not live yet, then re-authenticates
// with it. A missing target user is not an error.
func (client *Client) ChangePassword(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	if !client.needPasswordChange {
		client.log.Debug("no password change needed")
		return nil
	}

	idField, nameField := "userid", client.userNameField()
	users, err := client.Get(ctx, "user", map[string]interface{}{
		"output": []string{idField, nameField},
		"filter": map[string]interface{}{nameField: client.config.User},
	})
	if err != nil {
		return Error.Wrap(err)
	}
	if len(users) == 0 {
		client.log.Info("password change skipped: user does not exist",
			zap.String("user", client.config.User))
		return nil
	}

	current := DefaultPassword
	if client.config.PlatformPassword != "" {
		current = client.config.PlatformPassword
	}
	change := map[string]interface{}{
		idField:  users[0][idField],
		"passwd": client.config.Password,
	}
	if client.rel.AtLeast(release.R64) {
		change["current_passwd"] = current
	}
	if _, err := client.Update(ctx, "user", change); err != nil {
		return Error.New("failed to update password for %s: %v", client.config.User, err)
	}

	session, err := client.login(ctx, client.config.User, client.config.Password)
	if err != nil {
		return Error.New("re-login with changed password failed: %v", err)
	}
	client.setAuth(session, false)
	client.needPasswordChange = false
	client.log.Info("password updated", zap.String("user", client.config.User))
	return nil
}

// fetchRelease asks the node for its release. The call needs no auth.
func (client *Client) fetchRelease(ctx context.Context) (rel release.Rel, err error) {
	defer mon.Task()(&ctx)(&err)

	var version string
	if err := client.Do(ctx, "apiinfo.version", nil, &version); err != nil {
		return release.Rel{}, ErrAuth.New("cannot get release from %s: %v", client.config.Endpoint, err)
	}
	rel, err = release.Parse(version)
	if err != nil {
		return release.Rel{}, ErrAuth.Wrap(err)
	}
	return rel, nil
}

// verifyToken issues a cheap authenticated call with the token.
func (client *Client) verifyToken(ctx context.Context, token string) (err error) {
	defer mon.Task()(&ctx)(&err)

	client.setAuth(token, true)
	_, err = client.Get(ctx, "user", map[string]interface{}{
		"output": []string{"userid"},
		"limit":  1,
	})
	if err != nil {
		client.setAuth("", false)
	}
	return err
}

// login authenticates by user and password and returns the session id.
func (client *Client) login(ctx context.Context, user, password string) (session string, err error) {
	defer mon.Task()(&ctx)(&err)

	userKey := "user"
	if client.rel.AtLeast(release.R54) {
		userKey = "username"
	}
	err = client.Do(ctx, "user.login", map[string]interface{}{
		userKey:    user,
		"password": password,
	}, &session)
	if err != nil {
		return "", err
	}
	return session, nil
}

// ensureSuperAdmin verifies the authenticated user carries the super
// administrator role. Token sessions are trusted as issued.
func (client *Client) ensureSuperAdmin(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	if client.isTokenAuth() {
		return nil
	}

	nameField := client.userNameField()
	users, err := client.Get(ctx, "user", map[string]interface{}{
		"output": "extend",
		"filter": map[string]interface{}{nameField: client.config.User},
	})
	if err != nil || len(users) == 0 {
		return ErrAuth.New("cannot get %s information", client.config.User)
	}
	permit := "type"
	if client.rel.AtLeast(release.R52) {
		permit = "roleid"
	}
	if toString(users[0][permit]) != SuperRoleID {
		return ErrAuth.New("no super administrator permission for %s", client.config.User)
	}
	return nil
}

// userNameField returns the user login-name field for the node release.
func (client *Client) userNameField() string {
	if client.rel.AtLeast(release.R54) {
		return "username"
	}
	return "alias"
}

var serverNamePattern = regexp.MustCompile(`<div class="server-name">([a-zA-Z0-9-]*)</div>`)

// checkServerName scrapes the frontend page for the advertised server
// name and compares it with the configured node name, so a clone never
// lands on the wrong instance.
func (client *Client) checkServerName(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, client.config.Endpoint, nil)
	if err != nil {
		return Error.Wrap(err)
	}
	resp, err := client.http.Do(req)
	if err != nil {
		return ErrAuth.New("cannot get server name: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Error.Wrap(err)
	}
	if resp.StatusCode != http.StatusOK {
		return ErrAuth.New("cannot get server name: http status %d", resp.StatusCode)
	}
	match := serverNamePattern.FindStringSubmatch(string(body))
	if match == nil {
		return ErrAuth.New("server name not found at %s", client.config.Endpoint)
	}
	if match[1] != client.config.Node {
		return ErrAuth.New("wrong target node %s: server reports %s", client.config.Node, match[1])
	}
	return nil
}

func (client *Client) setAuth(auth string, token bool) {
	client.mu.Lock()
	defer client.mu.Unlock()
	client.auth = auth
	client.usingToken = token
}

func (client *Client) currentAuth() string {
	client.mu.Lock()
	defer client.mu.Unlock()
	return client.auth
}

func (client *Client) isTokenAuth() bool {
	client.mu.Lock()
	defer client.mu.Unlock()
	return client.usingToken
}

// rpcURL appends the RPC entry point to the frontend endpoint.
func rpcURL(endpoint string) string {
	endpoint = strings.TrimRight(endpoint, "/")
	if strings.HasSuffix(endpoint, "api_jsonrpc.php") {
		return endpoint
	}
	return endpoint + "/api_jsonrpc.php"
}
