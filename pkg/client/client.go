package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Client talks to the nodehost HTTP API.
type Client struct {
	baseURL string
	client  *http.Client
	tlsConf *tls.Config
	logger  *slog.Logger
	token   string
}

// Config holds client configuration
type Config struct {
	BaseURL  string
	Timeout  time.Duration
	Token    string
	Logger   *slog.Logger // Optional logger for client operations
	TLS      *TLSClientConfig
	Insecure bool // Skip TLS verification
}

// TLSClientConfig holds TLS configuration for client
type TLSClientConfig struct {
	CACert     string // CA certificate file path
	ClientCert string // Client certificate file
	ClientKey  string // Client private key file
	ServerName string // Server name for verification
	SkipVerify bool   // Skip certificate verification
}

const DefaultBaseURL = "http://localhost:3031"

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: DefaultBaseURL,
		Timeout: 30 * time.Second,
	}
}

// New creates a new API client.
func New(config Config) (*Client, error) {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	var tlsConf *tls.Config
	if config.TLS != nil || config.Insecure {
		var err error
		tlsConf, err = setupClientTLS(config)
		if err != nil {
			return nil, fmt.Errorf("TLS setup failed: %w", err)
		}
		transport.TLSClientConfig = tlsConf
	}

	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		tlsConf: tlsConf,
		logger:  config.Logger,
		token:   config.Token,
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
	}, nil
}

// SetToken sets the session token sent with every request.
func (c *Client) SetToken(token string) { c.token = token }

// Token returns the current session token.
func (c *Client) Token() string { return c.token }

// IsReachable checks that the controller answers its health endpoint.
func (c *Client) IsReachable(ctx context.Context) bool {
	err := c.do(ctx, http.MethodGet, "/healthz", nil, nil)
	if err != nil {
		c.logger.Debug("controller unreachable", "error", err)
	}
	return err == nil
}

// Login opens a session and keeps its token for subsequent calls.
func (c *Client) Login(ctx context.Context, login, password string) (*Token, error) {
	var t Token
	body := map[string]string{"login": login, "password": password}
	if err := c.doData(ctx, http.MethodPost, "/login", body, &t); err != nil {
		return nil, err
	}
	c.token = t.Token
	return &t, nil
}

func (c *Client) Logout(ctx context.Context) error {
	if err := c.do(ctx, http.MethodGet, "/logout", nil, nil); err != nil {
		return err
	}
	c.token = ""
	return nil
}

// Renew replaces the session token.
func (c *Client) Renew(ctx context.Context) (*Token, error) {
	var t Token
	if err := c.doData(ctx, http.MethodGet, "/token/renew", nil, &t); err != nil {
		return nil, err
	}
	c.token = t.Token
	return &t, nil
}

func (c *Client) Me(ctx context.Context) (*User, error) {
	var u User
	if err := c.doData(ctx, http.MethodGet, "/me", nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

func (c *Client) CreateUser(ctx context.Context, login, password string) (*User, error) {
	var u User
	body := map[string]string{"login": login, "password": password}
	if err := c.doData(ctx, http.MethodPost, "/user", body, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

func (c *Client) System(ctx context.Context) (SystemInfo, error) {
	var info SystemInfo
	if err := c.doData(ctx, http.MethodGet, "/system", nil, &info); err != nil {
		return nil, err
	}
	return info, nil
}

// ListNodes returns one page of nodes and the total count.
func (c *Client) ListNodes(ctx context.Context, opts ListOptions) ([]NodeView, int, error) {
	q := url.Values{}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Start > 0 {
		q.Set("start", strconv.Itoa(opts.Start))
	}
	if opts.Sort != "" {
		q.Set("sort", opts.Sort)
	}
	if opts.Desc {
		q.Set("desc", "true")
	}
	path := "/nodes"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out listEnvelope[NodeView]
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, 0, err
	}
	return out.Items, out.Total, nil
}

func (c *Client) GetNode(ctx context.Context, id string) (*NodeView, error) {
	var v NodeView
	if err := c.doData(ctx, http.MethodGet, "/node?id="+url.QueryEscape(id), nil, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func (c *Client) NodeTypes(ctx context.Context) ([]NodeType, error) {
	var out listEnvelope[NodeType]
	if err := c.do(ctx, http.MethodGet, "/node/types", nil, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

func (c *Client) CreateNode(ctx context.Context, req CreateNodeRequest) (*Node, error) {
	return c.nodeCall(ctx, http.MethodPost, "/node", req)
}

func (c *Client) UpdateNode(ctx context.Context, req UpdateNodeRequest) (*Node, error) {
	return c.nodeCall(ctx, http.MethodPut, "/node", req)
}

func (c *Client) DeleteNode(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/node?id="+url.QueryEscape(id), nil, nil)
}

// StartNode returns once the start has settled. A worker that failed during
// the settle window yields a node with Error set, not an error.
func (c *Client) StartNode(ctx context.Context, id string) (*Node, error) {
	return c.nodeCall(ctx, http.MethodPut, "/node/start", map[string]string{"id": id})
}

func (c *Client) StopNode(ctx context.Context, id string) (*Node, error) {
	return c.nodeCall(ctx, http.MethodPut, "/node/stop", map[string]string{"id": id})
}

func (c *Client) nodeCall(ctx context.Context, method, path string, body any) (*Node, error) {
	var n Node
	if err := c.doData(ctx, method, path, body, &n); err != nil {
		return nil, err
	}
	return &n, nil
}

// Upload sends a zip archive that is unpacked into the node directory.
func (c *Client) Upload(ctx context.Context, id, filename string, r io.Reader) error {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		err := func() error {
			if err := mw.WriteField("id", id); err != nil {
				return err
			}
			fw, err := mw.CreateFormFile("upload", filename)
			if err != nil {
				return err
			}
			if _, err := io.Copy(fw, r); err != nil {
				return err
			}
			return mw.Close()
		}()
		_ = pw.CloseWithError(err)
	}()

	req, err := c.newRequest(ctx, http.MethodPost, "/fileupload", pr)
	if err != nil {
		_ = pr.Close()
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return c.send(req, nil)
}

// Download writes the zipped node directory to w and returns the file name
// suggested by the server.
func (c *Client) Download(ctx context.Context, id string, w io.Writer) (string, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/download?id="+url.QueryEscape(id), nil)
	if err != nil {
		return "", err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode/100 != 2 {
		return "", decodeError(resp)
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		return "", fmt.Errorf("read archive: %w", err)
	}
	name := id + ".zip"
	if _, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition")); err == nil && params["filename"] != "" {
		name = params["filename"]
	}
	return name, nil
}

// Logs streams the live output of a running node to w until the worker
// exits or ctx is cancelled.
func (c *Client) Logs(ctx context.Context, id string, w io.Writer) error {
	u, err := url.Parse(c.baseURL + "/node/output/ws")
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.RawQuery = url.Values{"id": {id}}.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second, TLSClientConfig: c.tlsConf}
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Token "+c.token)
	}
	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			defer func() { _ = resp.Body.Close() }()
			return decodeError(resp)
		}
		return fmt.Errorf("dial output stream: %w", err)
	}
	defer func() { _ = conn.Close() }()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if _, err := w.Write(msg); err != nil {
			return err
		}
	}
}

// setupClientTLS configures TLS settings for HTTP client
func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	// Handle insecure mode (skip verification)
	if config.Insecure {
		tlsConfig.InsecureSkipVerify = true // #nosec G402 explicit opt-in
		return tlsConfig, nil
	}

	if config.TLS != nil {
		if config.TLS.SkipVerify {
			tlsConfig.InsecureSkipVerify = true // #nosec G402 explicit opt-in
		}
		if config.TLS.ServerName != "" {
			tlsConfig.ServerName = config.TLS.ServerName
		}
		if config.TLS.CACert != "" {
			if err := loadCACert(tlsConfig, config.TLS.CACert); err != nil {
				return nil, fmt.Errorf("failed to load CA certificate: %w", err)
			}
		}
		if config.TLS.ClientCert != "" && config.TLS.ClientKey != "" {
			cert, err := tls.LoadX509KeyPair(config.TLS.ClientCert, config.TLS.ClientKey)
			if err != nil {
				return nil, fmt.Errorf("failed to load client certificate: %w", err)
			}
			tlsConfig.Certificates = []tls.Certificate{cert}
		}
	}

	return tlsConfig, nil
}

// loadCACert loads CA certificate from file and adds it to TLS config
func loadCACert(tlsConfig *tls.Config, caCertPath string) error {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return fmt.Errorf("failed to read CA certificate file: %w", err)
	}

	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return errors.New("failed to parse CA certificate")
	}

	tlsConfig.RootCAs = caCertPool
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Token "+c.token)
	}
	return req, nil
}

// do sends body as JSON and decodes the response into out when non-nil.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		rdr = bytes.NewReader(data)
	}
	req, err := c.newRequest(ctx, method, path, rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req, out)
}

// doData is do for endpoints answering {"data": ...}.
func (c *Client) doData(ctx context.Context, method, path string, body, out any) error {
	var env envelope
	if err := c.do(ctx, method, path, body, &env); err != nil {
		return err
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) send(req *http.Request, out any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("HTTP request failed", "error", err, "url", req.URL.Path)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode/100 != 2 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}
	if err := json.NewDecoder(resp.Body).Decode(apiErr); err != nil || apiErr.Message == "" {
		apiErr.Status = resp.StatusCode
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}

// IsStatus reports whether err is an APIError with the given status.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}
