// Package authclient is the client-side session manager for the LearnHub
// auth service. It holds the token pair, attaches it to requests, refreshes
// it before and after expiry, and persists it through a TokenStore.
package authclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/Mega-0064/Learning-Platform/pkg/httpclient"
)

// State is the session state of a Manager.
type State int

const (
	StateAnonymous State = iota
	StateAuthenticated
	StateRefreshing
)

func (s State) String() string {
	switch s {
	case StateAuthenticated:
		return "authenticated"
	case StateRefreshing:
		return "refreshing"
	default:
		return "anonymous"
	}
}

// Event is delivered to subscribers when the session changes.
type Event int

const (
	EventAuthenticated Event = iota + 1
	EventRefreshed
	EventLoggedOut
	EventSessionExpired
)

func (e Event) String() string {
	switch e {
	case EventAuthenticated:
		return "authenticated"
	case EventRefreshed:
		return "refreshed"
	case EventLoggedOut:
		return "logged_out"
	case EventSessionExpired:
		return "session_expired"
	default:
		return "unknown"
	}
}

const (
	defaultPathPrefix     = "/auth"
	defaultRefreshRatio   = 0.75
	defaultRefreshTimeout = 30 * time.Second
	maxResponseBody       = 1 << 20
	correlationHeader     = "X-Correlation-ID"
	refreshKey            = "refresh"
)

// Config configures a Manager.
type Config struct {
	// BaseURL is the auth service origin, e.g. https://api.learnhub.dev.
	BaseURL string
	// PathPrefix is where the auth routes are mounted. Defaults to /auth.
	PathPrefix string
	// Doer sends requests. Defaults to NewResilientDoer.
	Doer httpclient.Doer
	// Store persists the session. Defaults to a MemoryStore.
	Store  TokenStore
	Logger *slog.Logger
}

// NewResilientDoer returns the default transport: an httpclient.Client that
// retries network errors and 5xx responses, behind a circuit breaker.
func NewResilientDoer(logger *slog.Logger) httpclient.Doer {
	return httpclient.NewCircuitBreakerClient(
		httpclient.New(httpclient.DefaultConfig()),
		httpclient.DefaultCircuitBreakerConfig("auth-service"),
		logger,
	)
}

// Manager owns a client session: the token pair, its persistence, the
// proactive refresh timer and the expiry subscribers. At most one refresh
// call is in flight at a time; concurrent callers share its outcome.
type Manager struct {
	baseURL        string
	prefix         string
	doer           httpclient.Doer
	store          TokenStore
	logger         *slog.Logger
	now            func() time.Time
	ratio          float64
	refreshTimeout time.Duration

	group singleflight.Group

	mu      sync.Mutex
	state   State
	session *Session
	// generation changes whenever the session is replaced or cleared so a
	// refresh that started under an older session can be discarded.
	generation  uint64
	timer       *time.Timer
	timerSeq    uint64
	closed      bool
	subscribers map[uint64]func(Event)
	nextSub     uint64
}

// New creates an anonymous Manager. Call Restore to pick up a stored session.
func New(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	prefix := cfg.PathPrefix
	if prefix == "" {
		prefix = defaultPathPrefix
	}
	doer := cfg.Doer
	if doer == nil {
		doer = NewResilientDoer(logger)
	}
	store := cfg.Store
	if store == nil {
		store = NewMemoryStore()
	}

	return &Manager{
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		prefix:         "/" + strings.Trim(prefix, "/"),
		doer:           doer,
		store:          store,
		logger:         logger,
		now:            time.Now,
		ratio:          defaultRefreshRatio,
		refreshTimeout: defaultRefreshTimeout,
		subscribers:    make(map[uint64]func(Event)),
	}
}

// State returns the current session state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsAuthenticated reports whether an access token is held.
func (m *Manager) IsAuthenticated() bool {
	return m.AccessToken() != ""
}

// AccessToken returns the current access token or "".
func (m *Manager) AccessToken() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return ""
	}
	return m.session.AccessToken
}

// Session returns a copy of the held session.
func (m *Manager) Session() (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return Session{}, false
	}
	return *m.session, true
}

// Subscribe registers fn for session events and returns a function that
// removes it. fn runs on the goroutine that changed the session and must
// not block.
func (m *Manager) Subscribe(fn func(Event)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subscribers[id] = fn
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subscribers, id)
			m.mu.Unlock()
		})
	}
}

func (m *Manager) notify(ev Event) {
	m.mu.Lock()
	subs := make([]func(Event), 0, len(m.subscribers))
	for _, fn := range m.subscribers {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	for _, fn := range subs {
		fn(ev)
	}
}

// --- Authentication ---

// Login authenticates with email and password and starts a session.
func (m *Manager) Login(ctx context.Context, email, password string) (*AuthResult, error) {
	return m.authenticate(ctx, "/login", loginRequest{Email: email, Password: password})
}

// Register creates an account and starts a session with the returned tokens.
func (m *Manager) Register(ctx context.Context, req RegisterRequest) (*AuthResult, error) {
	return m.authenticate(ctx, "/register", req)
}

// SocialAuth signs in through an external provider and starts a session.
func (m *Manager) SocialAuth(ctx context.Context, provider, token string, profile SocialProfile) (*AuthResult, error) {
	return m.authenticate(ctx, "/social/"+url.PathEscape(provider), socialRequest{Token: token, Profile: profile})
}

func (m *Manager) authenticate(ctx context.Context, path string, body any) (*AuthResult, error) {
	resp, err := m.post(ctx, path, body, "")
	if err != nil {
		return nil, err
	}
	result, err := decodeData[AuthResult](resp)
	if err != nil {
		return nil, err
	}
	if result.Tokens == nil || result.Tokens.AccessToken == "" {
		return nil, fmt.Errorf("%w: response carried no tokens", ErrUnknown)
	}

	m.mu.Lock()
	m.generation++
	m.installLocked(ctx, *result.Tokens)
	m.mu.Unlock()

	m.notify(EventAuthenticated)
	return &result, nil
}

// Me returns the authenticated user.
func (m *Manager) Me(ctx context.Context) (*User, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.url("/me"), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create me request: %w", err)
	}
	resp, err := m.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	if !success(resp.StatusCode) {
		return nil, parseAPIError(resp)
	}
	user, err := decodeData[User](resp)
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// Logout clears the session and the store, cancels the refresh timer and
// tells the server to revoke the refresh token. The server call is best
// effort; its failure is logged and not returned. A refresh still in flight
// is discarded when it completes.
func (m *Manager) Logout(ctx context.Context) error {
	m.mu.Lock()
	if m.session == nil {
		m.mu.Unlock()
		return nil
	}
	s := *m.session
	err := m.clearLocked(ctx)
	m.mu.Unlock()

	m.revokeOnServer(ctx, s)
	m.notify(EventLoggedOut)
	return err
}

func (m *Manager) revokeOnServer(ctx context.Context, s Session) {
	resp, err := m.post(ctx, "/logout", logoutRequest{RefreshToken: s.RefreshToken}, s.AccessToken)
	if err != nil {
		m.logger.WarnContext(ctx, "server logout failed", slog.String("error", err.Error()))
		return
	}
	drain(resp)
}

// Restore loads a stored session. An expired session is refreshed once; if
// it has no refresh token or the refresh fails it is cleared and
// ErrSessionExpired is returned. Restore is a no-op when nothing is stored.
func (m *Manager) Restore(ctx context.Context) error {
	stored, err := m.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if stored == nil {
		return nil
	}

	m.mu.Lock()
	m.generation++
	m.session = stored
	m.state = StateAuthenticated

	if !stored.Expired(m.now()) {
		m.scheduleLocked(stored.ExpiresAt().Sub(m.now()))
		m.mu.Unlock()
		return nil
	}

	if stored.RefreshToken == "" {
		_ = m.clearLocked(ctx)
		m.mu.Unlock()
		m.notify(EventSessionExpired)
		return ErrSessionExpired
	}
	m.mu.Unlock()

	_, err = m.refresh(ctx, stored.AccessToken)
	return err
}

// Close stops the proactive refresh timer. The session itself is kept.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.stopTimerLocked()
}

// --- Authorized requests ---

// Do sends req with the current access token. On a 401 it waits for the
// shared refresh and replays the request once with the new token; if
// another caller already refreshed, the replay happens without a new
// refresh. Requests whose body cannot be rewound through GetBody are not
// replayed and the 401 is returned as is. The caller owns the response.
func (m *Manager) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	token := m.AccessToken()

	resp, err := m.send(ctx, withBearer(ctx, req, token))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized || token == "" || !rewindable(req) {
		return resp, nil
	}
	drain(resp)

	fresh, err := m.refresh(ctx, token)
	if err != nil {
		return nil, err
	}

	retry := withBearer(ctx, req, fresh)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("rewind request body: %w", err)
		}
		retry.Body = body
	}
	return m.send(ctx, retry)
}

// refresh returns an access token newer than used, joining the in-flight
// refresh if there is one.
func (m *Manager) refresh(ctx context.Context, used string) (string, error) {
	ch := m.group.DoChan(refreshKey, func() (any, error) {
		return m.doRefresh(used)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (m *Manager) doRefresh(used string) (string, error) {
	m.mu.Lock()
	if m.session == nil {
		m.mu.Unlock()
		return "", ErrNoSession
	}
	if m.session.AccessToken != used {
		token := m.session.AccessToken
		m.mu.Unlock()
		return token, nil
	}
	if m.session.RefreshToken == "" {
		m.mu.Unlock()
		return "", ErrNoSession
	}
	gen := m.generation
	refreshToken := m.session.RefreshToken
	m.state = StateRefreshing
	m.mu.Unlock()

	// Detached from any single caller so one canceled request does not fail
	// the others waiting on the same refresh.
	ctx, cancel := context.WithTimeout(context.Background(), m.refreshTimeout)
	defer cancel()

	pair, err := m.requestRefresh(ctx, refreshToken)

	m.mu.Lock()
	if gen != m.generation {
		// Logged out or replaced while the call was in flight.
		var token string
		if m.session != nil {
			token = m.session.AccessToken
		}
		m.mu.Unlock()
		if token == "" {
			return "", ErrNoSession
		}
		return token, nil
	}

	if err != nil {
		// Any failure ends the session; the old tokens are never sent again.
		_ = m.clearLocked(ctx)
		m.mu.Unlock()

		m.logger.Warn("token refresh failed, session cleared", slog.String("error", err.Error()))
		m.notify(EventSessionExpired)
		return "", fmt.Errorf("%w: %w", ErrSessionExpired, err)
	}

	m.installLocked(ctx, pair)
	token := pair.AccessToken
	m.mu.Unlock()

	m.notify(EventRefreshed)
	return token, nil
}

func (m *Manager) requestRefresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	resp, err := m.post(ctx, "/refresh-token", refreshRequest{RefreshToken: refreshToken}, "")
	if err != nil {
		return TokenPair{}, err
	}
	pair, err := decodeData[TokenPair](resp)
	if err != nil {
		return TokenPair{}, err
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		return TokenPair{}, fmt.Errorf("%w: refresh response carried no tokens", ErrUnknown)
	}
	return pair, nil
}

// --- Session bookkeeping (m.mu held) ---

func (m *Manager) installLocked(ctx context.Context, pair TokenPair) {
	lifetime := time.Duration(pair.ExpiresIn) * time.Second
	s := Session{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		TokenExpiry:  m.now().Add(lifetime).UnixMilli(),
	}
	m.session = &s
	m.state = StateAuthenticated
	m.scheduleLocked(lifetime)

	if err := m.store.Save(ctx, s); err != nil {
		m.logger.WarnContext(ctx, "failed to persist session", slog.String("error", err.Error()))
	}
}

func (m *Manager) clearLocked(ctx context.Context) error {
	m.generation++
	m.session = nil
	m.state = StateAnonymous
	m.stopTimerLocked()

	if err := m.store.Clear(ctx); err != nil {
		m.logger.WarnContext(ctx, "failed to clear stored session", slog.String("error", err.Error()))
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}

// scheduleLocked arms the proactive refresh at ratio of lifetime.
func (m *Manager) scheduleLocked(lifetime time.Duration) {
	m.stopTimerLocked()
	if m.closed || lifetime <= 0 {
		return
	}

	seq := m.timerSeq
	delay := time.Duration(float64(lifetime) * m.ratio)
	m.timer = time.AfterFunc(delay, func() { m.proactiveRefresh(seq) })
}

// stopTimerLocked cancels the timer. Bumping timerSeq also disarms a
// callback that already fired but has not taken the lock yet.
func (m *Manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.timerSeq++
}

func (m *Manager) proactiveRefresh(seq uint64) {
	m.mu.Lock()
	if seq != m.timerSeq || m.closed || m.session == nil {
		m.mu.Unlock()
		return
	}
	token := m.session.AccessToken
	m.mu.Unlock()

	if _, err := m.refresh(context.Background(), token); err != nil {
		m.logger.Warn("proactive token refresh failed", slog.String("error", err.Error()))
	}
}

// --- Transport ---

func (m *Manager) url(path string) string {
	return m.baseURL + m.prefix + path
}

// post sends a JSON body and returns the response when it is 2xx.
// Anything else is converted into an error.
func (m *Manager) post(ctx context.Context, path string, body any, bearer string) (*http.Response, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.url(path), bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := m.send(ctx, req)
	if err != nil {
		return nil, err
	}
	if !success(resp.StatusCode) {
		return nil, parseAPIError(resp)
	}
	return resp, nil
}

func (m *Manager) send(ctx context.Context, req *http.Request) (*http.Response, error) {
	if req.Header.Get(correlationHeader) == "" {
		req.Header.Set(correlationHeader, uuid.NewString())
	}
	resp, err := m.doer.Do(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %w", ErrNetwork, req.Method, req.URL.Path, err)
	}
	return resp, nil
}

// withBearer returns a copy of req carrying token. The caller's request is
// never modified.
func withBearer(ctx context.Context, req *http.Request, token string) *http.Request {
	out := req.Clone(ctx)
	if token != "" {
		out.Header.Set("Authorization", "Bearer "+token)
	}
	return out
}

func rewindable(req *http.Request) bool {
	return req.Body == nil || req.Body == http.NoBody || req.GetBody != nil
}

func success(status int) bool {
	return status >= 200 && status < 300
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBody))
	_ = resp.Body.Close()
}

func decodeData[T any](resp *http.Response) (T, error) {
	defer func() { _ = resp.Body.Close() }()

	var env struct {
		Data T `json:"data"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBody)).Decode(&env); err != nil {
		var zero T
		return zero, fmt.Errorf("%w: decode response: %w", ErrUnknown, err)
	}
	return env.Data, nil
}
