package backend

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	surrealdb "github.com/surrealdb/surrealdb.go"
	"github.com/surrealdb/surrealdb.go/pkg/connection"
	"github.com/surrealdb/surrealdb.go/pkg/models"

	"github.com/nfrund/blenny/internal/domain"
	"github.com/nfrund/blenny/internal/kvstore"
)

// sessionTokenKey is where the auth token is persisted between restarts.
const sessionTokenKey = "session.token"

// feedCleanupTimeout bounds the KILL round-trip when a feed is released.
const feedCleanupTimeout = 5 * time.Second

// identPattern accepts the table, field and function names we are willing
// to interpolate into a statement. Everything else goes through parameters.
var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// SurrealClient implements Client against SurrealDB. The underlying
// connection is shared; session state and listeners are guarded by mu.
type SurrealClient struct {
	db    *surrealdb.DB
	cfg   Config
	store kvstore.Store

	mu        sync.Mutex
	session   *domain.Session
	listeners map[int]func(*domain.Session)
	nextID    int
}

// New connects to the endpoint in cfg, selects its namespace and database,
// and restores any previously persisted session from store.
func New(ctx context.Context, cfg Config, store kvstore.Store) (*SurrealClient, error) {
	db, err := surrealdb.FromEndpointURLString(ctx, cfg.URL)
	if err != nil {
		return nil, WrapError(err, "connect")
	}
	if err := db.Use(ctx, cfg.Namespace, cfg.Database); err != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), feedCleanupTimeout)
		defer cancel()
		_ = db.Close(closeCtx)
		return nil, WrapError(err, "select namespace")
	}

	c := &SurrealClient{
		db:        db,
		cfg:       cfg,
		store:     store,
		listeners: make(map[int]func(*domain.Session)),
	}
	c.restoreSession(ctx)
	return c, nil
}

// NewFactory returns a Factory that persists session tokens in store.
func NewFactory(store kvstore.Store) Factory {
	return func(ctx context.Context, cfg Config) (Client, error) {
		return New(ctx, cfg, store)
	}
}

// restoreSession authenticates with a persisted token, if one exists and the
// remote service still accepts it. Failures clear the stale token.
func (c *SurrealClient) restoreSession(ctx context.Context) {
	token, ok, err := c.store.Get(ctx, sessionTokenKey)
	if err != nil {
		slog.Warn("Could not read persisted session token", "error", err)
		return
	}
	if !ok || token == "" {
		return
	}
	if err := c.db.Authenticate(ctx, token); err != nil {
		slog.Info("Persisted session token no longer valid", "error", err)
		if err := c.store.Delete(ctx, sessionTokenKey); err != nil {
			slog.Warn("Could not clear stale session token", "error", err)
		}
		return
	}
	sess := &domain.Session{Token: token}
	if user, err := c.fetchAuthUser(ctx); err != nil {
		slog.Warn("Could not load authenticated user record", "error", err)
	} else if user != nil {
		if user.ID != nil {
			sess.UserID = user.ID.String()
		}
		sess.Email = user.Email
	}
	c.setSession(sess)
	slog.Info("Restored persisted session", "user_id", sess.UserID)
}

// authUser is the shape of the record behind $auth.
type authUser struct {
	ID    *models.RecordID `json:"id"`
	Email string           `json:"email"`
}

func (c *SurrealClient) fetchAuthUser(ctx context.Context) (*authUser, error) {
	rows, err := queryRows[authUser](ctx, c.db, "SELECT * FROM $auth", nil)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func (c *SurrealClient) Session(ctx context.Context) (*domain.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session, nil
}

func (c *SurrealClient) SignIn(ctx context.Context, creds domain.Credentials) (*domain.Session, error) {
	token, err := c.db.SignIn(ctx, map[string]interface{}{
		"ns":       c.cfg.Namespace,
		"db":       c.cfg.Database,
		"ac":       c.cfg.Access,
		"email":    creds.Email,
		"password": creds.Password,
	})
	if err != nil {
		return nil, &RejectedError{Msg: err.Error()}
	}

	sess := &domain.Session{Token: token, Email: creds.Email}
	if user, err := c.fetchAuthUser(ctx); err != nil {
		slog.Warn("Could not load user record after sign-in", "error", err)
	} else if user != nil {
		if user.ID != nil {
			sess.UserID = user.ID.String()
		}
		if user.Email != "" {
			sess.Email = user.Email
		}
	}
	if err := c.store.Set(ctx, sessionTokenKey, token); err != nil {
		slog.Warn("Could not persist session token", "error", err)
	}
	c.setSession(sess)
	return sess, nil
}

func (c *SurrealClient) SignOut(ctx context.Context) error {
	if err := c.db.Invalidate(ctx); err != nil {
		return WrapError(err, "sign out")
	}
	if err := c.store.Delete(ctx, sessionTokenKey); err != nil {
		slog.Warn("Could not clear persisted session token", "error", err)
	}
	c.setSession(nil)
	return nil
}

func (c *SurrealClient) Select(ctx context.Context, table string, filter map[string]any, limit int) ([]map[string]any, error) {
	if !identPattern.MatchString(table) {
		return nil, fmt.Errorf("%w: table %q", ErrInvalidIdentifier, table)
	}

	query := "SELECT * FROM type::table($table)"
	params := map[string]any{"table": table}

	if len(filter) > 0 {
		fields := make([]string, 0, len(filter))
		for field := range filter {
			if !identPattern.MatchString(field) {
				return nil, fmt.Errorf("%w: field %q", ErrInvalidIdentifier, field)
			}
			fields = append(fields, field)
		}
		sort.Strings(fields)
		conds := make([]string, 0, len(fields))
		for i, field := range fields {
			param := fmt.Sprintf("f%d", i)
			conds = append(conds, fmt.Sprintf("%s = $%s", field, param))
			params[param] = filter[field]
		}
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := queryRows[map[string]any](ctx, c.db, query, params)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		out = append(out, normalizeRow(row))
	}
	return out, nil
}

func (c *SurrealClient) RPC(ctx context.Context, name string, args map[string]any) (any, error) {
	if !identPattern.MatchString(name) {
		return nil, fmt.Errorf("%w: function %q", ErrInvalidIdentifier, name)
	}
	if args == nil {
		args = map[string]any{}
	}
	query := fmt.Sprintf("RETURN fn::%s($args)", name)
	params := map[string]any{"args": args}

	rows, err := queryRows[any](ctx, c.db, query, params)
	if err != nil {
		return nil, &RejectedError{Msg: rootMessage(err)}
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return normalizeValue(rows[0]), nil
}

func (c *SurrealClient) Feed(ctx context.Context, key string, q FeedQuery, handler FeedHandler) error {
	if handler == nil {
		return fmt.Errorf("%w: nil handler", ErrFeedFailed)
	}
	if !identPattern.MatchString(q.Table) {
		return fmt.Errorf("%w: table %q", ErrInvalidIdentifier, q.Table)
	}

	query := fmt.Sprintf("LIVE SELECT * FROM %s", q.Table)
	if q.Where != "" {
		query = fmt.Sprintf("%s WHERE %s", query, q.Where)
	}
	params := q.Params
	if params == nil {
		params = map[string]any{}
	}

	results, err := surrealdb.Query[interface{}](ctx, c.db, query, params)
	if err != nil {
		return WrapQueryError(err, "open feed", query, params)
	}
	if results == nil || len(*results) == 0 {
		return WrapQueryError(ErrFeedFailed, "open feed", query, params)
	}
	first := (*results)[0]
	if first.Status != "OK" {
		return WrapQueryError(fmt.Errorf("%w: status %s", ErrFeedFailed, first.Status), "open feed", query, params)
	}

	liveID, err := liveQueryID(first.Result)
	if err != nil {
		return WrapQueryError(err, "open feed", query, params)
	}

	notifications, err := c.db.LiveNotifications(liveID)
	if err != nil {
		return WrapQueryError(err, "open feed", query, params)
	}

	slog.Debug("Change feed established", "key", key, "table", q.Table, "live_id", liveID)
	go c.consumeFeed(ctx, key, liveID, notifications, handler)
	return nil
}

// consumeFeed delivers notifications in order until ctx is canceled or the
// channel closes, then releases the live query.
func (c *SurrealClient) consumeFeed(ctx context.Context, key, liveID string, notifications chan connection.Notification, handler FeedHandler) {
	defer c.killFeed(key, liveID)
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-notifications:
			if !ok {
				slog.Warn("Change feed closed by remote", "key", key, "live_id", liveID)
				return
			}
			c.dispatchFeedEvent(ctx, key, n, handler)
		}
	}
}

func (c *SurrealClient) dispatchFeedEvent(ctx context.Context, key string, n connection.Notification, handler FeedHandler) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Feed handler panicked", "key", key, "panic", r)
		}
	}()
	handler(ctx, FeedEvent{
		Action: feedAction(n.Action),
		Data:   normalizeValue(n.Result),
	})
}

func (c *SurrealClient) killFeed(key, liveID string) {
	cleanupCtx, cancel := context.WithTimeout(context.Background(), feedCleanupTimeout)
	defer cancel()

	if err := c.db.CloseLiveNotifications(liveID); err != nil {
		slog.Warn("Could not close feed notification channel", "key", key, "error", err)
	}
	_, err := surrealdb.Query[any](cleanupCtx, c.db, "KILL $liveQueryID", map[string]interface{}{
		"liveQueryID": liveID,
	})
	if err != nil {
		slog.Warn("Could not kill live query", "key", key, "live_id", liveID, "error", err)
		return
	}
	slog.Debug("Change feed released", "key", key, "live_id", liveID)
}

func (c *SurrealClient) OnSessionChange(fn func(*domain.Session)) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

func (c *SurrealClient) Close(ctx context.Context) error {
	return c.db.Close(ctx)
}

// setSession swaps the snapshot and fires listeners outside the lock.
func (c *SurrealClient) setSession(s *domain.Session) {
	c.mu.Lock()
	c.session = s
	fns := make([]func(*domain.Session), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(s)
	}
}

// queryRows runs one statement and returns the rows of its first result.
func queryRows[T any](ctx context.Context, db *surrealdb.DB, query string, params map[string]any) ([]T, error) {
	results, err := surrealdb.Query[[]T](ctx, db, query, params)
	if err != nil {
		return nil, WrapQueryError(err, "query", query, params)
	}
	if results == nil || len(*results) == 0 {
		return nil, nil
	}
	first := (*results)[0]
	if first.Status != "OK" {
		return nil, WrapQueryError(fmt.Errorf("%w: status %s", ErrQueryFailed, first.Status), "query", query, params)
	}
	return first.Result, nil
}

// liveQueryID extracts the live query identifier from the formats the
// server is known to return.
func liveQueryID(result interface{}) (string, error) {
	switch v := result.(type) {
	case string:
		return v, nil
	case models.UUID:
		return v.String(), nil
	case map[string]interface{}:
		if id, ok := v["id"].(string); ok {
			return id, nil
		}
		if id, ok := v["result"].(string); ok {
			return id, nil
		}
		return "", fmt.Errorf("%w: no id in %v", ErrFeedFailed, v)
	default:
		return "", fmt.Errorf("%w: unexpected live query result type %T", ErrFeedFailed, result)
	}
}

func feedAction(a connection.Action) string {
	switch a {
	case connection.CreateAction:
		return "create"
	case connection.UpdateAction:
		return "update"
	case connection.DeleteAction:
		return "delete"
	default:
		return strings.ToLower(string(a))
	}
}

// normalizeRow rewrites driver-specific value types into plain JSON-friendly
// ones, so rows survive a trip through encoding/json unchanged.
func normalizeRow(row map[string]any) map[string]any {
	out := make(map[string]any, len(row))
	for k, v := range row {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case models.RecordID:
		return t.String()
	case *models.RecordID:
		if t == nil {
			return nil
		}
		return t.String()
	case models.UUID:
		return t.String()
	case map[string]any:
		return normalizeRow(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = normalizeValue(item)
		}
		return out
	default:
		return v
	}
}

// rootMessage unwraps to the innermost error so a remote refusal surfaces
// the service's own words.
func rootMessage(err error) string {
	for {
		inner := unwrapOnce(err)
		if inner == nil {
			return err.Error()
		}
		err = inner
	}
}

func unwrapOnce(err error) error {
	u, ok := err.(interface{ Unwrap() error })
	if !ok {
		return nil
	}
	return u.Unwrap()
}
