package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/hl7ingest/internal/platform/auth"
	"github.com/ehr/hl7ingest/internal/platform/fhir"
)

const (
	IdempotencyKeyHeader      = "Idempotency-Key"
	IdempotencyReplayedHeader = "Idempotency-Replayed"

	DefaultIdempotencyTTL = 24 * time.Hour
)

// CachedResponse is a response kept for replay under an Idempotency-Key.
type CachedResponse struct {
	Method     string      `json:"method"`
	Path       string      `json:"path"`
	StatusCode int         `json:"status"`
	Headers    http.Header `json:"headers,omitempty"`
	Body       []byte      `json:"body"`
}

// IdempotencyStore persists cached responses. Get reports found=false for
// missing or expired keys.
type IdempotencyStore interface {
	Get(ctx context.Context, key string) (*CachedResponse, bool, error)
	Set(ctx context.Context, key string, resp *CachedResponse) error
}

// =========== memory ===========

type memoryEntry struct {
	resp      CachedResponse
	expiresAt time.Time
}

type MemoryIdempotencyStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	ttl     time.Duration
	nowFunc func() time.Time
}

func NewMemoryIdempotencyStore(ttl time.Duration) *MemoryIdempotencyStore {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	return &MemoryIdempotencyStore{entries: make(map[string]memoryEntry), ttl: ttl, nowFunc: time.Now}
}

func (s *MemoryIdempotencyStore) Get(_ context.Context, key string) (*CachedResponse, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return nil, false, nil
	}
	if s.nowFunc().After(e.expiresAt) {
		delete(s.entries, key)
		return nil, false, nil
	}
	cp := e.resp
	cp.Headers = e.resp.Headers.Clone()
	cp.Body = append([]byte(nil), e.resp.Body...)
	return &cp, true, nil
}

func (s *MemoryIdempotencyStore) Set(_ context.Context, key string, resp *CachedResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.nowFunc()
	for k, e := range s.entries {
		if now.After(e.expiresAt) {
			delete(s.entries, k)
		}
	}
	cp := *resp
	cp.Headers = resp.Headers.Clone()
	cp.Body = append([]byte(nil), resp.Body...)
	s.entries[key] = memoryEntry{resp: cp, expiresAt: now.Add(s.ttl)}
	return nil
}

// =========== redis ===========

type RedisIdempotencyStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisIdempotencyStore(client *redis.Client, prefix string, ttl time.Duration) *RedisIdempotencyStore {
	if prefix == "" {
		prefix = "hl7:idem:"
	}
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	return &RedisIdempotencyStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisIdempotencyStore) Get(ctx context.Context, key string) (*CachedResponse, bool, error) {
	body, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("idempotency: get: %w", err)
	}
	var resp CachedResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, false, fmt.Errorf("idempotency: decode: %w", err)
	}
	return &resp, true, nil
}

func (s *RedisIdempotencyStore) Set(ctx context.Context, key string, resp *CachedResponse) error {
	body, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("idempotency: encode: %w", err)
	}
	if err := s.client.Set(ctx, s.prefix+key, body, s.ttl).Err(); err != nil {
		return fmt.Errorf("idempotency: set: %w", err)
	}
	return nil
}

// =========== middleware ===========

// Idempotency replays the stored response for a repeated Idempotency-Key on
// POST requests. Keys are scoped to the authenticated user. A key reused for
// a different path is rejected with 422. Only responses below 500 are kept,
// so a retry after an outage runs again. Store failures are logged and the
// request proceeds unprotected.
func Idempotency(store IdempotencyStore, logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			key := req.Header.Get(IdempotencyKeyHeader)
			if req.Method != http.MethodPost || key == "" {
				return next(c)
			}
			if len(key) > 255 {
				return c.JSON(http.StatusBadRequest, fhir.NewOperationOutcome(
					fhir.IssueSeverityError, fhir.IssueTypeInvalid, "Idempotency-Key longer than 255 characters"))
			}
			scoped := auth.UserIDFromContext(req.Context()) + "|" + key
			log := logger.With().Str("request_id", RequestIDFrom(c)).Logger()

			cached, found, err := store.Get(req.Context(), scoped)
			if err != nil {
				log.Warn().Err(err).Msg("idempotency lookup failed")
			}
			if found {
				if cached.Method != req.Method || cached.Path != req.URL.Path {
					return c.JSON(http.StatusUnprocessableEntity, fhir.NewOperationOutcome(
						fhir.IssueSeverityError, fhir.IssueTypeBusinessRule,
						"Idempotency-Key was already used for a different request"))
				}
				h := c.Response().Header()
				for k, vals := range cached.Headers {
					h[k] = vals
				}
				if rid := RequestIDFrom(c); rid != "" {
					h.Set(RequestIDHeader, rid)
				}
				h.Set(IdempotencyReplayedHeader, "true")
				return c.Blob(cached.StatusCode, cached.Headers.Get(echo.HeaderContentType), cached.Body)
			}

			resp := c.Response()
			rec := &responseCapture{ResponseWriter: resp.Writer}
			resp.Writer = rec
			err = next(c)
			resp.Writer = rec.ResponseWriter
			if err != nil || resp.Status >= http.StatusInternalServerError {
				return err
			}

			entry := &CachedResponse{
				Method:     req.Method,
				Path:       req.URL.Path,
				StatusCode: resp.Status,
				Headers:    resp.Header().Clone(),
				Body:       rec.body.Bytes(),
			}
			if err := store.Set(context.WithoutCancel(req.Context()), scoped, entry); err != nil {
				log.Warn().Err(err).Msg("idempotency store failed")
			}
			return nil
		}
	}
}

// responseCapture tees the body written downstream.
type responseCapture struct {
	http.ResponseWriter
	body bytes.Buffer
}

func (r *responseCapture) Write(b []byte) (int, error) {
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}
