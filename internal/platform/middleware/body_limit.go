package middleware

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/ehr/hl7ingest/internal/platform/fhir"
)

// BodyLimit caps request bodies. batchLimit applies to POSTs whose path ends
// in one of batchPaths; defaultLimit to everything else. Limits are sizes
// such as "512K", "1M" or "2G"; a bare number is bytes.
//
// Oversized bodies get 413 with an OperationOutcome, either up front from
// Content-Length or when the handler reads past the limit.
func BodyLimit(defaultLimit, batchLimit string, batchPaths ...string) echo.MiddlewareFunc {
	defaultBytes := parseLimit(defaultLimit)
	batchBytes := parseLimit(batchLimit)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.Body == nil || req.Body == http.NoBody {
				return next(c)
			}

			limit := defaultBytes
			if req.Method == http.MethodPost {
				for _, p := range batchPaths {
					if strings.HasSuffix(strings.TrimSuffix(req.URL.Path, "/"), p) {
						limit = batchBytes
						break
					}
				}
			}

			if req.ContentLength > limit {
				return payloadTooLarge(c, limit)
			}
			req.Body = &limitedReadCloser{ReadCloser: req.Body, remaining: limit}

			err := next(c)
			if lr, ok := req.Body.(*limitedReadCloser); ok && lr.exceeded && !c.Response().Committed {
				return payloadTooLarge(c, limit)
			}
			return err
		}
	}
}

type limitedReadCloser struct {
	io.ReadCloser
	remaining int64
	exceeded  bool
}

func (r *limitedReadCloser) Read(p []byte) (int, error) {
	if r.exceeded {
		return 0, echo.ErrStatusRequestEntityTooLarge
	}
	if int64(len(p)) > r.remaining+1 {
		p = p[:r.remaining+1]
	}
	n, err := r.ReadCloser.Read(p)
	r.remaining -= int64(n)
	if r.remaining < 0 {
		r.exceeded = true
		return 0, echo.ErrStatusRequestEntityTooLarge
	}
	return n, err
}

func payloadTooLarge(c echo.Context, limit int64) error {
	return c.JSON(http.StatusRequestEntityTooLarge, fhir.NewOperationOutcome(
		fhir.IssueSeverityError,
		fhir.IssueTypeTooLong,
		fmt.Sprintf("request body exceeds maximum allowed size of %d bytes", limit),
	))
}

// parseLimit returns the size in bytes, or 1 MiB when s is empty or
// unparseable.
func parseLimit(s string) int64 {
	s = strings.ToUpper(strings.TrimSpace(s))
	s = strings.TrimSuffix(s, "B")

	var mult int64 = 1
	switch {
	case strings.HasSuffix(s, "G"):
		mult = 1 << 30
	case strings.HasSuffix(s, "M"):
		mult = 1 << 20
	case strings.HasSuffix(s, "K"):
		mult = 1 << 10
	}
	if mult != 1 {
		s = s[:len(s)-1]
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return 1 << 20
	}
	return n * mult
}
