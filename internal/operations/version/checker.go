package version

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/CloudNativeWorks/elchi-ota/internal/operations/httpfetch"
	"github.com/CloudNativeWorks/elchi-ota/internal/transport"
	"github.com/CloudNativeWorks/elchi-ota/pkg/logger"
)

// TokenLength is how many trailing characters of the version response
// carry the version number.
const TokenLength = 6

// plainDecimal is the only token form accepted as a version. ParseFloat
// alone would also take Inf, NaN, signs, exponents and hex floats.
var plainDecimal = regexp.MustCompile(`^(?:[0-9]+\.?[0-9]*|\.[0-9]+)$`)

// Checker asks the firmware server whether a newer build exists.
type Checker struct {
	session *transport.Session
	fetcher *httpfetch.Fetcher
	log     *logger.Logger
}

func NewChecker(session *transport.Session, fetcher *httpfetch.Fetcher) *Checker {
	return &Checker{
		session: session,
		fetcher: fetcher,
		log:     logger.NewLogger("version"),
	}
}

// Result of a version check.
type Result struct {
	Available     bool
	ServerVersion float64
	// Parsed is false when the server answered nothing usable.
	Parsed bool
}

// CheckForUpdate reports whether the server version is strictly greater
// than local. Network failures are returned as errors; an empty or
// garbled answer is "no update".
func (c *Checker) CheckForUpdate(ctx context.Context, ep httpfetch.Endpoint, local float64) (Result, error) {
	if err := c.session.Attach(ctx); err != nil {
		return Result{}, err
	}
	if err := c.session.Connect(ctx, ep.Host, ep.Port); err != nil {
		return Result{}, err
	}

	resp, err := c.fetcher.FetchHeaderAndBody(ctx, ep.Host, ep.VersionPath)
	if err != nil {
		c.session.Backoff()
		return Result{}, fmt.Errorf("fetch %s: %w", ep.VersionPath, err)
	}

	server, ok := ParseServerVersion(resp)
	if !ok {
		c.log.WithFields(logger.Fields{
			"path":  ep.VersionPath,
			"token": Token(resp),
		}).Warn("Malformed version response, assuming no update")
		return Result{}, nil
	}

	res := Result{
		Available:     IsNewer(server, local),
		ServerVersion: server,
		Parsed:        true,
	}

	c.log.WithFields(logger.Fields{
		"server_version": server,
		"local_version":  local,
		"update":         res.Available,
	}).Info("Version check finished")

	return res, nil
}

// Token returns the trailing TokenLength characters of resp after
// trailing whitespace is removed, or all of it when shorter.
func Token(resp string) string {
	resp = strings.TrimRight(resp, " \t\r\n")
	if len(resp) <= TokenLength {
		return resp
	}
	return resp[len(resp)-TokenLength:]
}

// ParseServerVersion extracts the version from a raw response. The second
// result is false for empty, whitespace-only or garbled tokens.
func ParseServerVersion(resp string) (float64, bool) {
	token := strings.TrimSpace(Token(resp))
	if !plainDecimal.MatchString(token) {
		return 0, false
	}
	v, err := strconv.ParseFloat(token, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func IsNewer(server, local float64) bool {
	return server > local
}
