package auth

import (
	"github.com/labstack/echo/v4"
)

// publicPaths bypass authentication: infrastructure probes and metrics.
var publicPaths = map[string]bool{
	"/health":    true,
	"/health/db": true,
	"/metrics":   true,
}

// AuthSkipper returns true for requests whose path should skip authentication.
func AuthSkipper(c echo.Context) bool {
	return publicPaths[c.Path()] || publicPaths[c.Request().URL.Path]
}

// IsPublicPath reports whether the given path bypasses auth.
func IsPublicPath(path string) bool {
	return publicPaths[path]
}
