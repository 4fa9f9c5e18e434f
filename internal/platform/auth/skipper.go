package auth

import (
	"github.com/labstack/echo/v4"
)

// publicPaths are infrastructure routes reachable without credentials.
var publicPaths = map[string]bool{
	"/health":    true,
	"/health/db": true,
	"/metrics":   true,
}

// AuthSkipper matches on the registered route so that path parameters and
// query strings cannot widen the public set.
func AuthSkipper(c echo.Context) bool {
	return publicPaths[c.Path()]
}

func IsPublicPath(path string) bool {
	return publicPaths[path]
}
