// Package errors renders API failures as RFC 7807 problem details, so
// clients get a stable machine-readable error shape regardless of which
// layer rejected the request.
package errors

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ContentType is the media type RFC 7807 mandates for problem bodies.
const ContentType = "application/problem+json"

// Problem is an RFC 7807 problem details document.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

func (p *Problem) Error() string {
	if p.Detail != "" {
		return p.Title + ": " + p.Detail
	}
	return p.Title
}

// Problem categories the engine reports.
var (
	InvalidInput = define("invalid-input", "Invalid input", http.StatusBadRequest)
	NotFound     = define("not-found", "Not found", http.StatusNotFound)
	// Rejected covers business refusals: insufficient funds, insufficient
	// margin headroom, acting on a non-open position.
	Rejected         = define("rejected", "Request rejected", http.StatusUnprocessableEntity)
	PriceUnavailable = define("price-unavailable", "Price unavailable", http.StatusBadGateway)
	Internal         = define("internal", "Internal error", http.StatusInternalServerError)
)

func define(slug, title string, status int) *Problem {
	return &Problem{
		Type:   "https://papermarkets.dev/problems/" + slug,
		Title:  title,
		Status: status,
	}
}

// Explain returns a copy carrying a human-readable detail.
func (p *Problem) Explain(detail string) *Problem {
	out := *p
	out.Detail = detail
	return &out
}

// Write renders the problem on a gin context with the request path as the
// instance.
func (p *Problem) Write(c *gin.Context) {
	out := *p
	out.Instance = c.Request.URL.Path
	c.Header("Content-Type", ContentType)
	c.JSON(out.Status, out)
}
