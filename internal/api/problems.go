package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"
)

// problem is an RFC 9457 Problem Details body. Every non-2xx response
// the API produces is one of these.
type problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

const problemTypeBase = "https://packforge.dev/problems/"

var statusTitles = map[int]string{
	http.StatusBadRequest:          "Bad Request",
	http.StatusUnauthorized:        "Unauthorized",
	http.StatusPaymentRequired:     "Payment Required",
	http.StatusNotFound:            "Not Found",
	http.StatusConflict:            "Conflict",
	http.StatusGone:                "Gone",
	http.StatusTooManyRequests:     "Too Many Requests",
	http.StatusInternalServerError: "Internal Server Error",
}

// writeProblem renders a problem response. code becomes the type URI
// suffix; an empty title falls back to the status text.
func writeProblem(w http.ResponseWriter, r *http.Request, status int, code, title, detail string) {
	if title == "" {
		title = statusTitles[status]
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	body := problem{
		Type:     problemTypeBase + code,
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		zerolog.Ctx(r.Context()).Warn().Err(err).Msg("problem encode failed")
	}
}

// writeRetryAfter sets the Retry-After header in whole seconds, rounded
// up so a client never retries inside the window.
func writeRetryAfter(w http.ResponseWriter, seconds float64) {
	n := int(seconds)
	if float64(n) < seconds {
		n++
	}
	if n < 1 {
		n = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(n))
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		zerolog.Ctx(r.Context()).Warn().Err(err).Msg("response encode failed")
	}
}
