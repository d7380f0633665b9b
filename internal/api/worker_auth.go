package api

import (
	"crypto/hmac"
	"net/http"
	"os"
	"strings"
)

// workerAuth is the shared-secret check on the agent-facing endpoints. When
// credentials are configured, every poll and report request must carry
// X-Worker-ID and X-Worker-Secret headers matching a registered worker.
// The check fails closed: a missing header, an unknown worker id and a
// wrong secret all produce the same rejection.
type workerAuth struct {
	enabled bool
	secrets map[string]string
}

// newWorkerAuthFromEnv parses DISPATCH_WORKER_CREDENTIALS, a comma
// separated list of workerID:secret pairs. An empty value disables the
// check and leaves the bearer-token model as the only gate.
func newWorkerAuthFromEnv() *workerAuth {
	raw := strings.TrimSpace(os.Getenv("DISPATCH_WORKER_CREDENTIALS"))
	a := &workerAuth{secrets: map[string]string{}}
	if raw == "" {
		return a
	}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		id, secret, ok := strings.Cut(pair, ":")
		id = strings.TrimSpace(id)
		if !ok || id == "" || secret == "" {
			continue
		}
		a.secrets[id] = secret
	}
	a.enabled = len(a.secrets) > 0
	return a
}

func (a *workerAuth) authorize(r *http.Request) bool {
	if !a.enabled {
		return true
	}
	id := strings.TrimSpace(r.Header.Get("X-Worker-ID"))
	secret := r.Header.Get("X-Worker-Secret")
	if id == "" || secret == "" {
		return false
	}
	want, ok := a.secrets[id]
	if !ok {
		return false
	}
	return hmac.Equal([]byte(secret), []byte(want))
}
