package agent

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hollis-dev/agentbridge/internal/apiclient"
	"github.com/hollis-dev/agentbridge/internal/config"
)

func validatorFor(t *testing.T, handler http.Handler) *Validator {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	api := apiclient.New(srv.URL, time.Second,
		config.RetryConfig{MaxAttempts: 1, Initial: time.Millisecond, Max: time.Millisecond, Multiplier: 1})
	return NewValidator(api, config.DefaultConfig())
}

func TestValidatorIdentityMatch(t *testing.T) {
	v := validatorFor(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"status":"stable","agentType":"claude"}`)
	}))

	alive, reason := v.Check(context.Background(), config.AgentClaude)
	if !alive || reason != "identity" {
		t.Errorf("got %v/%s, want alive via identity", alive, reason)
	}
}

func TestValidatorIdentityMismatch(t *testing.T) {
	v := validatorFor(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"status":"stable","agentType":"goose"}`)
	}))

	alive, reason := v.Check(context.Background(), config.AgentClaude)
	if alive || reason != "identity-mismatch" {
		t.Errorf("got %v/%s, want dead via identity-mismatch", alive, reason)
	}
}

func TestValidatorFingerprintFallback(t *testing.T) {
	v := validatorFor(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/status":
			io.WriteString(w, `{"status":"stable"}`)
		case "/messages":
			io.WriteString(w, `{"messages":[{"id":1,"role":"agent","content":"goose here ( O)>"}]}`)
		default:
			http.NotFound(w, r)
		}
	}))

	alive, reason := v.Check(context.Background(), config.AgentGoose)
	if !alive || reason != "identity" {
		t.Errorf("got %v/%s, want alive via message fingerprint", alive, reason)
	}
}

func TestValidatorWeakConnectivityPositive(t *testing.T) {
	v := validatorFor(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/status":
			io.WriteString(w, `{"status":"stable"}`)
		case "/messages":
			io.WriteString(w, `{"messages":[]}`)
		default:
			http.NotFound(w, r)
		}
	}))

	// claude is in the default config, so a reachable anonymous server
	// counts as a weak positive for it.
	alive, reason := v.Check(context.Background(), config.AgentClaude)
	if !alive || reason != "connectivity" {
		t.Errorf("got %v/%s, want weak connectivity positive", alive, reason)
	}

	// custom is not configured by default: same server, not alive.
	alive, reason = v.Check(context.Background(), config.AgentCustom)
	if alive || reason != "unidentified" {
		t.Errorf("got %v/%s, want unidentified", alive, reason)
	}
}

func TestValidatorUnreachable(t *testing.T) {
	api := apiclient.New("http://127.0.0.1:1", 100*time.Millisecond,
		config.RetryConfig{MaxAttempts: 1, Initial: time.Millisecond, Max: time.Millisecond, Multiplier: 1})
	v := NewValidator(api, config.DefaultConfig())

	alive, reason := v.Check(context.Background(), config.AgentClaude)
	if alive || reason != "unreachable" {
		t.Errorf("got %v/%s, want unreachable", alive, reason)
	}
}
