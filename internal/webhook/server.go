package webhook

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/autotrader/errs"
)

const (
	maxBodyBytes int64 = 1 << 20 // 1 MiB

	// Path receives alerts.
	Path = "/webhook/tradingview"
	// HealthPath reports liveness.
	HealthPath = "/healthz"
	// SignatureHeader carries the optional hex HMAC of the body.
	SignatureHeader = "X-Signature"

	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 5 * time.Second
)

type handlerFunc func(http.ResponseWriter, *http.Request)

type server struct {
	adapter *Adapter
	sink    Sink
}

// NewHandler routes alerts through adapter into sink.
func NewHandler(adapter *Adapter, sink Sink) http.Handler {
	s := &server{adapter: adapter, sink: sink}
	mux := http.NewServeMux()
	mux.Handle(Path, methodHandlers(map[string]handlerFunc{
		http.MethodPost: s.receive,
	}))
	mux.Handle(HealthPath, methodHandlers(map[string]handlerFunc{
		http.MethodGet: func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		},
	}))
	return mux
}

func (s *server) receive(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	sig, err := s.adapter.Forward(r.Context(), body, r.Header.Get(SignatureHeader), s.sink)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{
			"status": "accepted",
			"symbol": sig.Symbol,
			"action": string(sig.Action),
		})
	case errs.HasCanonical(err, errs.CanonicalDuplicateSignal):
		writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
	case errors.Is(err, ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errs.Classify(err) == errs.DispositionDrop:
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusServiceUnavailable, err.Error())
	}
}

// Serve listens on addr until ctx ends, then shuts the listener down.
func Serve(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	done := make(chan error, 1)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		done <- srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return <-done
}

func methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		w.Header().Set("Allow", strings.Join(allowed, ", "))
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}
