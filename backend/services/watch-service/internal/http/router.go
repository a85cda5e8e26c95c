package httpserver

import "net/http"

// Routes groups handlers and the wrappers applied to each endpoint class.
type Routes struct {
	Ingest          http.HandlerFunc
	Dispatch        http.HandlerFunc
	Sweep           http.HandlerFunc
	Task            http.HandlerFunc
	Subscribe       http.HandlerFunc
	Unsubscribe     http.HandlerFunc
	CheckSubscribed http.HandlerFunc
	Snapshot        http.HandlerFunc
	Health          http.HandlerFunc
	Metrics         http.Handler
	LiveFeed        http.HandlerFunc

	// InternalAuth guards ingest, dispatch and polling endpoints.
	InternalAuth func(http.Handler) http.Handler
	// PublicLimit throttles browser-facing endpoints.
	PublicLimit func(http.Handler) http.Handler
}

// NewRouter registers endpoints.
func NewRouter(routes Routes) http.Handler {
	mux := http.NewServeMux()

	internal := func(path string, h http.HandlerFunc) {
		if h == nil {
			return
		}
		mux.Handle(path, wrap(routes.InternalAuth, method(http.MethodPost, h)))
	}
	public := func(path string, h http.HandlerFunc) {
		if h == nil {
			return
		}
		mux.Handle(path, wrap(routes.PublicLimit, method(http.MethodPost, h)))
	}

	internal("/api/v1/ingest", routes.Ingest)
	internal("/api/v1/dispatch", routes.Dispatch)
	internal("/api/v1/polling/sweep", routes.Sweep)
	internal("/api/v1/polling/task", routes.Task)

	public("/api/v1/subscribe", routes.Subscribe)
	public("/api/v1/unsubscribe", routes.Unsubscribe)
	public("/api/v1/check-subscribed", routes.CheckSubscribed)
	public("/api/v1/station/snapshot", routes.Snapshot)

	if routes.Health != nil {
		mux.Handle("/health", method(http.MethodGet, routes.Health))
	}
	if routes.Metrics != nil {
		mux.Handle("/metrics", method(http.MethodGet, routes.Metrics.ServeHTTP))
	}
	if routes.LiveFeed != nil {
		mux.Handle("/ws/stations", method(http.MethodGet, routes.LiveFeed))
	}
	return mux
}

func wrap(mw func(http.Handler) http.Handler, h http.Handler) http.Handler {
	if mw == nil {
		return h
	}
	return mw(h)
}

func method(expected string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != expected {
			w.Header().Set("Allow", expected)
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		handler(w, r)
	}
}
