package middleware

import (
	"net/http"
	"time"
)

// RequestObserver принимает сведения об обработанном запросе.
type RequestObserver interface {
	ObserveRequest(route, method string, status int, elapsed time.Duration)
}

// Metrics передаёт в observer маршрут, статус и длительность каждого запроса.
func Metrics(observer RequestObserver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			mw, data := wrapResponse(w)

			next.ServeHTTP(mw, r)

			observer.ObserveRequest(routePattern(r), r.Method, data.status, time.Since(start))
		})
	}
}
