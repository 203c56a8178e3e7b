package middleware

import (
	"net/http"

	"go.uber.org/zap"
)

// Wrap applies the standard middleware stack to h. Logging sits outside
// Recovery so a recovered panic is still logged with its 500 status.
func Wrap(h http.Handler, logger *zap.Logger) http.Handler {
	return TraceID(Logging(logger)(Recovery(logger)(h)))
}
