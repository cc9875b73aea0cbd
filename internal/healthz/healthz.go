// Package healthz exposes a /healthz endpoint reporting DB/Redis/RabbitMQ
// connectivity, following the teacher's cmd/api health-check convention.
package healthz

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
)

const pingTimeout = 3 * time.Second

// Checker holds the dependencies probed by the /healthz handler. Any field
// left nil is skipped (a process that doesn't hold a RabbitMQ connection,
// for instance, need not report on it).
type Checker struct {
	DB       *sql.DB
	Redis    *redis.Client
	AMQPConn *amqp091.Connection
}

type report struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// Handler returns an http.HandlerFunc suitable for mounting at /healthz.
func (c Checker) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), pingTimeout)
		defer cancel()

		checks := map[string]string{}
		healthy := true

		if c.DB != nil {
			if err := c.DB.PingContext(ctx); err != nil {
				checks["db"] = err.Error()
				healthy = false
			} else {
				checks["db"] = "ok"
			}
		}
		if c.Redis != nil {
			if err := c.Redis.Ping(ctx).Err(); err != nil {
				checks["redis"] = err.Error()
				healthy = false
			} else {
				checks["redis"] = "ok"
			}
		}
		if c.AMQPConn != nil {
			if c.AMQPConn.IsClosed() {
				checks["rabbitmq"] = "connection closed"
				healthy = false
			} else {
				checks["rabbitmq"] = "ok"
			}
		}

		out := report{Status: "ok", Checks: checks}
		status := http.StatusOK
		if !healthy {
			out.Status = "degraded"
			status = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(out)
	}
}
