// Package log holds the process wide logger and the runtime log level
// endpoint.
package log

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	dslog "github.com/grafana/dskit/log"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Logger is the process wide logger. It is a no-op until InitLogger is
	// called.
	Logger = log.NewNopLogger()

	plogger *prometheusLogger
)

// InitLogger builds Logger from a format and level and counts emitted lines
// per level on reg.
func InitLogger(format string, lvl dslog.Level, reg prometheus.Registerer) log.Logger {
	return initLogger(os.Stderr, format, lvl, reg)
}

func initLogger(w io.Writer, format string, lvl dslog.Level, reg prometheus.Registerer) log.Logger {
	plogger = newPrometheusLogger(w, format, lvl, reg)
	Logger = log.With(plogger, "ts", log.DefaultTimestampUTC, "caller", log.Caller(3))
	return Logger
}

type prometheusLogger struct {
	baseLogger log.Logger

	mtx    sync.RWMutex
	logger log.Logger

	logMessages *prometheus.CounterVec
}

func newPrometheusLogger(w io.Writer, format string, lvl dslog.Level, reg prometheus.Registerer) *prometheusLogger {
	w = log.NewSyncWriter(w)
	base := log.NewLogfmtLogger(w)
	if format == "json" {
		base = log.NewJSONLogger(w)
	}

	logMessages := promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
		Namespace: "gridqueue",
		Name:      "log_messages_total",
		Help:      "Total number of log messages by level.",
	}, []string{"level"})
	for _, l := range []level.Value{level.DebugValue(), level.InfoValue(), level.WarnValue(), level.ErrorValue()} {
		logMessages.WithLabelValues(l.String())
	}

	l := &prometheusLogger{
		baseLogger:  base,
		logMessages: logMessages,
	}
	l.Set(lvl)
	return l
}

// Set swaps the level filter.
func (l *prometheusLogger) Set(lvl dslog.Level) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	l.logger = level.NewFilter(l.baseLogger, lvl.Option)
}

func (l *prometheusLogger) Log(kv ...interface{}) error {
	l.mtx.RLock()
	logger := l.logger
	l.mtx.RUnlock()
	if logger == nil {
		logger = l.baseLogger
	}
	if err := logger.Log(kv...); err != nil {
		return err
	}
	if l.logMessages == nil {
		return nil
	}
	lvl := "unknown"
	for i := 1; i < len(kv); i += 2 {
		if v, ok := kv[i].(level.Value); ok {
			lvl = v.String()
			break
		}
	}
	l.logMessages.WithLabelValues(lvl).Inc()
	return nil
}

type levelResponse struct {
	Status  string `json:"status,omitempty"`
	Message string `json:"message"`
}

// LevelHandler reports the current log level on GET and changes it on POST
// from the log_level form value.
func LevelHandler(current *dslog.Level) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			writeLevelResponse(w, http.StatusOK, &levelResponse{
				Message: fmt.Sprintf("Current log level is %s", current.String()),
			})
		case http.MethodPost:
			requested := r.FormValue("log_level")
			var lvl dslog.Level
			if err := lvl.Set(requested); err != nil {
				writeLevelResponse(w, http.StatusBadRequest, &levelResponse{Status: "failed", Message: err.Error()})
				return
			}
			if plogger != nil {
				plogger.Set(lvl)
			}
			*current = lvl
			level.Info(Logger).Log("msg", "log level changed", "level", requested)
			writeLevelResponse(w, http.StatusOK, &levelResponse{
				Status:  "success",
				Message: fmt.Sprintf("Log level set to %s", requested),
			})
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}
}

func writeLevelResponse(w http.ResponseWriter, status int, resp *levelResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = jsoniter.NewEncoder(w).Encode(resp)
}
