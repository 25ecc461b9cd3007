package httpapi

import (
	"log"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"aictl/internal/engine"
	"aictl/pkg/types"
)

// zlog is an optional structured logger. If unset, falls back to log.Printf.
var zlog *zerolog.Logger

// SetLogger installs a structured logger used by the HTTP layer.
func SetLogger(l zerolog.Logger) { zlog = &l }

// LogLevel controls per-request logging behavior.
type LogLevel int

const (
	LevelOff LogLevel = iota
	LevelError
	LevelInfo
	LevelDebug
)

func parseLevel(s string) LogLevel {
	switch s {
	case "off", "":
		return LevelOff
	case "error":
		return LevelError
	case "info":
		return LevelInfo
	case "debug":
		return LevelDebug
	default:
		return LevelInfo
	}
}

// global default, read once
var defaultLogLevel = parseLevel(os.Getenv("AICTL_HTTP_LOG_LEVEL"))

func requestLogLevel(r *http.Request) LogLevel {
	// Per-request overrides
	if v := r.URL.Query().Get("log"); v != "" {
		if v == "1" {
			return LevelDebug
		}
		return parseLevel(v)
	}
	if v := r.Header.Get("X-Log-Level"); v != "" {
		return parseLevel(v)
	}
	return defaultLogLevel
}

func logRunStart(r *http.Request, req types.RunRequest) {
	if zlog != nil {
		z := zlog.Info().Str("path", r.URL.Path).Str("dir", req.Dir)
		if rid := middleware.GetReqID(r.Context()); rid != "" {
			z = z.Str("request_id", rid)
		}
		z.Msg("run start")
		return
	}
	log.Printf("run start path=%s dir=%s", r.URL.Path, req.Dir)
}

func logRunEnd(r *http.Request, resp types.RunResponse, dur time.Duration) {
	if zlog != nil {
		z := zlog.Info().Str("outcome", resp.Outcome).Dur("dur", dur)
		if rid := middleware.GetReqID(r.Context()); rid != "" {
			z = z.Str("request_id", rid)
		}
		z.Msg("run end")
		return
	}
	log.Printf("run end outcome=%s dur=%s", resp.Outcome, dur)
}

func logProgressLine(p engine.Progress) {
	if zlog != nil {
		zlog.Debug().Uint64("request", p.RequestID).Bool("thinking", p.Thinking).Str("tool", p.ToolName).Msg("run progress")
		return
	}
	log.Printf("run progress request=%d thinking=%v tool=%s", p.RequestID, p.Thinking, p.ToolName)
}
