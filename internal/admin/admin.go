// Package admin serves a status table of every configured proxy plus a
// liveness probe over fiber.
package admin

import (
	"fmt"
	"html/template"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/uzzalhcse/spiderproxy/internal/cluster"
	"github.com/uzzalhcse/spiderproxy/internal/registry"
)

var statusPage = template.Must(template.New("proxies").Parse(`<!doctype html>
<html><head><title>spiderproxy</title><style>
body { font-family: monospace; }
table { border-collapse: collapse; }
td, th { border: 1px solid #999; padding: 2px 8px; }
tr.failed { background: #f8d7da; }
</style></head><body>
{{if .RedirectURL}}
<p>not the leader — <a href="{{.RedirectURL}}">view leader's status page</a></p>
{{else}}
<table>
<tr><th>ip</th><th>port</th><th>since last success</th><th>since last attempt</th><th>last duration</th></tr>
{{range .Rows}}
<tr{{if .Failed}} class="failed"{{end}}>
<td>{{.IP}}</td><td>{{.Port}}</td><td>{{.SinceSuccess}}</td><td>{{.SinceAttempt}}</td><td>{{.Duration}}</td>
</tr>
{{end}}
</table>
{{end}}
</body></html>`))

type row struct {
	IP           string
	Port         uint16
	SinceSuccess string
	SinceAttempt string
	Duration     string
	Failed       bool
}

type pageData struct {
	RedirectURL string
	Rows        []row
}

// Server serves the admin HTTP surface.
type Server struct {
	app        *fiber.App
	reg        *registry.Registry
	gate       *cluster.Gate
	peerAdmins func() []string
}

// New builds the admin fiber app. peerAdmins is read fresh per request so
// config reloads apply without a restart.
func New(reg *registry.Registry, gate *cluster.Gate, peerAdmins func() []string) *Server {
	s := &Server{
		app:        fiber.New(fiber.Config{DisableStartupMessage: true}),
		reg:        reg,
		gate:       gate,
		peerAdmins: peerAdmins,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	s.app.Get("/admin/proxies", s.handleProxies)
}

// Listen starts serving on addr. Blocks until the app is shut down.
func (s *Server) Listen(addr string) error {
	return s.app.Listen(addr)
}

// Shutdown gracefully stops the app.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

func (s *Server) handleProxies(c *fiber.Ctx) error {
	if !s.gate.IsLeader() {
		data := pageData{}
		if url, err := cluster.AdminURLFor(s.peerAdmins(), s.gate.LeaderIndex()); err == nil {
			data.RedirectURL = url
		}
		c.Set(fiber.HeaderContentType, fiber.MIMETextHTMLCharsetUTF8)
		return statusPage.Execute(c.Response().BodyWriter(), data)
	}

	nowMs := time.Now().UnixMilli()
	snapshot := s.reg.Snapshot()
	rows := make([]row, 0, len(snapshot))
	for _, sp := range snapshot {
		rows = append(rows, buildRow(sp, nowMs))
	}

	c.Set(fiber.HeaderContentType, fiber.MIMETextHTMLCharsetUTF8)
	return statusPage.Execute(c.Response().BodyWriter(), pageData{Rows: rows})
}

func buildRow(sp *registry.ProxyStat, nowMs int64) row {
	r := row{
		IP:   ipToDotted(sp.Endpoint.IP),
		Port: sp.Endpoint.Port,
	}

	if sp.LastSuccessMs <= 0 {
		r.SinceSuccess = "none"
	} else {
		r.SinceSuccess = agoString(nowMs - sp.LastSuccessMs)
	}

	if sp.LastAttemptMs <= 0 {
		r.SinceAttempt = "none"
	} else {
		r.SinceAttempt = agoString(nowMs - sp.LastAttemptMs)
	}

	switch {
	case sp.LastAttemptMs <= 0:
		r.Duration = "unknown"
	case sp.LastDurationMs == -1:
		r.Duration = "FAILED"
		r.Failed = true
	default:
		r.Duration = fmt.Sprintf("%dms", sp.LastDurationMs)
	}

	return r
}

func agoString(elapsedMs int64) string {
	return (time.Duration(elapsedMs) * time.Millisecond).String() + " ago"
}

func ipToDotted(ip uint32) string {
	return fmt.Sprintf("%d.%d.%d.%d", byte(ip>>24), byte(ip>>16), byte(ip>>8), byte(ip))
}
