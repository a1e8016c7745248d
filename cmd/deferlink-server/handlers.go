package main

import (
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/deferlink/deferlink"
)

type server struct {
	engine *deferlink.DeferLink
	cfg    *ServerConfig
	logger *slog.Logger
}

func newRouter(engine *deferlink.DeferLink, cfg *ServerConfig, logger *slog.Logger) http.Handler {
	s := &server{engine: engine, cfg: cfg, logger: logger}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestID())
	r.Use(requestLog(logger))

	corsConfig := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		AllowCredentials: true,
	}
	if len(cfg.CORSOrigins) == 1 && cfg.CORSOrigins[0] == "*" {
		corsConfig.AllowAllOrigins = true
		corsConfig.AllowCredentials = false
	} else {
		corsConfig.AllowOrigins = cfg.CORSOrigins
	}
	r.Use(cors.New(corsConfig))

	r.GET("/", s.root)
	r.GET("/dl", s.createDeepLink)

	api := r.Group("/api/v1")
	{
		api.POST("/resolve", s.resolve)
		api.GET("/sessions/:id", s.getSession)
		api.DELETE("/sessions/:id", s.deleteSession)
		api.POST("/cleanup", s.cleanup)
		api.GET("/stats", s.stats)
		api.GET("/health", s.health)
	}

	return r
}

// requestID tags every request with an id for log correlation.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

func requestLog(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"ip", deferlink.ClientIP(c.Request),
			"duration", time.Since(start),
			"request_id", c.GetString("request_id"),
		)
	}
}

func (s *server) root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message": "DeferLink API",
		"status":  "running",
		"health":  "/api/v1/health",
	})
}

// createDeepLink handles the browser landing. It registers (or reuses) a
// session for the visit, then either bounces iOS devices to the App Store or
// renders an instruction page. Client-side attributes the server cannot see
// arrive as query parameters.
func (s *server) createDeepLink(c *gin.Context) {
	promoID := c.Query("promo_id")
	domain := c.Query("domain")
	if promoID == "" && c.Query("url") == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "promo_id or url is required"})
		return
	}

	ua := c.Request.UserAgent()

	// A returning visitor with a live pending session keeps it instead of
	// creating a duplicate.
	if cookieID, err := c.Cookie(s.cfg.Cookie.Name); err == nil && cookieID != "" {
		if info, err := s.engine.GetSession(c.Request.Context(), cookieID); err == nil &&
			info.State == deferlink.StatePending && !info.IsExpired(time.Now()) {
			s.finishLanding(c, promoID, domain, ua)
			return
		}
	}

	fp := deferlink.ExtractFingerprint(c.Request)
	fp = fp.Apply(queryPatch(c))

	ttl := time.Duration(0)
	if raw := c.Query("ttl"); raw != "" {
		hours, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid ttl"})
			return
		}
		ttl = time.Duration(hours) * time.Hour
	}

	result, err := s.engine.CreateSession(c.Request.Context(), deferlink.CreateRequest{
		Fingerprint: fp,
		Payload: deferlink.Payload{
			PromoID:        promoID,
			Domain:         domain,
			DestinationURL: c.Query("url"),
		},
		TTL:       ttl,
		SourceKey: deferlink.ClientIP(c.Request),
	})
	if err != nil {
		s.writeError(c, err)
		return
	}

	maxAge := int(time.Until(result.ExpiresAt).Seconds())
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(s.cfg.Cookie.Name, result.SessionID, maxAge, "/", "",
		s.cfg.cookieSecure(), s.cfg.cookieHTTPOnly())

	s.finishLanding(c, promoID, domain, ua)
}

// finishLanding redirects iOS devices to the App Store and shows everyone
// else the install instructions.
func (s *server) finishLanding(c *gin.Context, promoID, domain, ua string) {
	if isIOSUserAgent(ua) {
		c.Redirect(http.StatusFound, appStoreURL(s.cfg.AppStoreURL, promoID))
		return
	}
	c.Header("Content-Type", "text/html; charset=utf-8")
	c.String(http.StatusOK, instructionPage(domain, promoID))
}

func isIOSUserAgent(ua string) bool {
	return strings.Contains(ua, "iPhone") || strings.Contains(ua, "iPad") || strings.Contains(ua, "iPod")
}

// appStoreURL points numeric promo ids at their App Store entry and
// everything else at the store front page.
func appStoreURL(base, promoID string) string {
	if promoID != "" && isDigits(promoID) {
		return "https://apps.apple.com/app/id" + promoID
	}
	return base
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

// queryPatch overlays client-collected attributes passed as query parameters.
func queryPatch(c *gin.Context) deferlink.Patch {
	var p deferlink.Patch
	if v := c.Query("timezone"); v != "" {
		p.Timezone = &v
	}
	if v := c.Query("language"); v != "" {
		p.Language = &v
	}
	if v := c.Query("model"); v != "" {
		p.DeviceModel = &v
	}
	if w, h, ok := parseScreenSize(c.Query("screen_size")); ok {
		p.ScreenWidth = &w
		p.ScreenHeight = &h
	}
	return p
}

// parseScreenSize parses "390x844" into width and height.
func parseScreenSize(raw string) (int, int, bool) {
	ws, hs, found := strings.Cut(raw, "x")
	if !found {
		return 0, 0, false
	}
	w, err1 := strconv.Atoi(strings.TrimSpace(ws))
	h, err2 := strconv.Atoi(strings.TrimSpace(hs))
	if err1 != nil || err2 != nil || w <= 0 || h <= 0 {
		return 0, 0, false
	}
	return w, h, true
}

type resolveBody struct {
	Fingerprint struct {
		Platform     string            `json:"platform"`
		Language     string            `json:"language"`
		Timezone     string            `json:"timezone"`
		ScreenWidth  int               `json:"screen_width"`
		ScreenHeight int               `json:"screen_height"`
		ScreenSize   string            `json:"screen_size"`
		DeviceModel  string            `json:"model"`
		UserAgent    string            `json:"user_agent"`
		Custom       map[string]string `json:"custom"`
	} `json:"fingerprint"`
	TimeoutMS int `json:"timeout_ms"`
}

func (s *server) resolve(c *gin.Context) {
	var body resolveBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	fp := deferlink.Fingerprint{
		Platform:     body.Fingerprint.Platform,
		Language:     body.Fingerprint.Language,
		Timezone:     body.Fingerprint.Timezone,
		ScreenWidth:  body.Fingerprint.ScreenWidth,
		ScreenHeight: body.Fingerprint.ScreenHeight,
		DeviceModel:  body.Fingerprint.DeviceModel,
		UserAgent:    body.Fingerprint.UserAgent,
		Custom:       body.Fingerprint.Custom,
	}
	if fp.ScreenWidth == 0 && body.Fingerprint.ScreenSize != "" {
		if w, h, ok := parseScreenSize(body.Fingerprint.ScreenSize); ok {
			fp.ScreenWidth, fp.ScreenHeight = w, h
		}
	}
	if fp.UserAgent == "" {
		fp.UserAgent = c.Request.UserAgent()
	}

	result, err := s.engine.ResolveSession(c.Request.Context(), deferlink.ResolveRequest{
		Fingerprint: fp,
		SourceKey:   deferlink.ClientIP(c.Request),
		Timeout:     time.Duration(body.TimeoutMS) * time.Millisecond,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *server) getSession(c *gin.Context) {
	info, err := s.engine.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *server) deleteSession(c *gin.Context) {
	if err := s.engine.DeleteSession(c.Request.Context(), c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func (s *server) cleanup(c *gin.Context) {
	evicted, err := s.engine.CleanupExpired(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"evicted": evicted})
}

func (s *server) stats(c *gin.Context) {
	stats, err := s.engine.Stats(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *server) health(c *gin.Context) {
	if _, err := s.engine.Stats(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// writeError maps engine sentinel errors to HTTP statuses.
func (s *server) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, deferlink.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, deferlink.ErrSessionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
	case errors.Is(err, deferlink.ErrRateLimited):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many requests"})
	case errors.Is(err, deferlink.ErrCapacity):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "at capacity"})
	case errors.Is(err, deferlink.ErrStorageUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage unavailable"})
	default:
		s.logger.Error("unhandled error", "error", err, "request_id", c.GetString("request_id"))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

var instructionTmpl = template.Must(template.New("instructions").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>Install the app</title>
<style>
body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif;
  margin: 0; padding: 20px; background: linear-gradient(135deg, #667eea 0%, #764ba2 100%);
  color: white; text-align: center; min-height: 100vh;
  display: flex; flex-direction: column; justify-content: center; align-items: center; }
.container { background: rgba(255,255,255,0.1); padding: 40px; border-radius: 20px;
  max-width: 400px; width: 100%; }
h1 { margin-bottom: 20px; font-size: 28px; }
p { margin-bottom: 30px; font-size: 18px; line-height: 1.6; }
</style>
</head>
<body>
<div class="container">
<h1>Almost there</h1>
<p>Install the app and open it on this device. Your link will be waiting.</p>
{{if .Domain}}<p>{{.Domain}}</p>{{end}}
</div>
</body>
</html>
`))

func instructionPage(domain, promoID string) string {
	var b strings.Builder
	err := instructionTmpl.Execute(&b, struct{ Domain, PromoID string }{domain, promoID})
	if err != nil {
		return fmt.Sprintf("<html><body><p>Install the app to continue (%s)</p></body></html>",
			template.HTMLEscapeString(domain))
	}
	return b.String()
}
